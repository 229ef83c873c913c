package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// eventPulseWindow is how long a single motion/detection trigger call counts as "active" before
// decaying, absent a further pulse — these are instantaneous events, not continuous signals, so
// the controller treats each one as holding the session open for a short window.
const eventPulseWindow = 3 * time.Second

// sessionWriter is the SegmentWriter surface the controller drives. Narrowed to an interface so
// the state machine can be tested with a fake; SegmentWriter is the production implementation.
type sessionWriter interface {
	Open(ctx context.Context, trigger TriggerType, preRoll []Packet, width, height int, fps float64) (*Recording, error)
	Close(ctx context.Context) (*Recording, error)
	WritePacket(p Packet) error
	ShouldRotate(p Packet) bool
	UpgradeTrigger(ctx context.Context, t TriggerType) error
	NoteLabel(label string)
	CurrentRecording() *Recording
}

// Controller implements the Recording Controller (component E): the per-stream state machine
// driving a SegmentWriter from continuous/schedule/detection/motion/manual triggers.
//
//	OFF → ARMED → BUFFERING → RECORDING → POST_ROLL → FINALIZING → (ARMED | OFF)
type Controller struct {
	streamName string
	repo       Repository
	writer     sessionWriter
	ring       RingBuffer
	bus        EventPublisher
	logger     *slog.Logger

	width, height int
	fps           float64
	preRoll       time.Duration
	postRoll      time.Duration

	mu                 sync.Mutex
	state              ControllerState
	currentTrigger     TriggerType
	continuousEnabled  bool
	schedule           []scheduleEntry
	manualActive       bool
	motionUntil        time.Time
	detectionUntil     time.Time
	postRollDeadline   time.Time
}

// ControllerConfig configures a new Controller.
type ControllerConfig struct {
	StreamName         string
	Repository         Repository
	Writer             sessionWriter
	Ring               RingBuffer
	Bus                EventPublisher
	Width, Height      int
	FPS                float64
	PreDetectionBuffer time.Duration
	PostDetectionBuffer time.Duration
	ContinuousEnabled  bool
	Schedule           []scheduleEntry
}

// NewController creates a controller for one stream, initially OFF.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		streamName:        cfg.StreamName,
		repo:              cfg.Repository,
		writer:            cfg.Writer,
		ring:              cfg.Ring,
		bus:               cfg.Bus,
		logger:            slog.Default().With("component", "controller", "stream", cfg.StreamName),
		width:             cfg.Width,
		height:            cfg.Height,
		fps:               cfg.FPS,
		preRoll:           cfg.PreDetectionBuffer,
		postRoll:          cfg.PostDetectionBuffer,
		state:             ControllerOff,
		continuousEnabled: cfg.ContinuousEnabled,
		schedule:          cfg.Schedule,
	}
}

// State returns the controller's current state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm transitions OFF→ARMED: the ring buffer starts accepting packets but no file is open. It is
// a no-op if already armed or recording.
func (c *Controller) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ControllerOff {
		c.state = ControllerArmed
	}
}

// Disarm finalizes any open session and transitions to OFF, used when a stream stops or is
// disabled.
func (c *Controller) Disarm(ctx context.Context) error {
	c.mu.Lock()
	recording := c.state == ControllerRecording || c.state == ControllerPostRoll || c.state == ControllerBuffering
	c.mu.Unlock()

	if recording {
		if err := c.finalize(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.state = ControllerOff
	c.mu.Unlock()
	return nil
}

// SetContinuous toggles the continuous-recording trigger condition.
func (c *Controller) SetContinuous(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.continuousEnabled = enabled
	c.mu.Unlock()
	c.reconcile(ctx, time.Now())
}

// SetSchedule replaces the parsed schedule entries evaluated on each Tick.
func (c *Controller) SetSchedule(entries []scheduleEntry) {
	c.mu.Lock()
	c.schedule = entries
	c.mu.Unlock()
}

// StartManual implements the manual trigger of the command API: POST /streams/{name}/record/start.
func (c *Controller) StartManual(ctx context.Context) error {
	c.mu.Lock()
	c.manualActive = true
	c.mu.Unlock()
	return c.reconcile(ctx, time.Now())
}

// StopManual implements POST /streams/{name}/record/stop. It clears the manual hold; the
// session then follows the normal overlap/post-roll rules for any other still-active trigger.
func (c *Controller) StopManual(ctx context.Context) error {
	c.mu.Lock()
	c.manualActive = false
	c.mu.Unlock()
	return c.reconcile(ctx, time.Now())
}

// TriggerMotion records a motion pulse, holding the session open for eventPulseWindow.
func (c *Controller) TriggerMotion(ctx context.Context) error {
	c.mu.Lock()
	c.motionUntil = time.Now().Add(eventPulseWindow)
	c.mu.Unlock()
	return c.reconcile(ctx, time.Now())
}

// IngestDetection feeds a detection event into the controller. Callers (K) have already applied
// the stream's confidence threshold and object filter before calling this.
func (c *Controller) IngestDetection(ctx context.Context, d Detection) (string, error) {
	c.mu.Lock()
	c.detectionUntil = time.Now().Add(eventPulseWindow)
	c.mu.Unlock()
	if err := c.reconcile(ctx, time.Now()); err != nil {
		return "", err
	}

	rec := c.writer.CurrentRecording()
	var recordingID string
	if rec != nil {
		recordingID = rec.ID
		d.RecordingID = &recordingID
		c.writer.NoteLabel(d.Label)
	}
	if err := c.repo.InsertDetection(ctx, &d); err != nil {
		return recordingID, err
	}
	return recordingID, nil
}

// Tick evaluates the schedule and expires POST_ROLL, driven by the process-wide heartbeat.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	return c.reconcile(ctx, now)
}

// OnPacket implements PacketSink: it feeds the currently-open writer session, rotating at a
// keyframe boundary once the segment duration or size ceiling is reached. Rotation is checked
// before the write so the boundary keyframe becomes the first frame of the new file, never the
// last frame of the old one — inter frames that follow decode against it.
func (c *Controller) OnPacket(p Packet) {
	c.mu.Lock()
	recording := c.state == ControllerRecording || c.state == ControllerPostRoll || c.state == ControllerBuffering
	c.mu.Unlock()
	if !recording {
		return
	}
	if c.writer.ShouldRotate(p) {
		ctx := context.Background()
		if _, err := c.writer.Close(ctx); err != nil {
			c.logger.Warn("rotate: close failed", "error", err)
		}
		c.mu.Lock()
		trigger := c.currentTrigger
		c.mu.Unlock()
		if _, err := c.writer.Open(ctx, trigger, nil, c.width, c.height, c.fps); err != nil {
			c.logger.Error("rotate: reopen failed", "error", err)
			return
		}
	}
	if err := c.writer.WritePacket(p); err != nil {
		c.logger.Warn("write packet failed", "error", err)
	}
}

// activeTrigger reports the highest-priority currently-active trigger condition, if any.
func (c *Controller) activeTrigger(now time.Time) (TriggerType, bool) {
	best := TriggerType("")
	found := false
	consider := func(t TriggerType, active bool) {
		if !active {
			return
		}
		if !found || t.Outranks(best) {
			best = t
			found = true
		}
	}
	consider(TriggerManual, c.manualActive)
	consider(TriggerDetection, now.Before(c.detectionUntil))
	consider(TriggerMotion, now.Before(c.motionUntil))
	consider(TriggerScheduled, c.continuousEnabled || Active(c.schedule, now))
	return best, found
}

// reconcile applies the overlap/upgrade and post-roll-expiry rules against the current set of
// active trigger conditions. It is the single entry point every trigger source and the
// heartbeat Tick funnel through.
func (c *Controller) reconcile(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	trigger, active := c.activeTrigger(now)
	state := c.state
	c.mu.Unlock()

	switch state {
	case ControllerOff:
		return nil

	case ControllerArmed:
		if !active {
			return nil
		}
		return c.start(ctx, trigger)

	case ControllerBuffering, ControllerRecording:
		c.mu.Lock()
		upgraded := active && trigger.Outranks(c.currentTrigger)
		if upgraded {
			c.currentTrigger = trigger
		}
		c.mu.Unlock()
		if upgraded {
			if err := c.writer.UpgradeTrigger(ctx, trigger); err != nil {
				c.logger.Warn("trigger upgrade persist failed", "error", err)
			}
		}
		if !active {
			c.mu.Lock()
			c.state = ControllerPostRoll
			c.postRollDeadline = now.Add(c.postRoll)
			c.mu.Unlock()
		}
		return nil

	case ControllerPostRoll:
		if active {
			c.mu.Lock()
			upgraded := trigger.Outranks(c.currentTrigger)
			if upgraded {
				c.currentTrigger = trigger
			}
			c.state = ControllerRecording
			c.mu.Unlock()
			if upgraded {
				if err := c.writer.UpgradeTrigger(ctx, trigger); err != nil {
					c.logger.Warn("trigger upgrade persist failed", "error", err)
				}
			}
			return nil
		}
		c.mu.Lock()
		expired := !now.Before(c.postRollDeadline)
		c.mu.Unlock()
		if expired {
			return c.finalize(ctx)
		}
		return nil

	default:
		return nil
	}
}

// start opens a new session, splicing in the pre-event buffer, and transitions
// ARMED→BUFFERING→RECORDING.
func (c *Controller) start(ctx context.Context, trigger TriggerType) error {
	c.mu.Lock()
	c.state = ControllerBuffering
	c.mu.Unlock()

	var preRoll []Packet
	if c.ring != nil && c.preRoll > 0 {
		preRoll = c.ring.SnapshotFrom(time.Now().Add(-c.preRoll))
	}

	rec, err := c.writer.Open(ctx, trigger, preRoll, c.width, c.height, c.fps)
	if errors.Is(err, ErrNotDecodable) {
		// Buffered prepend does not start at a keyframe; fall back to starting the session at
		// the next live keyframe instead.
		rec, err = c.writer.Open(ctx, trigger, nil, c.width, c.height, c.fps)
	}
	if err != nil {
		c.mu.Lock()
		c.state = ControllerArmed
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.currentTrigger = trigger
	c.state = ControllerRecording
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Publish("nvr.recording.started", map[string]any{
			"stream_name": c.streamName, "recording_id": rec.ID, "trigger": string(trigger),
		})
	}
	return nil
}

// finalize closes the writer session and returns to ARMED.
func (c *Controller) finalize(ctx context.Context) error {
	c.mu.Lock()
	c.state = ControllerFinalizing
	c.mu.Unlock()

	rec, err := c.writer.Close(ctx)

	c.mu.Lock()
	c.state = ControllerArmed
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if c.bus != nil && rec != nil {
		_ = c.bus.Publish("nvr.recording.finalized", map[string]any{
			"stream_name": c.streamName, "recording_id": rec.ID,
		})
	}
	return nil
}
