package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Demuxer is the source of classified packets a Stream Ingest Worker consumes. RTSPDemuxer is
// the production implementation; tests substitute a fake.
type Demuxer interface {
	Packets() <-chan Packet
	Errors() <-chan error
	Codec() string
	Close() error
}

// DialFunc opens a Demuxer for a stream's source URL. Factored out so tests can inject a fake
// demuxer without a live RTSP source.
type DialFunc func(url string, protocol string) (Demuxer, error)

// DialRTSP is the production DialFunc, backed by gortsplib (rtsp.go).
func DialRTSP(url string, protocol string) (Demuxer, error) {
	return NewRTSPDemuxer(url, protocol)
}

// PacketSink receives classified packets from the ingest worker — the Recording Controller (E)
// implements this to feed the currently-open writer session, if any.
type PacketSink interface {
	OnPacket(p Packet)
}

// IngestWorker runs one long-lived connection loop per stream, driving
// IDLE→CONNECTING→RUNNING→RECONNECTING→(RUNNING|STOPPING)→STOPPED. It feeds every packet to the
// stream's pre-event ring buffer and to a PacketSink (the recording controller).
type IngestWorker struct {
	streamName string
	sourceURL  string
	protocol   string
	segmentDur time.Duration
	dial       DialFunc

	ring   EventSink
	sink   PacketSink
	bus    EventPublisher
	paused func() bool

	mu            sync.RWMutex
	state         IngestState
	lastError     string
	lastErrorTime time.Time
	startedAt     time.Time
	connectedAt   time.Time

	consecutiveFailures atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	logger   *slog.Logger

	retry RetryPolicy
}

// EventSink is the subset of RingBuffer the ingest worker writes into (kept narrow so the
// controller, not the ring buffer itself, decides which concrete buffer backs a stream).
type EventSink interface {
	WritePacket(p Packet) error
}

// IngestWorkerConfig configures a new IngestWorker.
type IngestWorkerConfig struct {
	StreamName      string
	SourceURL       string
	Protocol        string
	SegmentDuration time.Duration
	Dial            DialFunc
	Ring            EventSink
	Sink            PacketSink
	Bus             EventPublisher
	// Paused, when non-nil, is consulted per packet: while true (storage EMERGENCY with no
	// eligible deletions), packets are dropped instead of buffered or forwarded. The connection
	// stays up so ingest resumes as soon as the storage controller lifts the pause.
	Paused func() bool
}

// NewIngestWorker creates an ingest worker for one stream. Ring and Sink may be swapped later
// via SetRing/SetSink as the Recording Controller rearms between sessions.
func NewIngestWorker(cfg IngestWorkerConfig) *IngestWorker {
	dial := cfg.Dial
	if dial == nil {
		dial = DialRTSP
	}
	return &IngestWorker{
		streamName: cfg.StreamName,
		sourceURL:  cfg.SourceURL,
		protocol:   cfg.Protocol,
		segmentDur: cfg.SegmentDuration,
		dial:       dial,
		ring:       cfg.Ring,
		sink:       cfg.Sink,
		bus:        cfg.Bus,
		paused:     cfg.Paused,
		state:      IngestIdle,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "ingest", "stream", cfg.StreamName),
		retry:      DefaultRetryPolicy(),
	}
}

// SetRing swaps the ring buffer the worker writes into (the controller rebuilds it per
// BufferStrategy on (re)arm).
func (w *IngestWorker) SetRing(r EventSink) {
	w.mu.Lock()
	w.ring = r
	w.mu.Unlock()
}

// State returns the worker's current state.
func (w *IngestWorker) State() IngestState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *IngestWorker) setState(s IngestState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// idleReadTimeout is 2x max(segment_duration, 10s): the window of silence from the source after
// which a RUNNING connection is considered dead and torn down for reconnect.
func (w *IngestWorker) idleReadTimeout() time.Duration {
	base := w.segmentDur
	if base < 10*time.Second {
		base = 10 * time.Second
	}
	return 2 * base
}

// Run drives the worker's state machine until ctx is canceled or Stop is called. It never
// returns an error: connectivity failures are absorbed into RECONNECTING transitions rather than
// propagated to the caller.
func (w *IngestWorker) Run(ctx context.Context) {
	defer close(w.doneCh)

	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.setState(IngestConnecting)

	for {
		select {
		case <-ctx.Done():
			w.transitionStopped()
			return
		case <-w.stopCh:
			w.transitionStopped()
			return
		default:
		}

		if err := w.runOneConnection(ctx); err != nil {
			n := int(w.consecutiveFailures.Add(1))
			w.setError(err)
			w.setState(IngestReconnecting)
			if n == circuitBreakerThreshold {
				w.logger.Error("stream failing repeatedly, continuing at backoff cap",
					"consecutive_failures", n)
				if w.bus != nil {
					_ = w.bus.Publish("nvr.stream.error", map[string]any{"stream": w.streamName, "error": err.Error()})
				}
			}
			limiter := w.retry.Limiter(n - 1)
			reservation := limiter.ReserveN(time.Now(), 1)
			select {
			case <-ctx.Done():
				reservation.Cancel()
				w.transitionStopped()
				return
			case <-w.stopCh:
				reservation.Cancel()
				w.transitionStopped()
				return
			case <-time.After(reservation.Delay()):
			}
			continue
		}

		// runOneConnection returned nil only via a clean stop request.
		w.transitionStopped()
		return
	}
}

func (w *IngestWorker) transitionStopped() {
	w.setState(IngestStopping)
	w.setState(IngestStopped)
}

// runOneConnection dials the source, reads until a read-idle timeout/demuxer error, or until
// shutdown is requested. Returns nil only on a clean shutdown; any connectivity problem is
// returned as an error so the caller can apply backoff and retry.
func (w *IngestWorker) runOneConnection(ctx context.Context) error {
	demux, err := w.dial(w.sourceURL, w.protocol)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer demux.Close()

	idleTimeout := w.idleReadTimeout()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	first := true

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case err := <-demux.Errors():
			return fmt.Errorf("demux: %w", err)
		case <-idle.C:
			return errors.New("no packet received within idle timeout")
		case p, ok := <-demux.Packets():
			if !ok {
				return errors.New("demuxer closed unexpectedly")
			}
			if first {
				first = false
				w.consecutiveFailures.Store(0)
				w.setState(IngestRunning)
				w.mu.Lock()
				w.connectedAt = time.Now()
				w.mu.Unlock()
				if w.bus != nil {
					_ = w.bus.Publish("nvr.stream.connected", map[string]any{"stream": w.streamName})
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

			if w.paused != nil && w.paused() {
				continue
			}

			w.mu.RLock()
			ring, sink := w.ring, w.sink
			w.mu.RUnlock()
			if ring != nil {
				_ = ring.WritePacket(p)
			}
			if sink != nil {
				sink.OnPacket(p)
			}
		}
	}
}

// Stop requests the worker to finish its current packet and transition to STOPPED. It blocks
// until the worker's Run goroutine has exited. Safe to call more than once (the manager's direct
// stop path and the shutdown coordinator may both reach it).
func (w *IngestWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *IngestWorker) setError(err error) {
	w.mu.Lock()
	w.lastError = err.Error()
	w.lastErrorTime = time.Now()
	w.mu.Unlock()
	w.logger.Warn("ingest connection failed", "error", err)
}

// Status reports the worker's runtime state for the command API's GET /health surface.
func (w *IngestWorker) Status() (state IngestState, lastErr string, lastErrTime time.Time, uptime time.Duration) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	up := time.Duration(0)
	if !w.startedAt.IsZero() {
		up = time.Since(w.startedAt)
	}
	return w.state, w.lastError, w.lastErrorTime, up
}
