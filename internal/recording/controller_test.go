package recording

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeWriter implements sessionWriter, recording call order so tests can assert the rotation
// and overlap behavior without spawning an FFmpeg subprocess.
type fakeWriter struct {
	mu       sync.Mutex
	calls    []string
	opens    []TriggerType
	preRolls [][]Packet
	closes   int
	writes   []Packet
	upgrades []TriggerType
	labels   []string
	rotate   bool
	current  *Recording
	nextID   int
}

func (f *fakeWriter) Open(_ context.Context, trigger TriggerType, preRoll []Packet, _, _ int, _ float64) (*Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(preRoll) > 0 && preRoll[0].Flags&FlagKeyframe == 0 {
		return nil, ErrNotDecodable
	}
	f.nextID++
	f.current = &Recording{ID: fmt.Sprintf("rec_%d", f.nextID), TriggerType: trigger}
	f.calls = append(f.calls, "open")
	f.opens = append(f.opens, trigger)
	f.preRolls = append(f.preRolls, preRoll)
	return f.current, nil
}

func (f *fakeWriter) Close(context.Context) (*Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.current
	f.current = nil
	f.closes++
	f.calls = append(f.calls, "close")
	return rec, nil
}

func (f *fakeWriter) WritePacket(p Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, p)
	f.calls = append(f.calls, "write")
	return nil
}

func (f *fakeWriter) ShouldRotate(p Packet) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotate && f.current != nil && p.Flags&FlagKeyframe != 0
}

func (f *fakeWriter) UpgradeTrigger(_ context.Context, t TriggerType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && t.Outranks(f.current.TriggerType) {
		f.current.TriggerType = t
		f.upgrades = append(f.upgrades, t)
	}
	return nil
}

func (f *fakeWriter) NoteLabel(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
}

func (f *fakeWriter) CurrentRecording() *Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	r := *f.current
	return &r
}

func (f *fakeWriter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// staticRing serves a fixed snapshot, letting tests hand the controller a prepend sequence that
// does (or does not) start at a keyframe.
type staticRing struct{ packets []Packet }

func (r staticRing) WritePacket(Packet) error          { return nil }
func (r staticRing) SnapshotFrom(time.Time) []Packet   { return r.packets }
func (r staticRing) Duration() time.Duration           { return 0 }
func (r staticRing) Size() int64                       { return 0 }
func (r staticRing) Clear()                            {}
func (r staticRing) Close() error                      { return nil }

func newTestController(w sessionWriter, ring RingBuffer, repo Repository, continuous bool, postRoll time.Duration) *Controller {
	return NewController(ControllerConfig{
		StreamName:          "cam_1",
		Repository:          repo,
		Writer:              w,
		Ring:                ring,
		Width:               1920,
		Height:              1080,
		FPS:                 15,
		PreDetectionBuffer:  5 * time.Second,
		PostDetectionBuffer: postRoll,
		ContinuousEnabled:   continuous,
	})
}

func TestController_ArmFromOff(t *testing.T) {
	c := newTestController(&fakeWriter{}, NoopRingBuffer{}, nil, false, time.Second)

	if c.State() != ControllerOff {
		t.Fatalf("initial state = %s, want OFF", c.State())
	}
	c.Arm()
	if c.State() != ControllerArmed {
		t.Fatalf("state after Arm = %s, want ARMED", c.State())
	}
	// Arm is a no-op when not OFF.
	c.Arm()
	if c.State() != ControllerArmed {
		t.Fatalf("second Arm changed state to %s", c.State())
	}
}

func TestController_ManualStartOpensSession(t *testing.T) {
	w := &fakeWriter{}
	base := time.Now()
	ring := staticRing{packets: []Packet{kfPacket(base, 10), interPacket(base.Add(time.Second), 10)}}
	c := newTestController(w, ring, nil, false, time.Second)
	c.Arm()

	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Fatalf("state = %s, want RECORDING", c.State())
	}
	if len(w.opens) != 1 || w.opens[0] != TriggerManual {
		t.Fatalf("opens = %v, want one manual open", w.opens)
	}
	if len(w.preRolls[0]) != 2 || !w.preRolls[0][0].isKeyframe() {
		t.Errorf("expected the ring snapshot spliced as pre-roll, got %d packets", len(w.preRolls[0]))
	}
}

func TestController_ManualStartWhileOffIsIgnored(t *testing.T) {
	w := &fakeWriter{}
	c := newTestController(w, NoopRingBuffer{}, nil, false, time.Second)

	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if c.State() != ControllerOff {
		t.Fatalf("state = %s, want OFF (trigger before Arm must not open a file)", c.State())
	}
	if len(w.opens) != 0 {
		t.Errorf("opens = %v, want none", w.opens)
	}
}

func TestController_NotDecodablePreRollFallsBackToLive(t *testing.T) {
	w := &fakeWriter{}
	// Snapshot that does not start at a keyframe: the writer refuses it, and the controller
	// retries with no prepend.
	ring := staticRing{packets: []Packet{interPacket(time.Now(), 10)}}
	c := newTestController(w, ring, nil, false, time.Second)
	c.Arm()

	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Fatalf("state = %s, want RECORDING after fallback", c.State())
	}
	if len(w.preRolls) != 1 || w.preRolls[0] != nil {
		t.Fatalf("expected exactly one successful open with nil pre-roll, got %d opens", len(w.preRolls))
	}
}

func TestController_OverlapUpgradesWithoutSecondFile(t *testing.T) {
	w := &fakeWriter{}
	c := newTestController(w, NoopRingBuffer{}, nil, true, time.Second)
	c.Arm()

	// Continuous flag makes the scheduled trigger active on the first tick.
	if err := c.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Fatalf("state = %s, want RECORDING", c.State())
	}
	if len(w.opens) != 1 || w.opens[0] != TriggerScheduled {
		t.Fatalf("opens = %v, want one scheduled open", w.opens)
	}

	// A manual trigger mid-session upgrades the row, never opens a second file.
	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if len(w.opens) != 1 {
		t.Fatalf("overlap opened a second file: opens = %v", w.opens)
	}
	if len(w.upgrades) != 1 || w.upgrades[0] != TriggerManual {
		t.Fatalf("upgrades = %v, want [manual]", w.upgrades)
	}
	if rec := w.CurrentRecording(); rec == nil || rec.TriggerType != TriggerManual {
		t.Errorf("open row trigger = %+v, want manual", rec)
	}

	// A lower-priority pulse never downgrades.
	if err := c.TriggerMotion(context.Background()); err != nil {
		t.Fatalf("TriggerMotion: %v", err)
	}
	if rec := w.CurrentRecording(); rec.TriggerType != TriggerManual {
		t.Errorf("trigger downgraded to %s", rec.TriggerType)
	}

	// Ending the manual hold keeps the session running on the still-active scheduled trigger.
	if err := c.StopManual(context.Background()); err != nil {
		t.Fatalf("StopManual: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Errorf("state = %s, want RECORDING while schedule still active", c.State())
	}
	if w.closes != 0 {
		t.Errorf("closes = %d, want 0", w.closes)
	}
}

func TestController_PostRollExpiryFinalizes(t *testing.T) {
	w := &fakeWriter{}
	postRoll := 10 * time.Second
	c := newTestController(w, NoopRingBuffer{}, nil, false, postRoll)
	c.Arm()

	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if err := c.StopManual(context.Background()); err != nil {
		t.Fatalf("StopManual: %v", err)
	}
	if c.State() != ControllerPostRoll {
		t.Fatalf("state = %s, want POST_ROLL", c.State())
	}

	// Still inside the post-roll window: nothing closes.
	if err := c.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if w.closes != 0 {
		t.Fatalf("closed during post-roll window")
	}

	// A fresh trigger during POST_ROLL returns to RECORDING on the same file.
	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Fatalf("state = %s, want RECORDING after re-trigger", c.State())
	}
	if len(w.opens) != 1 {
		t.Fatalf("re-trigger opened a second file: opens = %v", w.opens)
	}

	// Drop the trigger again and tick past the deadline: the session finalizes back to ARMED.
	if err := c.StopManual(context.Background()); err != nil {
		t.Fatalf("StopManual: %v", err)
	}
	if err := c.Tick(context.Background(), time.Now().Add(postRoll+time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if c.State() != ControllerArmed {
		t.Fatalf("state = %s, want ARMED after post-roll expiry", c.State())
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}
}

func TestController_RotationKeyframeStartsNewFile(t *testing.T) {
	w := &fakeWriter{}
	c := newTestController(w, NoopRingBuffer{}, nil, false, time.Second)
	c.Arm()
	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}

	// Inter frames before the boundary land in the open file.
	base := time.Now()
	c.OnPacket(interPacket(base, 10))

	// Once the ceiling is crossed, the next keyframe rotates: close, reopen, then write — the
	// boundary keyframe is frame 1 of the new file, never the tail of the old one.
	w.mu.Lock()
	w.rotate = true
	w.mu.Unlock()
	c.OnPacket(kfPacket(base.Add(time.Second), 10))

	want := []string{"open", "write", "close", "open", "write"}
	got := w.callLog()
	if len(got) != len(want) {
		t.Fatalf("call log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call log = %v, want %v", got, want)
		}
	}
	if len(w.opens) != 2 || w.opens[1] != TriggerManual {
		t.Errorf("rotation reopen trigger = %v, want manual carried over", w.opens)
	}
	if !w.writes[len(w.writes)-1].isKeyframe() {
		t.Errorf("last written packet is not the boundary keyframe")
	}
}

func TestController_IngestDetectionLinksRecording(t *testing.T) {
	repo := setupTestRepo(t)
	w := &fakeWriter{}
	c := newTestController(w, NoopRingBuffer{}, repo, false, time.Second)
	c.Arm()

	// The detection row's recording_id FK must resolve; the fake writer's first session is
	// deterministically rec_1, so seed the matching row.
	seed := newTestRecording("cam_1", time.Now())
	seed.ID = "rec_1"
	if err := repo.CreateRecording(context.Background(), seed); err != nil {
		t.Fatalf("seed recording: %v", err)
	}

	d := Detection{StreamName: "cam_1", Label: "person", Confidence: 0.9, Timestamp: time.Now()}
	recordingID, err := c.IngestDetection(context.Background(), d)
	if err != nil {
		t.Fatalf("IngestDetection: %v", err)
	}
	if c.State() != ControllerRecording {
		t.Fatalf("state = %s, want RECORDING", c.State())
	}
	if len(w.opens) != 1 || w.opens[0] != TriggerDetection {
		t.Fatalf("opens = %v, want one detection open", w.opens)
	}
	if recordingID == "" || recordingID != w.CurrentRecording().ID {
		t.Errorf("recordingID = %q, want the open session's ID", recordingID)
	}
	if len(w.labels) != 1 || w.labels[0] != "person" {
		t.Errorf("labels = %v, want [person]", w.labels)
	}
}

func TestController_DisarmFinalizesOpenSession(t *testing.T) {
	w := &fakeWriter{}
	c := newTestController(w, NoopRingBuffer{}, nil, false, time.Second)
	c.Arm()
	if err := c.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual: %v", err)
	}

	if err := c.Disarm(context.Background()); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if c.State() != ControllerOff {
		t.Fatalf("state = %s, want OFF", c.State())
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}

	// Packets after disarm are dropped, not written.
	c.OnPacket(kfPacket(time.Now(), 10))
	if len(w.writes) != 0 {
		t.Errorf("writes after Disarm = %d, want 0", len(w.writes))
	}
}
