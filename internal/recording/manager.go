package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keepframe/corenvr/internal/config"
	"github.com/keepframe/corenvr/internal/core"
)

// Manager orchestrates every per-stream worker set — the Stream Ingest Worker (C), the
// Recording Controller (E), the Segment Writer (D), the Pre-Event Ring Buffer (B) and,
// optionally, the HLS Publisher (F) — plus the process-wide Storage Controller (G). It is the
// concrete RecordingService backing the command API (K).
type Manager struct {
	repo        Repository
	handler     SegmentHandler
	bus         EventPublisher
	storage     *StorageController
	shutdown    *core.ShutdownCoordinator
	storagePath string
	hlsRoot     string
	dial        DialFunc
	logger      *slog.Logger

	mu      sync.RWMutex
	streams map[string]*streamWorkers
	running bool
}

// streamWorkers bundles one stream's worker set and its own cancellation scope.
type streamWorkers struct {
	stream     Stream
	ingest     *IngestWorker
	controller *Controller
	writer     *SegmentWriter
	ring       RingBuffer
	hls        *HLSPublisher
	cancel     context.CancelFunc

	dedupMu  sync.Mutex
	dedupSig string
	dedupAt  time.Time
}

// ManagerConfig configures a new Manager.
type ManagerConfig struct {
	Repository  Repository
	Handler     SegmentHandler
	Bus         EventPublisher
	Storage     *StorageController
	Shutdown    *core.ShutdownCoordinator
	StoragePath string
	HLSRoot     string
	Dial        DialFunc // nil uses DialRTSP
}

// NewManager creates a Manager. Start loads and arms every enabled stream from the repository.
func NewManager(cfg ManagerConfig) *Manager {
	dial := cfg.Dial
	if dial == nil {
		dial = DialRTSP
	}
	return &Manager{
		repo:        cfg.Repository,
		handler:     cfg.Handler,
		bus:         cfg.Bus,
		storage:     cfg.Storage,
		shutdown:    cfg.Shutdown,
		storagePath: cfg.StoragePath,
		hlsRoot:     cfg.HLSRoot,
		dial:        dial,
		logger:      slog.Default().With("component", "manager"),
		streams:     make(map[string]*streamWorkers),
	}
}

// Start recovers any crashed-open recordings, then starts a worker set for every enabled stream.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RecoverIncomplete(ctx); err != nil {
		m.logger.Error("crash recovery failed", "error", err)
	}

	streams, err := m.repo.ListStreams(ctx, true)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	for _, s := range streams {
		if err := m.startStreamLocked(ctx, s); err != nil {
			m.logger.Error("start stream failed", "stream", s.Name, "error", err)
		}
	}
	if m.storage != nil {
		if err := m.storage.Start(ctx); err != nil {
			return fmt.Errorf("start storage controller: %w", err)
		}
		if m.shutdown != nil {
			m.shutdown.Register(&core.Worker{Name: "storage-controller", Kind: core.KindStore, Stop: m.storage.Stop})
		}
	}
	return nil
}

// Stop tears down every stream's workers. Prefer driving shutdown via the registered
// ShutdownCoordinator so phased ordering (ingest→controller→writer→publisher→store) applies;
// Stop is the direct call used by tests and by non-coordinated callers.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.StopStream(ctx, name); err != nil {
			m.logger.Warn("stop stream failed", "stream", name, "error", err)
		}
	}
	if m.storage != nil {
		return m.storage.Stop(ctx)
	}
	return nil
}

// RecoverIncomplete implements the §4.D crash-recovery sweep: every recording left
// is_complete=false from a prior process is remuxed best-effort, finalized with its actual file
// size, or deleted if the file is empty.
func (m *Manager) RecoverIncomplete(ctx context.Context) error {
	rows, err := m.repo.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete: %w", err)
	}
	for _, r := range rows {
		r := r
		if err := m.recoverOne(ctx, &r); err != nil {
			m.logger.Error("recover recording failed", "recording_id", r.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, r *Recording) error {
	meta, err := m.handler.ExtractMetadata(r.FilePath)
	if err != nil || meta.FileSize == 0 {
		m.logger.Warn("crash recovery: deleting zero-size or unreadable recording", "recording_id", r.ID, "path", r.FilePath)
		_ = m.handler.Delete(r)
		return m.repo.DeleteRecording(ctx, r.ID)
	}

	if err := m.handler.ValidateSegment(r.FilePath); err != nil {
		// Best-effort remux: a crashed writer can leave an unterminated fragment chain that a
		// stream-copy pass repairs. If the remux fails too, the row is finalized as corrupt.
		remuxed := r.FilePath + ".recovered.mp4"
		if merr := m.handler.MergeSegments([]string{r.FilePath}, remuxed); merr == nil {
			if rerr := os.Rename(remuxed, r.FilePath); rerr == nil {
				if remeta, merr := m.handler.ExtractMetadata(r.FilePath); merr == nil {
					meta = remeta
				}
			} else {
				_ = os.Remove(remuxed)
				r.Corrupt = true
			}
		} else {
			m.logger.Warn("crash recovery: remux failed, marking corrupt", "recording_id", r.ID, "error", merr)
			r.Corrupt = true
		}
	}

	end := meta.EndTime
	if end.IsZero() {
		end = r.StartTime.Add(time.Duration(meta.Duration * float64(time.Second)))
	}
	r.EndTime = &end
	r.SizeBytes = meta.FileSize
	r.IsComplete = true
	return m.repo.UpdateRecording(ctx, r)
}

// CreateStream validates and upserts a new stream, then — if running and enabled — starts it.
func (m *Manager) CreateStream(ctx context.Context, s Stream) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.repo.UpsertStream(ctx, &s); err != nil {
		return err
	}
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if running && s.Enabled {
		return m.StartStream(ctx, s.Name)
	}
	return nil
}

// UpdateStream validates and upserts an existing stream's configuration, restarting its workers
// if already running so the new configuration takes effect.
func (m *Manager) UpdateStream(ctx context.Context, s Stream) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.repo.UpsertStream(ctx, &s); err != nil {
		return err
	}
	m.mu.RLock()
	_, active := m.streams[s.Name]
	m.mu.RUnlock()
	if active {
		return m.RestartStream(ctx, s.Name)
	}
	if s.Enabled {
		return m.StartStream(ctx, s.Name)
	}
	return nil
}

// DeleteStream implements DELETE /streams/{name}?permanent=. permanent cascades to recordings,
// zones and detections via FK; otherwise the stream is only soft-disabled.
func (m *Manager) DeleteStream(ctx context.Context, name string, permanent bool) error {
	_ = m.StopStream(ctx, name)
	return m.repo.DeleteStream(ctx, name, permanent)
}

// StartStream implements RecordingService.StartStream.
func (m *Manager) StartStream(ctx context.Context, streamName string) error {
	s, err := m.repo.GetStream(ctx, streamName)
	if err != nil {
		return err
	}
	return m.startStreamLocked(ctx, *s)
}

func (m *Manager) startStreamLocked(ctx context.Context, s Stream) error {
	m.mu.Lock()
	if _, exists := m.streams[s.Name]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	byteCap := int64(64 * 1024 * 1024)
	ring, err := NewRingBuffer(s.BufferStrategy, false, s.PreDetectionBuffer, byteCap, filepath.Join(m.storagePath, s.Name, "ringbuffer.bin"))
	if err != nil {
		return fmt.Errorf("stream %s: ring buffer: %w", s.Name, err)
	}

	writer := NewSegmentWriter(SegmentWriterConfig{
		StreamName:      s.Name,
		Handler:         m.handler,
		Repository:      m.repo,
		Codec:           s.Codec,
		SegmentDuration: time.Duration(s.SegmentDurationSeconds) * time.Second,
	})

	schedule, err := ParseSchedule(s.Schedule)
	if err != nil {
		return fmt.Errorf("stream %s: schedule: %w", s.Name, err)
	}

	ctrl := NewController(ControllerConfig{
		StreamName:          s.Name,
		Repository:          m.repo,
		Writer:              writer,
		Ring:                ring,
		Bus:                 m.bus,
		Width:               s.Width,
		Height:              s.Height,
		FPS:                 s.FPS,
		PreDetectionBuffer:  time.Duration(s.PreDetectionBuffer) * time.Second,
		PostDetectionBuffer: time.Duration(s.PostDetectionBuffer) * time.Second,
		ContinuousEnabled:   s.Record && len(schedule) == 0,
		Schedule:            schedule,
	})
	ctrl.Arm()

	var paused func() bool
	if m.storage != nil {
		streamName := s.Name
		paused = func() bool { return m.storage.IsPaused(streamName) }
	}
	ingest := NewIngestWorker(IngestWorkerConfig{
		StreamName:      s.Name,
		SourceURL:       s.SourceURL,
		Protocol:        s.Protocol,
		SegmentDuration: time.Duration(s.SegmentDurationSeconds) * time.Second,
		Dial:            m.dial,
		Ring:            ring,
		Sink:            ctrl,
		Bus:             m.bus,
		Paused:          paused,
	})

	var hls *HLSPublisher
	if m.hlsRoot != "" {
		hls = NewHLSPublisher(HLSPublisherConfig{StreamName: s.Name, HLSRoot: m.hlsRoot, Codec: s.Codec})
	}

	sctx, cancel := context.WithCancel(ctx)
	sw := &streamWorkers{stream: s, ingest: ingest, controller: ctrl, writer: writer, ring: ring, hls: hls, cancel: cancel}

	m.mu.Lock()
	m.streams[s.Name] = sw
	m.mu.Unlock()

	go ingest.Run(sctx)
	tickStopCh := make(chan struct{})
	var tickStopOnce sync.Once
	stopTicks := func() { tickStopOnce.Do(func() { close(tickStopCh) }) }
	go m.tickLoop(sctx, ctrl, tickStopCh)

	if hls != nil {
		if err := hls.Clean(); err != nil {
			m.logger.Warn("hls cleanup failed", "stream", s.Name, "error", err)
		}
		if err := hls.Start(sctx, s.SourceURL, s.Protocol); err != nil {
			m.logger.Warn("hls publisher start failed", "stream", s.Name, "error", err)
		}
	}

	if m.shutdown != nil {
		m.shutdown.Register(&core.Worker{
			Name: s.Name + "-ingest", Kind: core.KindIngest,
			Stop: func(ctx context.Context) error { return ingest.Stop(ctx) },
		})
		m.shutdown.Register(&core.Worker{
			Name: s.Name + "-controller", Kind: core.KindController,
			Stop: func(ctx context.Context) error { stopTicks(); return nil },
		})
		m.shutdown.Register(&core.Worker{
			Name: s.Name + "-writer", Kind: core.KindWriter,
			Stop: func(ctx context.Context) error { return ctrl.Disarm(ctx) },
		})
		if hls != nil {
			m.shutdown.Register(&core.Worker{
				Name: s.Name + "-hls", Kind: core.KindPublisher,
				Stop: func(ctx context.Context) error { return hls.Stop(5 * time.Second) },
			})
		}
	}
	return nil
}

// tickLoop drives the controller's schedule/post-roll heartbeat (the "Tick" command of §5) once
// a second until stopCh closes or ctx is canceled.
func (m *Manager) tickLoop(ctx context.Context, ctrl *Controller, stopCh <-chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-t.C:
			_ = ctrl.Tick(ctx, now)
		}
	}
}

// StopStream implements RecordingService.StopStream: the ingest worker stops, the controller
// finalizes any open session, and the worker set is discarded.
func (m *Manager) StopStream(ctx context.Context, streamName string) error {
	m.mu.Lock()
	sw, ok := m.streams[streamName]
	if ok {
		delete(m.streams, streamName)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	if err := sw.ingest.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := sw.controller.Disarm(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if sw.hls != nil {
		if err := sw.hls.Stop(5 * time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := sw.ring.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	sw.cancel()
	return firstErr
}

// RestartStream stops then starts a stream's workers, re-reading its configuration.
func (m *Manager) RestartStream(ctx context.Context, streamName string) error {
	if err := m.StopStream(ctx, streamName); err != nil {
		return err
	}
	return m.StartStream(ctx, streamName)
}

// StartManualRecording implements POST /streams/{name}/record/start (trigger=manual).
func (m *Manager) StartManualRecording(ctx context.Context, streamName string) error {
	sw, err := m.lookup(streamName)
	if err != nil {
		return err
	}
	return sw.controller.StartManual(ctx)
}

// StopManualRecording implements POST /streams/{name}/record/stop.
func (m *Manager) StopManualRecording(ctx context.Context, streamName string) error {
	sw, err := m.lookup(streamName)
	if err != nil {
		return err
	}
	return sw.controller.StopManual(ctx)
}

// IngestDetection implements POST /detections: it applies the stream's confidence threshold and
// object filter (§6), deduplicates a repeat of the same stream+ts+label+bbox within one second,
// and — if the detection passes — feeds a detection trigger into the controller.
func (m *Manager) IngestDetection(ctx context.Context, d Detection) (string, error) {
	sw, err := m.lookup(d.StreamName)
	if err != nil {
		return "", err
	}
	if sw.stream.DetectionModel == "" {
		return "", nil
	}
	if d.Confidence < sw.stream.DetectionThreshold {
		return "", nil
	}
	if !ObjectFilterAllows(sw.stream.ObjectFilter, d.Label) {
		return "", nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	// Re-ingesting the same stream+label+bbox within one second (a detector retry) is
	// deduplicated to a single row rather than inserted twice.
	sig := fmt.Sprintf("%s|%s|%.4f|%.4f|%.4f|%.4f", d.StreamName, d.Label, d.BBoxX, d.BBoxY, d.BBoxW, d.BBoxH)
	sw.dedupMu.Lock()
	if sw.dedupSig == sig && d.Timestamp.Sub(sw.dedupAt) < time.Second && !sw.dedupAt.IsZero() {
		sw.dedupMu.Unlock()
		rec := sw.writer.CurrentRecording()
		if rec != nil {
			return rec.ID, nil
		}
		return "", nil
	}
	sw.dedupSig = sig
	sw.dedupAt = d.Timestamp
	sw.dedupMu.Unlock()

	return sw.controller.IngestDetection(ctx, d)
}

// TriggerMotion feeds an ONVIF motion event into a stream's controller.
func (m *Manager) TriggerMotion(ctx context.Context, streamName string) error {
	sw, err := m.lookup(streamName)
	if err != nil {
		return err
	}
	return sw.controller.TriggerMotion(ctx)
}

func (m *Manager) lookup(streamName string) (*streamWorkers, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sw, ok := m.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("%w: stream %q is not running", ErrValidation, streamName)
	}
	return sw, nil
}

// GetRecording, ListRecordings and DeleteRecording delegate straight to the repository/handler.
func (m *Manager) GetRecording(ctx context.Context, id string) (*Recording, error) {
	return m.repo.GetRecording(ctx, id)
}

func (m *Manager) ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, int, error) {
	return m.repo.ListRecordings(ctx, opts)
}

func (m *Manager) DeleteRecording(ctx context.Context, id string) error {
	r, err := m.repo.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if err := m.handler.Delete(r); err != nil {
		m.logger.Warn("delete recording file failed", "recording_id", id, "error", err)
	}
	return m.repo.DeleteRecording(ctx, id)
}

// GetTimeline implements GET /recordings timeline views via component A's TimelineBuilder.
func (m *Manager) GetTimeline(ctx context.Context, streamName string, start, end time.Time) (*Timeline, error) {
	return NewTimelineBuilder(m.repo).BuildTimeline(ctx, streamName, start, end)
}

// GetRecorderStatus reports one stream's ingest/controller state for GET /health.
func (m *Manager) GetRecorderStatus(streamName string) (*RecorderStatus, error) {
	sw, err := m.lookup(streamName)
	if err != nil {
		return nil, err
	}
	return statusOf(sw), nil
}

// GetAllRecorderStatus reports every running stream's status.
func (m *Manager) GetAllRecorderStatus() map[string]*RecorderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*RecorderStatus, len(m.streams))
	for name, sw := range m.streams {
		out[name] = statusOf(sw)
	}
	return out
}

func statusOf(sw *streamWorkers) *RecorderStatus {
	state, lastErr, lastErrTime, uptime := sw.ingest.Status()
	status := &RecorderStatus{
		StreamName:      sw.stream.Name,
		IngestState:     state,
		ControllerState: sw.controller.State(),
		Uptime:          uptime.Seconds(),
		LastError:       lastErr,
	}
	if !lastErrTime.IsZero() {
		status.LastErrorTime = &lastErrTime
	}
	if rec := sw.writer.CurrentRecording(); rec != nil {
		status.CurrentRecording = rec.ID
		status.RecordingStart = &rec.StartTime
	}
	return status
}

// GetStorageStats delegates to the Storage Controller (G).
func (m *Manager) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if m.storage == nil {
		return &StorageStats{}, nil
	}
	return m.storage.GetStorageStats(ctx)
}

// RunRetention triggers an on-demand cleanup sweep (`trigger_storage_cleanup`).
func (m *Manager) RunRetention(ctx context.Context, forceAggressive bool) (*RetentionStats, error) {
	if m.storage == nil {
		return &RetentionStats{}, nil
	}
	return m.storage.TriggerCleanup(ctx, forceAggressive)
}

// ImportCameras upserts every enabled camera from the YAML config layer (J) as a Stream row,
// the "config import" creation path of §3. Existing rows with the same name are left alone so
// API-driven edits are not clobbered by a reload.
func ImportCameras(ctx context.Context, repo Repository, cfgs []config.CameraConfig) error {
	for _, cam := range cfgs {
		if existing, err := repo.GetStream(ctx, cam.ID); err == nil && existing != nil {
			continue
		}
		s := streamFromCamera(cam)
		if err := s.Validate(); err != nil {
			return fmt.Errorf("import camera %q: %w", cam.ID, err)
		}
		if err := repo.UpsertStream(ctx, &s); err != nil {
			return fmt.Errorf("import camera %q: %w", cam.ID, err)
		}
	}
	return nil
}

func streamFromCamera(cam config.CameraConfig) Stream {
	segDur := cam.Recording.SegmentDuration
	if segDur == 0 {
		segDur = 60
	}
	protocol := cam.Stream.Protocol
	if protocol != "tcp" && protocol != "udp" {
		protocol = "tcp"
	}
	var objectFilter string
	if len(cam.Detection.Zones) > 0 {
		objectFilter = joinCSV(cam.Detection.Zones[0].Objects)
	}
	return Stream{
		Name:                   cam.ID,
		SourceURL:              cam.Stream.URL,
		Username:               cam.Stream.Username,
		Priority:               cam.Priority,
		Protocol:               protocol,
		Enabled:                cam.Enabled,
		Record:                 cam.Recording.Enabled,
		SegmentDurationSeconds: segDur,
		DetectionModel:         firstOr(cam.Detection.Models, ""),
		DetectionThreshold:     defaultThreshold(cam.Detection),
		DetectionInterval:      1,
		PreDetectionBuffer:     cam.Recording.PreBufferSeconds,
		PostDetectionBuffer:    cam.Recording.PostBufferSeconds,
		ObjectFilter:           objectFilter,
		RetentionDays:          defaultInt(cam.Recording.Retention.DefaultDays, 30),
		DetectionRetentionDays: defaultInt(cam.Recording.Retention.EventsDays, 30),
		MaxStorageMB:           cam.Recording.MaxStorageMB,
		CriticalMultiplier:     multiplierOr(cam.Recording.TierMultipliers.Critical, TierCritical.TierMultiplier()),
		ImportantMultiplier:    multiplierOr(cam.Recording.TierMultipliers.Important, TierImportant.TierMultiplier()),
		EphemeralMultiplier:    multiplierOr(cam.Recording.TierMultipliers.Ephemeral, TierEphemeral.TierMultiplier()),
		Tags:                   joinCSV(cam.Tags),
		Schedule:               cam.Recording.Schedule,
		BufferStrategy:         bufferStrategyOr(cam.Recording.BufferStrategy, BufferAuto),
		ONVIFEndpoint:          cam.ONVIF.Endpoint,
		Backchannel:            cam.Backchannel,
	}
}

func multiplierOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func bufferStrategyOr(v string, def BufferStrategy) BufferStrategy {
	if v == "" {
		return def
	}
	return BufferStrategy(v)
}

func firstOr(vals []string, def string) string {
	if len(vals) == 0 {
		return def
	}
	return vals[0]
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultThreshold(d config.DetectionConfig) float64 {
	return 0.5
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
