package recording

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/keepframe/corenvr/internal/config"
	"github.com/keepframe/corenvr/internal/core"
)

// deleteBatchSize bounds every retention delete transaction to keep the write lock short.
const deleteBatchSize = 200

// cleanupIntervalBase is the default period of G's cleanup tier (15 min).
const cleanupIntervalBase = 15 * time.Minute

// heartbeatInterval is the period of G's heartbeat tier.
const heartbeatInterval = 60 * time.Second

// deepInterval is the period of G's deep analytics tier.
const deepInterval = 6 * time.Hour

const (
	detectionRetentionDefaultDays = 30
	eventRetentionDays            = 90
	dailyStatRetentionDays        = 365
	fragmentationVacuumThreshold  = 0.25
)

// StorageController implements the Storage Controller (component G): a tiered wake loop that
// samples disk pressure, applies retention/eviction, and periodically rolls up storage analytics.
type StorageController struct {
	mu            sync.RWMutex
	config        *config.Config
	repository    Repository
	segmentHandler SegmentHandler
	storagePath   string
	eventBus      EventPublisher

	running bool
	stopCh  chan struct{}
	logger  *slog.Logger

	sizeCacheMu  sync.RWMutex
	sizeCache    map[string]int64
	sizeCacheAt  time.Time
	sizeCacheTTL time.Duration

	pauseMu      sync.RWMutex
	pausedStreams map[string]bool
}

// EventPublisher is the subset of the Event Bus (component I) the Storage Controller needs.
type EventPublisher interface {
	Publish(subject string, payload any) error
}

// NewStorageController creates a new storage controller.
func NewStorageController(cfg *config.Config, repository Repository, segmentHandler SegmentHandler, storagePath string, bus EventPublisher) *StorageController {
	return &StorageController{
		config:         cfg,
		repository:     repository,
		segmentHandler: segmentHandler,
		storagePath:    storagePath,
		eventBus:       bus,
		stopCh:         make(chan struct{}),
		sizeCache:      make(map[string]int64),
		sizeCacheTTL:   60 * time.Second,
		pausedStreams:  make(map[string]bool),
		logger:         slog.Default().With("component", "retention"),
	}
}

// Start launches the tiered wake loop.
func (c *StorageController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go c.runHeartbeat(ctx)
	go c.runCleanup(ctx)
	go c.runDeep(ctx)
	return nil
}

// Stop halts the wake loop.
func (c *StorageController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	close(c.stopCh)
	c.running = false
	return nil
}

// IsPaused reports whether ingest for streamName has been paused due to EMERGENCY disk pressure
// with no eligible deletions remaining anywhere on the volume.
func (c *StorageController) IsPaused(streamName string) bool {
	c.pauseMu.RLock()
	defer c.pauseMu.RUnlock()
	return c.pausedStreams[streamName]
}

func (c *StorageController) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat samples the filesystem and publishes a health snapshot. Once pressure is back to
// NORMAL, any streams paused by an earlier EMERGENCY-with-no-candidates sweep resume ingest.
func (c *StorageController) heartbeat(ctx context.Context) {
	stats, err := c.GetStorageStats(ctx)
	if err != nil {
		c.logger.Error("heartbeat: failed to sample storage", "error", err)
		return
	}
	if c.eventBus != nil {
		_ = c.eventBus.Publish(core.SubjectStorageHealth, stats)
	}
	if stats.Pressure != PressureNormal {
		c.logger.Warn("disk pressure elevated", "pressure", stats.Pressure, "free_pct", stats.FreeFraction*100)
	} else {
		c.resumeAllStreams()
	}
}

// GetStorageStats samples the filesystem via unix.Statfs and assembles a StorageStats snapshot.
func (c *StorageController) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(c.storagePath, &fs); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", c.storagePath, err)
	}

	total := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bavail * uint64(fs.Bsize)
	used := total - free
	freeFrac := 0.0
	if total > 0 {
		freeFrac = float64(free) / float64(total)
	}

	byStream, err := c.repository.GetStorageByStream(ctx)
	if err != nil {
		return nil, err
	}
	byTier, err := c.repository.GetStorageByTier(ctx)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, n := range byStream {
		_ = n
		count++
	}

	return &StorageStats{
		TotalBytes:     int64(total),
		UsedBytes:      int64(used),
		AvailableBytes: int64(free),
		FreeFraction:   freeFrac,
		Pressure:       ClassifyPressure(freeFrac),
		RecordingCount: count,
		ByStream:       byStream,
		ByTier:         byTier,
	}, nil
}

func (c *StorageController) cleanupInterval(pressure DiskPressure) time.Duration {
	switch pressure {
	case PressureCritical:
		return cleanupIntervalBase / 8
	case PressureWarning:
		return cleanupIntervalBase / 2
	case PressureEmergency:
		return time.Second
	default:
		return cleanupIntervalBase
	}
}

func (c *StorageController) runCleanup(ctx context.Context) {
	interval := cleanupIntervalBase
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
			if _, err := c.RunRetention(ctx, false); err != nil {
				c.logger.Error("retention cleanup failed", "error", err)
			}
			stats, err := c.GetStorageStats(ctx)
			if err == nil {
				interval = c.cleanupInterval(stats.Pressure)
			}
			timer.Reset(interval)
		}
	}
}

// TriggerCleanup runs the cleanup tier on demand.
func (c *StorageController) TriggerCleanup(ctx context.Context, forceAggressive bool) (*RetentionStats, error) {
	return c.RunRetention(ctx, forceAggressive)
}

// RunRetention executes one cleanup-tier cycle: per-tier age eviction, per-stream quota
// enforcement, and cross-stream disk-pressure eviction.
func (c *StorageController) RunRetention(ctx context.Context, forceAggressive bool) (*RetentionStats, error) {
	stats := &RetentionStats{}

	streams, err := c.repository.ListStreams(ctx, false)
	if err != nil {
		return stats, fmt.Errorf("list streams: %w", err)
	}

	for _, s := range streams {
		if err := c.cleanupStream(ctx, s, stats); err != nil {
			c.logger.Error("stream cleanup failed", "stream", s.Name, "error", err)
		}
		if err := c.enforceQuota(ctx, s, stats); err != nil {
			c.logger.Error("quota enforcement failed", "stream", s.Name, "error", err)
		}
	}

	storageStats, err := c.GetStorageStats(ctx)
	if err == nil && storageStats.Pressure != PressureNormal {
		if err := c.relievePressure(ctx, storageStats.Pressure, forceAggressive, stats); err != nil {
			c.logger.Error("pressure relief failed", "error", err)
		}
	}

	if err := c.pruneDetectionsAndEvents(ctx, stats); err != nil {
		c.logger.Error("detection/event pruning failed", "error", err)
	}

	c.invalidateSizeCache()

	c.logger.Info("retention cleanup completed",
		"recordings_deleted", stats.RecordingsDeleted, "bytes_freed", stats.BytesFreed)
	return stats, nil
}

// tierRetentionDays computes a stream's effective retention window for a tier:
// base_retention_days x tier_multiplier.
func tierRetentionDays(s Stream, tier RetentionTier) float64 {
	multiplier := tier.TierMultiplier()
	switch tier {
	case TierCritical:
		if s.CriticalMultiplier > 0 {
			multiplier = s.CriticalMultiplier
		}
	case TierImportant:
		if s.ImportantMultiplier > 0 {
			multiplier = s.ImportantMultiplier
		}
	case TierEphemeral:
		if s.EphemeralMultiplier > 0 {
			multiplier = s.EphemeralMultiplier
		}
	}
	base := s.RetentionDays
	if base <= 0 {
		base = 30
	}
	return float64(base) * multiplier
}

// cleanupStream evicts aged-out, non-protected, complete recordings for one stream across tiers,
// then sweeps detection-linked recordings against the stream's detection retention window.
func (c *StorageController) cleanupStream(ctx context.Context, s Stream, stats *RetentionStats) error {
	for _, tier := range []RetentionTier{TierCritical, TierImportant, TierEphemeral} {
		days := tierRetentionDays(s, tier)
		cutoff := time.Now().Add(-time.Duration(days*24) * time.Hour)

		deleted, err := c.repository.DeleteRecordingsBefore(ctx, s.Name, tier, cutoff, deleteBatchSize)
		if err != nil {
			return fmt.Errorf("delete before %v for tier %d: %w", cutoff, tier, err)
		}
		for _, rec := range deleted {
			if err := c.segmentHandler.Delete(&rec); err != nil {
				c.logger.Warn("failed to delete recording file", "path", rec.FilePath, "error", err)
			}
			stats.RecordingsDeleted++
			stats.BytesFreed += rec.SizeBytes
		}
	}

	detDays := s.DetectionRetentionDays
	if detDays <= 0 {
		detDays = detectionRetentionDefaultDays
	}
	detCutoff := time.Now().AddDate(0, 0, -detDays)
	deleted, err := c.repository.DeleteDetectionLinkedBefore(ctx, s.Name, detCutoff, deleteBatchSize)
	if err != nil {
		return fmt.Errorf("delete detection-linked before %v: %w", detCutoff, err)
	}
	for _, rec := range deleted {
		if err := c.segmentHandler.Delete(&rec); err != nil {
			c.logger.Warn("failed to delete recording file", "path", rec.FilePath, "error", err)
		}
		stats.RecordingsDeleted++
		stats.BytesFreed += rec.SizeBytes
	}
	return nil
}

// enforceQuota deletes the oldest recordings of a stream until it is back under MaxStorageMB.
func (c *StorageController) enforceQuota(ctx context.Context, s Stream, stats *RetentionStats) error {
	if s.MaxStorageMB <= 0 {
		return nil
	}
	quotaBytes := s.MaxStorageMB * 1024 * 1024

	used, err := c.repository.GetTotalSize(ctx, s.Name)
	if err != nil {
		return err
	}
	for used > quotaBytes {
		oldest, err := c.repository.GetOldestRecordings(ctx, s.Name, deleteBatchSize)
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			break
		}
		freedThisBatch := int64(0)
		for _, rec := range oldest {
			if rec.Protected || used <= quotaBytes {
				continue
			}
			if err := c.segmentHandler.Delete(&rec); err != nil {
				c.logger.Warn("failed to delete recording file", "path", rec.FilePath, "error", err)
			}
			if err := c.repository.DeleteRecording(ctx, rec.ID); err != nil {
				c.logger.Warn("failed to delete recording row", "id", rec.ID, "error", err)
				continue
			}
			used -= rec.SizeBytes
			freedThisBatch += rec.SizeBytes
			stats.RecordingsDeleted++
			stats.BytesFreed += rec.SizeBytes
		}
		if freedThisBatch == 0 {
			break
		}
	}
	return nil
}

// relievePressure sweeps disk_pressure_eligible recordings across all streams, oldest first,
// until pressure returns to NORMAL or no eligible rows remain. Under EMERGENCY, protected rows
// are only included if emergencyOverride is set; otherwise a STORAGE_FULL event is raised.
func (c *StorageController) relievePressure(ctx context.Context, pressure DiskPressure, emergencyOverride bool, stats *RetentionStats) error {
	for i := 0; i < 50; i++ {
		current, err := c.GetStorageStats(ctx)
		if err != nil {
			return err
		}
		if current.Pressure == PressureNormal {
			return nil
		}

		candidates, err := c.repository.GetOldestEligibleForPressure(ctx, deleteBatchSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			if current.Pressure == PressureEmergency && !emergencyOverride {
				if c.eventBus != nil {
					_ = c.eventBus.Publish(core.SubjectStorageFull, current)
				}
				c.pauseAllStreams()
			}
			return nil
		}

		for _, rec := range candidates {
			if err := c.segmentHandler.Delete(&rec); err != nil {
				c.logger.Warn("failed to delete recording file", "path", rec.FilePath, "error", err)
			}
			if err := c.repository.DeleteRecording(ctx, rec.ID); err != nil {
				continue
			}
			stats.RecordingsDeleted++
			stats.BytesFreed += rec.SizeBytes
		}
	}
	return nil
}

func (c *StorageController) pauseAllStreams() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	streams, err := c.repository.ListStreams(context.Background(), true)
	if err != nil {
		return
	}
	for _, s := range streams {
		c.pausedStreams[s.Name] = true
	}
	c.logger.Warn("ingest paused for all streams: storage EMERGENCY with no eligible deletions",
		"streams", len(streams))
}

// resumeAllStreams clears the EMERGENCY pause once pressure returns to NORMAL.
func (c *StorageController) resumeAllStreams() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if len(c.pausedStreams) == 0 {
		return
	}
	c.logger.Info("disk pressure back to NORMAL, resuming paused ingest", "streams", len(c.pausedStreams))
	c.pausedStreams = make(map[string]bool)
}

// pruneDetectionsAndEvents ages out detection, event, and daily-stat rows past their own
// retention windows, independent of any recording's retention tier.
func (c *StorageController) pruneDetectionsAndEvents(ctx context.Context, stats *RetentionStats) error {
	detCutoff := time.Now().AddDate(0, 0, -detectionRetentionDefaultDays)
	if _, err := c.repository.DeleteDetectionsBefore(ctx, detCutoff, deleteBatchSize); err != nil {
		return fmt.Errorf("prune detections: %w", err)
	}

	evtCutoff := time.Now().AddDate(0, 0, -eventRetentionDays)
	if _, err := c.repository.DeleteEventsBefore(ctx, evtCutoff, deleteBatchSize); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}

	statCutoff := time.Now().AddDate(0, 0, -dailyStatRetentionDays)
	if _, err := c.repository.DeleteDailyStatsBefore(ctx, statCutoff); err != nil {
		return fmt.Errorf("prune daily stats: %w", err)
	}
	return nil
}

func (c *StorageController) invalidateSizeCache() {
	c.sizeCacheMu.Lock()
	defer c.sizeCacheMu.Unlock()
	c.sizeCache = make(map[string]int64)
	c.sizeCacheAt = time.Time{}
}

// StreamSize returns a stream's current recorded-bytes total, serving from the per-stream size
// cache (TTL-bound) to avoid a DB aggregate query on every API call.
func (c *StorageController) StreamSize(ctx context.Context, streamName string) (int64, error) {
	c.sizeCacheMu.RLock()
	fresh := time.Since(c.sizeCacheAt) < c.sizeCacheTTL
	v, ok := c.sizeCache[streamName]
	c.sizeCacheMu.RUnlock()
	if fresh && ok {
		return v, nil
	}

	total, err := c.repository.GetTotalSize(ctx, streamName)
	if err != nil {
		return 0, err
	}

	c.sizeCacheMu.Lock()
	c.sizeCache[streamName] = total
	c.sizeCacheAt = time.Now()
	c.sizeCacheMu.Unlock()
	return total, nil
}

func (c *StorageController) runDeep(ctx context.Context) {
	jitter := time.Duration(rand.Int64N(int64(time.Minute)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
			c.runDeepCycle(ctx)
			timer.Reset(deepInterval)
		}
	}
}

// runDeepCycle writes the storage_daily_stats rollup, vacuums if fragmentation exceeds the
// threshold, and samples recordings with PRAGMA quick_check.
func (c *StorageController) runDeepCycle(ctx context.Context) {
	if err := c.writeDailyStats(ctx); err != nil {
		c.logger.Error("daily stats rollup failed", "error", err)
	}

	if err := c.compressStaleSidecars(ctx); err != nil {
		c.logger.Error("sidecar compression pass failed", "error", err)
	}

	db, ok := c.repository.(interface {
		Fragmentation(context.Context) (float64, error)
		IncrementalVacuum(context.Context) error
		QuickCheck(context.Context) (bool, string, error)
	})
	if !ok {
		return
	}

	if frag, err := db.Fragmentation(ctx); err == nil && frag > fragmentationVacuumThreshold {
		c.logger.Info("running incremental vacuum", "fragmentation", frag)
		if err := db.IncrementalVacuum(ctx); err != nil {
			c.logger.Error("incremental vacuum failed", "error", err)
		}
	}

	if ok, detail, err := db.QuickCheck(ctx); err != nil {
		c.logger.Error("quick_check failed", "error", err)
	} else if !ok {
		c.logger.Warn("database integrity check reported issues", "detail", detail)
	}
}

// compressStaleSidecars gzips the JSON sidecars of completed recordings older than a day, a
// cheap space reclaim that never touches the MP4s themselves.
func (c *StorageController) compressStaleSidecars(ctx context.Context) error {
	cutoff := time.Now().Add(-24 * time.Hour)
	recs, _, err := c.repository.ListRecordings(ctx, ListOptions{
		EndTime: &cutoff,
		Limit:   100000,
	})
	if err != nil {
		return err
	}
	for _, r := range recs {
		if !r.IsComplete {
			continue
		}
		if err := CompressStaleSidecar(r.FilePath); err != nil {
			c.logger.Warn("sidecar compression failed", "path", r.FilePath, "error", err)
		}
	}
	return nil
}

// writeDailyStats rolls up yesterday's per-(stream, tier) recording counts and bytes into
// storage_daily_stats.
func (c *StorageController) writeDailyStats(ctx context.Context) error {
	streams, err := c.repository.ListStreams(ctx, false)
	if err != nil {
		return err
	}
	day := time.Now().Format("2006-01-02")

	for _, s := range streams {
		for _, tier := range []RetentionTier{TierCritical, TierImportant, TierEphemeral} {
			recs, _, err := c.repository.ListRecordings(ctx, ListOptions{
				StreamName: s.Name,
				Limit:      100000,
			})
			if err != nil {
				return err
			}
			var count int
			var bytes int64
			for _, r := range recs {
				if r.RetentionTier != tier {
					continue
				}
				count++
				bytes += r.SizeBytes
			}
			if count == 0 {
				continue
			}
			if err := c.repository.UpsertDailyStat(ctx, DailyStorageStat{
				Date: day, StreamName: s.Name, RetentionTier: tier,
				RecordingCount: count, TotalBytes: bytes,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
