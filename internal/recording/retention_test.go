package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepframe/corenvr/internal/config"
)

func setupStorageController(t *testing.T) (*StorageController, *SQLiteRepository, string) {
	t.Helper()

	repo := setupTestRepo(t)
	storagePath := filepath.Join(t.TempDir(), "recordings")
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		t.Fatalf("mkdir storage path: %v", err)
	}

	cfg := &config.Config{
		System: config.SystemConfig{StoragePath: storagePath, MaxStorageGB: 10},
	}
	handler := NewDefaultSegmentHandler(storagePath, filepath.Join(storagePath, "thumbs"))
	ctrl := NewStorageController(cfg, repo, handler, storagePath, nil)
	return ctrl, repo, storagePath
}

// seedRecordingFile inserts a complete recording row whose backing file actually exists, so the
// cleanup path exercises file-then-row deletion rather than the file-missing fallback.
func seedRecordingFile(t *testing.T, repo *SQLiteRepository, storagePath, stream string, end time.Time, tier RetentionTier, size int, protected bool) *Recording {
	t.Helper()

	path := filepath.Join(storagePath, stream, end.Format("20060102_150405")+"_scheduled.mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	endT := end
	rec := &Recording{
		StreamName:    stream,
		FilePath:      path,
		StartTime:     end.Add(-time.Minute),
		EndTime:       &endT,
		SizeBytes:     int64(size),
		Codec:         "h264",
		IsComplete:    true,
		TriggerType:   TriggerScheduled,
		Protected:     protected,
		RetentionTier: tier,
	}
	if err := repo.CreateRecording(context.Background(), rec); err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
	return rec
}

func TestNewStorageController(t *testing.T) {
	ctrl, _, _ := setupStorageController(t)
	if ctrl == nil {
		t.Fatal("NewStorageController returned nil")
	}
}

func TestStorageController_StartStop(t *testing.T) {
	ctrl, _, _ := setupStorageController(t)
	ctx := context.Background()

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent start.
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestClassifyPressure_Thresholds(t *testing.T) {
	tests := []struct {
		freeFrac float64
		want     DiskPressure
	}{
		{0.50, PressureNormal},
		{0.20, PressureNormal},
		{0.199, PressureWarning},
		{0.10, PressureWarning},
		{0.099, PressureCritical},
		{0.05, PressureCritical},
		{0.049, PressureEmergency},
		{0.0, PressureEmergency},
	}
	for _, tt := range tests {
		if got := ClassifyPressure(tt.freeFrac); got != tt.want {
			t.Errorf("ClassifyPressure(%v) = %v, want %v", tt.freeFrac, got, tt.want)
		}
	}
}

func TestTierRetentionDays(t *testing.T) {
	s := Stream{RetentionDays: 10}
	if got := tierRetentionDays(s, TierCritical); got != 30 {
		t.Errorf("critical days = %v, want 30", got)
	}
	if got := tierRetentionDays(s, TierImportant); got != 20 {
		t.Errorf("important days = %v, want 20", got)
	}
	if got := tierRetentionDays(s, TierEphemeral); got != 2.5 {
		t.Errorf("ephemeral days = %v, want 2.5", got)
	}

	s.CriticalMultiplier = 5
	if got := tierRetentionDays(s, TierCritical); got != 50 {
		t.Errorf("overridden critical days = %v, want 50", got)
	}
}

func TestRunRetention_AgesOutOldRecordings(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	if err := repo.UpsertStream(ctx, &Stream{Name: "cam_old", SourceURL: "rtsp://x", Enabled: true, RetentionDays: 7}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}

	// Important tier: effective retention 7*2 = 14 days.
	aged := seedRecordingFile(t, repo, storagePath, "cam_old", time.Now().AddDate(0, 0, -30), TierImportant, 1024, false)
	fresh := seedRecordingFile(t, repo, storagePath, "cam_old", time.Now().Add(-time.Hour), TierImportant, 1024, false)

	stats, err := ctrl.RunRetention(ctx, false)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if stats.RecordingsDeleted != 1 {
		t.Errorf("recordings_deleted = %d, want 1", stats.RecordingsDeleted)
	}
	if _, err := os.Stat(aged.FilePath); !os.IsNotExist(err) {
		t.Error("aged recording file should be deleted")
	}
	if _, err := repo.GetRecording(ctx, aged.ID); err == nil {
		t.Error("aged recording row should be deleted")
	}
	if _, err := repo.GetRecording(ctx, fresh.ID); err != nil {
		t.Errorf("fresh recording should survive: %v", err)
	}
}

func TestRunRetention_PreservesProtected(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	if err := repo.UpsertStream(ctx, &Stream{Name: "cam_prot", SourceURL: "rtsp://x", Enabled: true, RetentionDays: 1}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	protected := seedRecordingFile(t, repo, storagePath, "cam_prot", time.Now().AddDate(0, 0, -90), TierEphemeral, 1024, true)

	if _, err := ctrl.RunRetention(ctx, false); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if _, err := repo.GetRecording(ctx, protected.ID); err != nil {
		t.Errorf("protected recording must survive age-based eviction: %v", err)
	}
	if _, err := os.Stat(protected.FilePath); err != nil {
		t.Errorf("protected recording file must remain: %v", err)
	}
}

func TestRunRetention_QuotaEvictsOldestFirst(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	// 100MB quota, five 30MB recordings: the two oldest go, ~90MB stays.
	if err := repo.UpsertStream(ctx, &Stream{
		Name: "garage", SourceURL: "rtsp://x", Enabled: true, RetentionDays: 365, MaxStorageMB: 100,
	}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}

	const mb30 = 30 * 1024 * 1024
	now := time.Now()
	var recs []*Recording
	for i := 0; i < 5; i++ {
		end := now.Add(-time.Duration(5-i) * time.Hour)
		rec := seedRecordingFile(t, repo, storagePath, "garage", end, TierImportant, 1024, false)
		// Declared size drives the quota math; writing 30MB files to the test tmpdir is wasteful.
		rec.SizeBytes = mb30
		if err := repo.UpdateRecording(ctx, rec); err != nil {
			t.Fatalf("UpdateRecording: %v", err)
		}
		recs = append(recs, rec)
	}

	stats, err := ctrl.RunRetention(ctx, false)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if stats.RecordingsDeleted != 2 {
		t.Errorf("recordings_deleted = %d, want 2", stats.RecordingsDeleted)
	}
	for i, rec := range recs {
		_, err := repo.GetRecording(ctx, rec.ID)
		if i < 2 && err == nil {
			t.Errorf("recording %d (oldest) should be evicted", i)
		}
		if i >= 2 && err != nil {
			t.Errorf("recording %d should survive quota eviction: %v", i, err)
		}
	}

	total, err := repo.GetTotalSize(ctx, "garage")
	if err != nil {
		t.Fatalf("GetTotalSize: %v", err)
	}
	if total > 100*1024*1024 {
		t.Errorf("total size %d still exceeds the 100MB quota", total)
	}
}

func TestRunRetention_QuotaSkipsProtected(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	if err := repo.UpsertStream(ctx, &Stream{
		Name: "lobby", SourceURL: "rtsp://x", Enabled: true, RetentionDays: 365, MaxStorageMB: 1,
	}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}

	now := time.Now()
	protected := seedRecordingFile(t, repo, storagePath, "lobby", now.Add(-3*time.Hour), TierImportant, 1024, true)
	protected.SizeBytes = 10 * 1024 * 1024
	if err := repo.UpdateRecording(ctx, protected); err != nil {
		t.Fatalf("UpdateRecording: %v", err)
	}
	victim := seedRecordingFile(t, repo, storagePath, "lobby", now.Add(-time.Hour), TierImportant, 1024, false)
	victim.SizeBytes = 10 * 1024 * 1024
	if err := repo.UpdateRecording(ctx, victim); err != nil {
		t.Fatalf("UpdateRecording: %v", err)
	}

	if _, err := ctrl.RunRetention(ctx, false); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if _, err := repo.GetRecording(ctx, protected.ID); err != nil {
		t.Errorf("protected recording must survive quota eviction: %v", err)
	}
	if _, err := repo.GetRecording(ctx, victim.ID); err == nil {
		t.Error("unprotected recording should be evicted to relieve the quota")
	}
}

func TestRunRetention_DetectionLinkedUsesDetectionWindow(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	// Regular retention 1 day, detection retention 30: a 5-day-old detection-linked recording
	// survives the regular sweep, a 60-day-old one does not survive the detection sweep.
	if err := repo.UpsertStream(ctx, &Stream{
		Name: "porch", SourceURL: "rtsp://x", Enabled: true,
		RetentionDays: 1, DetectionRetentionDays: 30,
	}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}

	link := func(rec *Recording) {
		d := &Detection{
			StreamName: "porch", Timestamp: rec.StartTime, Label: "person", Confidence: 0.9,
			RecordingID: &rec.ID,
		}
		if err := repo.InsertDetection(ctx, d); err != nil {
			t.Fatalf("InsertDetection: %v", err)
		}
	}

	recent := seedRecordingFile(t, repo, storagePath, "porch", time.Now().AddDate(0, 0, -5), TierEphemeral, 1024, false)
	link(recent)
	ancient := seedRecordingFile(t, repo, storagePath, "porch", time.Now().AddDate(0, 0, -60), TierEphemeral, 1024, false)
	link(ancient)

	if _, err := ctrl.RunRetention(ctx, false); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if _, err := repo.GetRecording(ctx, recent.ID); err != nil {
		t.Errorf("detection-linked recording inside the detection window must survive: %v", err)
	}
	if _, err := repo.GetRecording(ctx, ancient.ID); err == nil {
		t.Error("detection-linked recording past the detection window should be evicted")
	}
}

func TestRunRetention_SkipsIncompleteRows(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	if err := repo.UpsertStream(ctx, &Stream{Name: "cam_open", SourceURL: "rtsp://x", Enabled: true, RetentionDays: 1}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	open := seedRecordingFile(t, repo, storagePath, "cam_open", time.Now().AddDate(0, 0, -90), TierEphemeral, 1024, false)
	open.IsComplete = false
	if err := repo.UpdateRecording(ctx, open); err != nil {
		t.Fatalf("UpdateRecording: %v", err)
	}

	if _, err := ctrl.RunRetention(ctx, false); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if _, err := repo.GetRecording(ctx, open.ID); err != nil {
		t.Errorf("a writer-owned (is_complete=false) row must never be evicted: %v", err)
	}
}

func TestRunRetention_PrunesOldDetectionsAndEvents(t *testing.T) {
	ctrl, repo, _ := setupStorageController(t)
	ctx := context.Background()

	oldDet := &Detection{
		StreamName: "cam_1", Timestamp: time.Now().AddDate(0, 0, -60),
		Label: "car", Confidence: 0.7,
	}
	if err := repo.InsertDetection(ctx, oldDet); err != nil {
		t.Fatalf("InsertDetection: %v", err)
	}
	oldEvt := &Event{Kind: "stream_connected", StreamName: "cam_1", Message: "connected"}
	oldEvt.CreatedAt = time.Now().AddDate(0, 0, -120)
	if err := repo.InsertEvent(ctx, oldEvt); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	if _, err := ctrl.RunRetention(ctx, false); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}

	n, err := repo.DeleteDetectionsBefore(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("DeleteDetectionsBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("expected the 60-day-old detection already pruned, but %d remained", n)
	}
	n, err = repo.DeleteEventsBefore(ctx, time.Now().AddDate(0, 0, -90), 100)
	if err != nil {
		t.Fatalf("DeleteEventsBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("expected the 120-day-old event already pruned, but %d remained", n)
	}
}

func TestStorageController_GetStorageStats(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	seedRecordingFile(t, repo, storagePath, "cam_1", time.Now().Add(-time.Hour), TierImportant, 2048, false)

	stats, err := ctrl.GetStorageStats(ctx)
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	if stats.TotalBytes <= 0 {
		t.Error("TotalBytes should be positive on a real filesystem")
	}
	if stats.FreeFraction < 0 || stats.FreeFraction > 1 {
		t.Errorf("FreeFraction = %v, want [0,1]", stats.FreeFraction)
	}
	if stats.Pressure != ClassifyPressure(stats.FreeFraction) {
		t.Errorf("Pressure %v inconsistent with FreeFraction %v", stats.Pressure, stats.FreeFraction)
	}
	if stats.ByStream["cam_1"] != 2048 {
		t.Errorf("ByStream[cam_1] = %d, want 2048", stats.ByStream["cam_1"])
	}
}

func TestStorageController_StreamSizeCache(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	seedRecordingFile(t, repo, storagePath, "cam_1", time.Now().Add(-time.Hour), TierImportant, 4096, false)

	size, err := ctrl.StreamSize(ctx, "cam_1")
	if err != nil {
		t.Fatalf("StreamSize: %v", err)
	}
	if size != 4096 {
		t.Errorf("StreamSize = %d, want 4096", size)
	}

	// A second row lands while the cache is warm: the cached value is served until invalidated.
	seedRecordingFile(t, repo, storagePath, "cam_1", time.Now().Add(-30*time.Minute), TierImportant, 4096, false)
	size, err = ctrl.StreamSize(ctx, "cam_1")
	if err != nil {
		t.Fatalf("StreamSize: %v", err)
	}
	if size != 4096 {
		t.Errorf("cached StreamSize = %d, want 4096 until invalidation", size)
	}

	ctrl.invalidateSizeCache()
	size, err = ctrl.StreamSize(ctx, "cam_1")
	if err != nil {
		t.Fatalf("StreamSize: %v", err)
	}
	if size != 8192 {
		t.Errorf("post-invalidation StreamSize = %d, want 8192", size)
	}
}

func TestStorageController_DailyStatsRollup(t *testing.T) {
	ctrl, repo, storagePath := setupStorageController(t)
	ctx := context.Background()

	seedRecordingFile(t, repo, storagePath, "cam_1", time.Now().Add(-time.Hour), TierImportant, 1024, false)
	seedRecordingFile(t, repo, storagePath, "cam_1", time.Now().Add(-2*time.Hour), TierImportant, 1024, false)

	if err := ctrl.writeDailyStats(ctx); err != nil {
		t.Fatalf("writeDailyStats: %v", err)
	}

	// An upsert of the same (day, stream, tier) key replaces rather than duplicates.
	if err := ctrl.writeDailyStats(ctx); err != nil {
		t.Fatalf("second writeDailyStats: %v", err)
	}

	n, err := repo.DeleteDailyStatsBefore(ctx, time.Now().AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("DeleteDailyStatsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 rollup row for (today, cam_1, important), got %d", n)
	}
}

func TestStorageController_PauseResume(t *testing.T) {
	ctrl, _, _ := setupStorageController(t)

	if ctrl.IsPaused("cam_1") {
		t.Fatal("no stream should start paused")
	}

	ctrl.pauseAllStreams()
	if !ctrl.IsPaused("cam_1") || !ctrl.IsPaused("cam_2") {
		t.Fatal("expected every enabled stream paused after the EMERGENCY sweep found no candidates")
	}

	// Pressure back at NORMAL clears the pause set.
	ctrl.resumeAllStreams()
	if ctrl.IsPaused("cam_1") || ctrl.IsPaused("cam_2") {
		t.Error("expected pause cleared once pressure returns to NORMAL")
	}
}

func TestCleanupInterval_ScalesWithPressure(t *testing.T) {
	ctrl, _, _ := setupStorageController(t)

	if got := ctrl.cleanupInterval(PressureNormal); got != cleanupIntervalBase {
		t.Errorf("NORMAL interval = %v, want %v", got, cleanupIntervalBase)
	}
	if got := ctrl.cleanupInterval(PressureWarning); got != cleanupIntervalBase/2 {
		t.Errorf("WARNING interval = %v, want %v", got, cleanupIntervalBase/2)
	}
	if got := ctrl.cleanupInterval(PressureCritical); got != cleanupIntervalBase/8 {
		t.Errorf("CRITICAL interval = %v, want %v", got, cleanupIntervalBase/8)
	}
	if got := ctrl.cleanupInterval(PressureEmergency); got != time.Second {
		t.Errorf("EMERGENCY interval = %v, want %v", got, time.Second)
	}
}
