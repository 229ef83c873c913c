package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultSegmentHandler(t *testing.T) {
	tmpDir := t.TempDir()

	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	if handler == nil {
		t.Fatal("NewDefaultSegmentHandler() returned nil")
	}
	if handler.storagePath != tmpDir {
		t.Errorf("storagePath = %q, want %q", handler.storagePath, tmpDir)
	}
}

func TestDefaultSegmentHandler_CreatePath(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	testTime := time.Date(2024, 1, 15, 10, 30, 45, 0, time.Local)
	path := handler.CreatePath("front_door", testTime, TriggerDetection)

	expected := filepath.Join(tmpDir, "front_door", "2024", "01", "15", "20240115_103045_detection.mp4")
	if path != expected {
		t.Errorf("CreatePath() = %q, want %q", path, expected)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("CreatePath() should create intermediate directories: %v", err)
	}
}

func TestDefaultSegmentHandler_CreatePath_DifferentCameras(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	testTime := time.Date(2024, 6, 20, 15, 45, 0, 0, time.Local)

	cameras := []string{"cam1", "back_yard", "garage_camera"}

	for _, cam := range cameras {
		path := handler.CreatePath(cam, testTime, TriggerScheduled)
		expectedDir := filepath.Join(tmpDir, cam, "2024", "06", "20")
		if filepath.Dir(path) != expectedDir {
			t.Errorf("CreatePath(%q) directory = %q, want %q", cam, filepath.Dir(path), expectedDir)
		}
	}
}

func TestDefaultSegmentHandler_CreatePath_TriggerInFilename(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	testTime := time.Date(2024, 3, 2, 8, 0, 0, 0, time.Local)

	for _, trigger := range []TriggerType{TriggerScheduled, TriggerDetection, TriggerMotion, TriggerManual} {
		path := handler.CreatePath("cam1", testTime, trigger)
		want := "20240302_080000_" + string(trigger) + ".mp4"
		if filepath.Base(path) != want {
			t.Errorf("CreatePath(trigger=%s) file = %q, want %q", trigger, filepath.Base(path), want)
		}
	}
}

func TestDefaultSegmentHandler_Delete(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	// Create test files
	segmentPath := filepath.Join(tmpDir, "test_segment.mp4")
	thumbnailPath := filepath.Join(tmpDir, "thumbs", "test_segment.jpg")

	_ = os.MkdirAll(filepath.Join(tmpDir, "thumbs"), 0755)
	_ = os.WriteFile(segmentPath, []byte("video content"), 0644)
	_ = os.WriteFile(thumbnailPath, []byte("image content"), 0644)

	recording := &Recording{
		FilePath:  segmentPath,
		Thumbnail: thumbnailPath,
	}

	err := handler.Delete(recording)
	if err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	// Verify files are deleted
	if _, err := os.Stat(segmentPath); !os.IsNotExist(err) {
		t.Error("Recording file should be deleted")
	}
	if _, err := os.Stat(thumbnailPath); !os.IsNotExist(err) {
		t.Error("Thumbnail file should be deleted")
	}
}

func TestDefaultSegmentHandler_Delete_FileNotExist(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	recording := &Recording{
		FilePath:  filepath.Join(tmpDir, "nonexistent.mp4"),
		Thumbnail: "",
	}

	// Should not return error if file doesn't exist
	err := handler.Delete(recording)
	if err != nil {
		t.Errorf("Delete() error = %v, want nil for non-existent file", err)
	}
}

func TestDefaultSegmentHandler_Delete_NoThumbnail(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	// Create test file
	segmentPath := filepath.Join(tmpDir, "test_segment.mp4")
	_ = os.WriteFile(segmentPath, []byte("video content"), 0644)

	recording := &Recording{
		FilePath:  segmentPath,
		Thumbnail: "", // No thumbnail
	}

	err := handler.Delete(recording)
	if err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	if _, err := os.Stat(segmentPath); !os.IsNotExist(err) {
		t.Error("Recording file should be deleted")
	}
}

func TestDefaultSegmentHandler_CalculateChecksum(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	// Create test file with known content
	testFile := filepath.Join(tmpDir, "test.mp4")
	content := []byte("test video content for checksum")
	_ = os.WriteFile(testFile, content, 0644)

	checksum, err := handler.CalculateChecksum(testFile)
	if err != nil {
		t.Errorf("CalculateChecksum() error = %v", err)
	}

	// SHA256 hash should be 64 characters hex
	if len(checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(checksum))
	}

	// Should be consistent
	checksum2, _ := handler.CalculateChecksum(testFile)
	if checksum != checksum2 {
		t.Error("Checksum should be deterministic")
	}
}

func TestDefaultSegmentHandler_CalculateChecksum_FileNotExist(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	_, err := handler.CalculateChecksum(filepath.Join(tmpDir, "nonexistent.mp4"))
	if err == nil {
		t.Error("CalculateChecksum() should return error for non-existent file")
	}
}

func TestDefaultSegmentHandler_ExtractMetadata_FileNotExist(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	_, err := handler.ExtractMetadata(filepath.Join(tmpDir, "nonexistent.mp4"))
	if err == nil {
		t.Error("ExtractMetadata() should return error for non-existent file")
	}
}

func TestDefaultSegmentHandler_ValidateSegment_FileNotExist(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	err := handler.ValidateSegment(filepath.Join(tmpDir, "nonexistent.mp4"))
	if err == nil {
		t.Error("ValidateSegment() should return error for non-existent file")
	}
}

func TestDefaultSegmentHandler_ValidateSegment_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	// Create empty file
	emptyFile := filepath.Join(tmpDir, "empty.mp4")
	_ = os.WriteFile(emptyFile, []byte{}, 0644)

	err := handler.ValidateSegment(emptyFile)
	if err == nil {
		t.Error("ValidateSegment() should return error for empty file")
	}
}

func TestDefaultSegmentHandler_MergeSegments_NoSegments(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	err := handler.MergeSegments([]string{}, filepath.Join(tmpDir, "output.mp4"))
	if err == nil {
		t.Error("MergeSegments() should return error when no recordings provided")
	}
}

func TestDefaultSegmentHandler_GetStreamInfo_FileNotExist(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	_, err := handler.GetStreamInfo(filepath.Join(tmpDir, "nonexistent.mp4"))
	if err == nil {
		t.Error("GetStreamInfo() should return error for non-existent file")
	}
}

func TestWriteSidecar_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	recPath := filepath.Join(tmpDir, "20240115_103045_detection.mp4")

	err := WriteSidecar(recPath, TriggerDetection, "rec_123", []string{"person", "car"})
	if err != nil {
		t.Fatalf("WriteSidecar() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(tmpDir, "20240115_103045_detection.json"))
	if err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}

	var got sidecarData
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("sidecar is not valid JSON: %v", err)
	}
	if got.Trigger != TriggerDetection {
		t.Errorf("trigger = %q, want %q", got.Trigger, TriggerDetection)
	}
	if got.RecordingID != "rec_123" {
		t.Errorf("recording_id = %q, want rec_123", got.RecordingID)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "person" {
		t.Errorf("labels = %v, want [person car]", got.Labels)
	}
}

func TestDelete_RemovesSidecar(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewDefaultSegmentHandler(tmpDir, filepath.Join(tmpDir, "thumbs"))

	recPath := filepath.Join(tmpDir, "rec.mp4")
	_ = os.WriteFile(recPath, []byte("video"), 0644)
	if err := WriteSidecar(recPath, TriggerManual, "rec_1", nil); err != nil {
		t.Fatalf("WriteSidecar() error = %v", err)
	}

	if err := handler.Delete(&Recording{FilePath: recPath}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(sidecarPath(recPath)); !os.IsNotExist(err) {
		t.Error("sidecar should be deleted along with the recording")
	}
}

func TestCompressStaleSidecar_SkipsFresh(t *testing.T) {
	tmpDir := t.TempDir()
	recPath := filepath.Join(tmpDir, "rec.mp4")
	if err := WriteSidecar(recPath, TriggerMotion, "rec_1", nil); err != nil {
		t.Fatalf("WriteSidecar() error = %v", err)
	}

	if err := CompressStaleSidecar(recPath); err != nil {
		t.Fatalf("CompressStaleSidecar() error = %v", err)
	}
	if _, err := os.Stat(sidecarPath(recPath)); err != nil {
		t.Error("fresh sidecar should not be compressed")
	}
	if _, err := os.Stat(sidecarPath(recPath) + ".gz"); !os.IsNotExist(err) {
		t.Error("no .gz should exist for a fresh sidecar")
	}
}

func TestCompressStaleSidecar_CompressesOld(t *testing.T) {
	tmpDir := t.TempDir()
	recPath := filepath.Join(tmpDir, "rec.mp4")
	if err := WriteSidecar(recPath, TriggerMotion, "rec_1", []string{"person"}); err != nil {
		t.Fatalf("WriteSidecar() error = %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(sidecarPath(recPath), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := CompressStaleSidecar(recPath); err != nil {
		t.Fatalf("CompressStaleSidecar() error = %v", err)
	}
	if _, err := os.Stat(sidecarPath(recPath)); !os.IsNotExist(err) {
		t.Error("stale sidecar should be replaced by its .gz")
	}
	if _, err := os.Stat(sidecarPath(recPath) + ".gz"); err != nil {
		t.Errorf("compressed sidecar missing: %v", err)
	}

	// Re-running against the already-compressed sidecar is a no-op.
	if err := CompressStaleSidecar(recPath); err != nil {
		t.Fatalf("CompressStaleSidecar() second run error = %v", err)
	}
}

func TestQuickChecksum_Deterministic(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "rec.mp4")
	_ = os.WriteFile(file, []byte("some growing mp4 bytes"), 0644)

	a, err := QuickChecksum(file)
	if err != nil {
		t.Fatalf("QuickChecksum() error = %v", err)
	}
	b, err := QuickChecksum(file)
	if err != nil {
		t.Fatalf("QuickChecksum() error = %v", err)
	}
	if a != b {
		t.Error("QuickChecksum should be deterministic for unchanged content")
	}

	_ = os.WriteFile(file, []byte("some growing mp4 bytes plus more"), 0644)
	c, err := QuickChecksum(file)
	if err != nil {
		t.Fatalf("QuickChecksum() error = %v", err)
	}
	if a == c {
		t.Error("QuickChecksum should change when content changes")
	}
}
