package recording

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
)

// sidecarCompressAge is how old a JSON sidecar must be before the Deep tier (G) gzips it.
const sidecarCompressAge = 24 * time.Hour

// quickChecksumKey is a fixed zero key for highwayhash, adequate for non-cryptographic
// mid-session integrity polling (D re-hashes the same key on read-back, never persisted).
var quickChecksumKey = make([]byte, 32)

// DefaultSegmentHandler implements SegmentHandler using FFprobe/FFmpeg subprocesses.
type DefaultSegmentHandler struct {
	storagePath   string
	thumbnailPath string
}

// NewDefaultSegmentHandler creates a new recording handler rooted at storagePath, with
// thumbnails written under thumbnailPath.
func NewDefaultSegmentHandler(storagePath, thumbnailPath string) *DefaultSegmentHandler {
	return &DefaultSegmentHandler{
		storagePath:   storagePath,
		thumbnailPath: thumbnailPath,
	}
}

// CreatePath builds <storage_root>/<stream>/YYYY/MM/DD/YYYYMMDD_HHMMSS_<trigger>.mp4, creating
// intermediate directories.
func (h *DefaultSegmentHandler) CreatePath(streamName string, startTime time.Time, trigger TriggerType) string {
	dir := filepath.Join(h.storagePath, streamName,
		startTime.Format("2006"), startTime.Format("01"), startTime.Format("02"))
	_ = os.MkdirAll(dir, 0755)
	filename := fmt.Sprintf("%s_%s.mp4", startTime.Format("20060102_150405"), trigger)
	return filepath.Join(dir, filename)
}

// sidecarPath returns the JSON sidecar path for a recording file path.
func sidecarPath(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, filepath.Ext(recordingPath)) + ".json"
}

// sidecarData is the JSON sidecar payload written alongside each recording.
type sidecarData struct {
	Trigger     TriggerType `json:"trigger"`
	Labels      []string    `json:"labels,omitempty"`
	RecordingID string      `json:"recording_id"`
}

// WriteSidecar writes the {trigger, bbox, labels, recording_id} sidecar for a recording.
func WriteSidecar(recordingPath string, trigger TriggerType, recordingID string, labels []string) error {
	data, err := json.Marshal(sidecarData{Trigger: trigger, Labels: labels, RecordingID: recordingID})
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(recordingPath), data, 0644)
}

// CompressStaleSidecar gzips a JSON sidecar if it is older than sidecarCompressAge, replacing
// it with a .json.gz file. Called by G's deep tier; a no-op if already compressed or too young.
func CompressStaleSidecar(recordingPath string) error {
	p := sidecarPath(recordingPath)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if time.Since(info.ModTime()) < sidecarCompressAge {
		return nil
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	out, err := os.Create(p + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	gw := gzip.NewWriter(out)
	if _, err := gw.Write(raw); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return os.Remove(p)
}

// ExtractMetadata extracts metadata from a recording file using ffprobe.
func (h *DefaultSegmentHandler) ExtractMetadata(filePath string) (*RecordingMetadata, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.Command("ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	metadata := &RecordingMetadata{FileSize: info.Size()}

	if probeData.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			metadata.Duration = duration
		}
	}
	if probeData.Format.BitRate != "" {
		if bitrate, err := strconv.Atoi(probeData.Format.BitRate); err == nil {
			metadata.Bitrate = bitrate
		}
	}
	for _, stream := range probeData.Streams {
		if stream.CodecType == "video" {
			metadata.Codec = stream.CodecName
			metadata.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
			break
		}
	}

	metadata.EndTime = info.ModTime()
	metadata.StartTime = metadata.EndTime.Add(-time.Duration(metadata.Duration * float64(time.Second)))

	return metadata, nil
}

// GenerateThumbnail generates a thumbnail from a recording at the specified offset.
func (h *DefaultSegmentHandler) GenerateThumbnail(recordingPath, thumbnailPath string, offsetSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(thumbnailPath), 0755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	args := []string{
		"-ss", fmt.Sprintf("%.2f", offsetSeconds),
		"-i", recordingPath,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		thumbnailPath,
	}

	cmd := exec.Command("ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed: %s: %w", string(output), err)
	}
	return nil
}

// CalculateChecksum calculates the SHA-256 checksum of a file, used as the final on-close
// checksum recorded against the Recording row.
func (h *DefaultSegmentHandler) CalculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// QuickChecksum computes a cheap HighwayHash digest of a file's current contents, used by the
// Segment Writer's 5s integrity-polling ticker while a file is still open (much cheaper than
// re-running SHA-256 against a growing file on every tick).
func QuickChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	h, err := highwayhash.New(quickChecksumKey)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Delete deletes a recording file and its associated thumbnail/sidecar.
func (h *DefaultSegmentHandler) Delete(r *Recording) error {
	if err := os.Remove(r.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete recording file: %w", err)
	}
	if r.Thumbnail != "" {
		_ = os.Remove(r.Thumbnail)
	}
	_ = os.Remove(sidecarPath(r.FilePath))
	_ = os.Remove(sidecarPath(r.FilePath) + ".gz")
	return nil
}

// ValidateSegment checks if a recording file is valid and playable, used by the crash-recovery
// sweep (RecoverIncomplete) to decide between finalizing and marking a row corrupt.
func (h *DefaultSegmentHandler) ValidateSegment(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty")
	}

	args := []string{"-v", "error", "-i", filePath, "-f", "null", "-"}
	cmd := exec.Command("ffprobe", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("validation failed: %s", string(output))
	}
	return nil
}

// MergeSegments concatenates multiple files into a single output via FFmpeg's concat demuxer,
// used by the Segment Writer's pre-roll splice to prepend buffered packets ahead of the live
// stream before the session's first keyframe.
func (h *DefaultSegmentHandler) MergeSegments(paths []string, outputPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no files to merge")
	}

	concatFile, err := os.CreateTemp("", "concat_*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat file: %w", err)
	}
	defer func() { _ = os.Remove(concatFile.Name()) }()

	for _, p := range paths {
		absPath, _ := filepath.Abs(p)
		_, _ = fmt.Fprintf(concatFile, "file '%s'\n", absPath)
	}
	_ = concatFile.Close()

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", concatFile.Name(),
		"-c", "copy",
		"-y",
		outputPath,
	}

	cmd := exec.Command("ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merge failed: %s: %w", string(output), err)
	}
	return nil
}

// GetStreamInfo extracts detailed stream information from a file.
func (h *DefaultSegmentHandler) GetStreamInfo(filePath string) (*StreamInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.Command("ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &StreamInfo{}
	if probeData.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			info.Duration = duration
		}
	}
	if probeData.Format.BitRate != "" {
		if bitrate, err := strconv.Atoi(probeData.Format.BitRate); err == nil {
			info.Bitrate = bitrate
		}
	}
	for _, stream := range probeData.Streams {
		switch stream.CodecType {
		case "video":
			info.Codec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			if stream.RFrameRate != "" {
				parts := strings.Split(stream.RFrameRate, "/")
				if len(parts) == 2 {
					num, _ := strconv.ParseFloat(parts[0], 64)
					den, _ := strconv.ParseFloat(parts[1], 64)
					if den > 0 {
						info.FPS = num / den
					}
				}
			}
		case "audio":
			info.HasAudio = true
			info.AudioCodec = stream.CodecName
		}
	}
	return info, nil
}
