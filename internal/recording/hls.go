package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// hlsDefaultSegmentSeconds and hlsDefaultWindow give the default rolling window: 6 segments of
// 2s each, 12s of live latency.
const (
	hlsDefaultSegmentSeconds = 2
	hlsDefaultWindow         = 6
)

// HLSPublisher maintains a live rolling .m3u8 playlist for one stream, independent of the
// Segment Writer: HLS may run with or without recording enabled. It drives its own FFmpeg
// stream-copy process producing fragmented .ts segments under hlsRoot/<stream>/.
type HLSPublisher struct {
	streamName string
	hlsRoot    string
	codec      string
	segmentSec int
	window     int
	logger     *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
}

// HLSPublisherConfig configures a new HLSPublisher.
type HLSPublisherConfig struct {
	StreamName      string
	HLSRoot         string
	Codec           string
	SegmentSeconds  int
	WindowSegments  int
}

// NewHLSPublisher creates a publisher for one stream. Zero SegmentSeconds/WindowSegments fall
// back to the 2s/6-segment defaults.
func NewHLSPublisher(cfg HLSPublisherConfig) *HLSPublisher {
	seg := cfg.SegmentSeconds
	if seg <= 0 {
		seg = hlsDefaultSegmentSeconds
	}
	win := cfg.WindowSegments
	if win <= 0 {
		win = hlsDefaultWindow
	}
	return &HLSPublisher{
		streamName: cfg.StreamName,
		hlsRoot:    cfg.HLSRoot,
		codec:      cfg.Codec,
		segmentSec: seg,
		window:     win,
		logger:     slog.Default().With("component", "hls", "stream", cfg.StreamName),
	}
}

// dir returns hlsRoot/<stream>, creating it if necessary.
func (h *HLSPublisher) dir() (string, error) {
	dir := filepath.Join(h.hlsRoot, h.streamName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Clean removes any stale playlist/segments from a prior run. Called on startup per stream
// before the publisher (re)starts, so a crash never leaves a playlist referencing deleted
// segments.
func (h *HLSPublisher) Clean() error {
	dir, err := h.dir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

// Start launches the HLS muxer process pulling its own RTSP session from the source, independent
// of the Segment Writer's FFmpeg process; the two never share a connection, so recording and live
// serving fail independently.
func (h *HLSPublisher) Start(ctx context.Context, sourceURL, protocol string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("hls publisher for %s already running", h.streamName)
	}

	dir, err := h.dir()
	if err != nil {
		return err
	}
	playlist := filepath.Join(dir, "index.m3u8")
	segPattern := filepath.Join(dir, "segment_%04d.ts")

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", protocol,
		"-i", sourceURL,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", h.segmentSec),
		"-hls_list_size", fmt.Sprintf("%d", h.window),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", segPattern,
		playlist,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start hls muxer: %w", err)
	}
	h.cmd = cmd
	h.running = true

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		if err != nil {
			h.logger.Warn("hls muxer exited", "error", err)
		}
	}()
	return nil
}

// Running reports whether the HLS muxer process is currently active.
func (h *HLSPublisher) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stop terminates the HLS muxer process and waits up to timeout for it to exit.
func (h *HLSPublisher) Stop(timeout time.Duration) error {
	h.mu.Lock()
	cmd := h.cmd
	running := h.running
	h.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return cmd.Process.Kill()
	}
}
