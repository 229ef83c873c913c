package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// metadataFlushInterval is how often an open session's size_bytes/end_time are persisted so a
// crash leaves the database no more than this far behind the file on disk.
const metadataFlushInterval = 5 * time.Second

// SegmentWriter owns the single currently-open recording file for one stream, muxing Annex-B
// access units handed to it by the recording controller into fragmented MP4 via an FFmpeg
// subprocess fed on stdin, and rotating to a new file at the configured duration/size ceiling.
type SegmentWriter struct {
	streamName string
	handler    SegmentHandler
	repo       Repository
	codec      string // h264, h265
	segmentDur time.Duration
	sizeCeil   int64

	logger *slog.Logger

	mu       sync.Mutex
	session  *writerSession
	onClosed func(r *Recording)
}

// NoteLabel records a detection label observed during the open session; labels land in the
// recording's JSON sidecar at close. A no-op when no session is open.
func (w *SegmentWriter) NoteLabel(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return
	}
	for _, l := range w.session.labels {
		if l == label {
			return
		}
	}
	w.session.labels = append(w.session.labels, label)
}

// UpgradeTrigger raises the open session's trigger type if t outranks the current one, persisting
// the change immediately so the row never reports a lower-priority trigger than was observed. The
// file name keeps the trigger the session opened with; only the row is upgraded.
func (w *SegmentWriter) UpgradeTrigger(ctx context.Context, t TriggerType) error {
	w.mu.Lock()
	sess := w.session
	if sess == nil || !t.Outranks(sess.recording.TriggerType) {
		w.mu.Unlock()
		return nil
	}
	sess.recording.TriggerType = t
	rec := *sess.recording
	w.mu.Unlock()
	return w.repo.UpdateRecording(ctx, &rec)
}

// writerSession tracks one open MP4 file and its muxer subprocess.
type writerSession struct {
	recording *Recording
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    bytes.Buffer
	startedAt time.Time
	bytesIn   int64 // raw Annex-B bytes written to stdin, used for the size-ceiling check
	labels    []string

	stopFlush chan struct{}
	flushDone chan struct{}
}

// SegmentWriterConfig configures a new SegmentWriter.
type SegmentWriterConfig struct {
	StreamName      string
	Handler         SegmentHandler
	Repository      Repository
	Codec           string
	SegmentDuration time.Duration
	SizeCeilingByte int64
}

// NewSegmentWriter creates a writer for one stream. SizeCeilingByte of 0 disables the
// size-based rotation trigger (duration-only rotation).
func NewSegmentWriter(cfg SegmentWriterConfig) *SegmentWriter {
	return &SegmentWriter{
		streamName: cfg.StreamName,
		handler:    cfg.Handler,
		repo:       cfg.Repository,
		codec:      cfg.Codec,
		segmentDur: cfg.SegmentDuration,
		sizeCeil:   cfg.SizeCeilingByte,
		logger:     slog.Default().With("component", "writer", "stream", cfg.StreamName),
	}
}

// IsOpen reports whether a session is currently being written.
func (w *SegmentWriter) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil
}

// CurrentRecording returns the in-flight Recording row, or nil if no session is open.
func (w *SegmentWriter) CurrentRecording() *Recording {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	r := *w.session.recording
	return &r
}

// Open starts a new recording session for trigger, optionally splicing preRoll packets (from
// the pre-event ring buffer) ahead of the live stream. preRoll must start at a keyframe; callers
// get this guarantee from RingBuffer.SnapshotFrom.
func (w *SegmentWriter) Open(ctx context.Context, trigger TriggerType, preRoll []Packet, width, height int, fps float64) (*Recording, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session != nil {
		return nil, fmt.Errorf("writer for %s already has an open session", w.streamName)
	}
	if len(preRoll) > 0 && preRoll[0].Flags&FlagKeyframe == 0 {
		return nil, ErrNotDecodable
	}

	now := time.Now()
	path := w.handler.CreatePath(w.streamName, now, trigger)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", h264OrHevc(w.codec),
		"-i", "pipe:0",
		"-c", "copy",
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"-y", path,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	sess := &writerSession{
		startedAt: now,
		cmd:       cmd,
		stdin:     stdin,
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	cmd.Stderr = &sess.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg muxer: %w", err)
	}

	rec := &Recording{
		ID:            uuid.NewString(),
		StreamName:    w.streamName,
		FilePath:      path,
		StartTime:     now,
		Width:         width,
		Height:        height,
		FPS:           fps,
		Codec:         w.codec,
		IsComplete:    false,
		TriggerType:   trigger,
		RetentionTier: tierForTrigger(trigger),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.repo.CreateRecording(ctx, rec); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("create recording row: %w", err)
	}
	sess.recording = rec

	for _, p := range preRoll {
		if _, err := stdin.Write(p.Data); err != nil {
			w.logger.Warn("pre-roll write failed", "error", err)
			break
		}
		sess.bytesIn += int64(len(p.Data))
	}

	w.session = sess
	go w.flushLoop(sess)

	return rec, nil
}

// WritePacket feeds a live packet into the currently-open session. Returns an error if no
// session is open; callers rotate via ShouldRotate/Close+Open at a keyframe boundary.
func (w *SegmentWriter) WritePacket(p Packet) error {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return errNoOpenSession
	}
	if p.Flags&FlagVideo != 0 {
		n, err := sess.stdin.Write(p.Data)
		sess.bytesIn += int64(n)
		if err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
	}
	return nil
}

// ShouldRotate reports whether the open session has crossed its duration or size ceiling and p
// is a keyframe, i.e. rotation can happen now without splitting a GOP.
func (w *SegmentWriter) ShouldRotate(p Packet) bool {
	w.mu.Lock()
	sess := w.session
	dur := w.segmentDur
	ceil := w.sizeCeil
	w.mu.Unlock()
	if sess == nil || p.Flags&FlagKeyframe == 0 {
		return false
	}
	if dur > 0 && time.Since(sess.startedAt) >= dur {
		return true
	}
	if ceil > 0 && sess.bytesIn >= ceil {
		return true
	}
	return false
}

// Close finalizes the open session: stops the metadata-flush ticker, closes stdin so FFmpeg
// flushes the moov/trailer, waits for exit, and marks the Recording row complete with its final
// checksum and size.
func (w *SegmentWriter) Close(ctx context.Context) (*Recording, error) {
	w.mu.Lock()
	sess := w.session
	w.session = nil
	w.mu.Unlock()

	if sess == nil {
		return nil, errNoOpenSession
	}

	close(sess.stopFlush)
	<-sess.flushDone

	_ = sess.stdin.Close()
	waitErr := sess.cmd.Wait()
	if waitErr != nil {
		w.logger.Warn("ffmpeg muxer exited with error", "error", waitErr, "stderr", sess.stderr.String())
	}

	checksum, err := w.handler.CalculateChecksum(sess.recording.FilePath)
	if err != nil {
		w.logger.Warn("final checksum failed", "error", err)
	}

	meta, err := w.handler.ExtractMetadata(sess.recording.FilePath)
	now := time.Now()
	rec := sess.recording
	rec.EndTime = &now
	rec.IsComplete = true
	rec.Checksum = checksum
	rec.UpdatedAt = now
	if err == nil {
		rec.SizeBytes = meta.FileSize
	}

	thumbPath := thumbnailPathFor(rec.FilePath)
	if err := w.handler.GenerateThumbnail(rec.FilePath, thumbPath, 1.0); err != nil {
		w.logger.Warn("thumbnail generation failed", "error", err)
	} else {
		rec.Thumbnail = thumbPath
	}

	if err := WriteSidecar(rec.FilePath, rec.TriggerType, rec.ID, sess.labels); err != nil {
		w.logger.Warn("sidecar write failed", "error", err)
	}

	if err := w.repo.UpdateRecording(ctx, rec); err != nil {
		return rec, fmt.Errorf("finalize recording row: %w", err)
	}

	if w.onClosed != nil {
		w.onClosed(rec)
	}
	return rec, nil
}

// flushLoop persists size_bytes/end_time every metadataFlushInterval while the session is open,
// so a crash mid-recording leaves the database close to the file's actual state.
func (w *SegmentWriter) flushLoop(sess *writerSession) {
	defer close(sess.flushDone)
	ticker := time.NewTicker(metadataFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stopFlush:
			return
		case <-ticker.C:
			info, err := os.Stat(sess.recording.FilePath)
			if err != nil {
				continue
			}
			if _, err := QuickChecksum(sess.recording.FilePath); err != nil {
				w.logger.Warn("mid-session integrity poll failed", "error", err)
			}
			now := time.Now()
			w.mu.Lock()
			rec := *sess.recording
			w.mu.Unlock()
			rec.EndTime = &now
			rec.SizeBytes = info.Size()
			rec.UpdatedAt = now
			_ = w.repo.UpdateRecording(context.Background(), &rec)
		}
	}
}

// thumbnailPathFor derives the .jpg thumbnail path sitting next to a recording file.
func thumbnailPathFor(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, filepath.Ext(recordingPath)) + ".jpg"
}

func h264OrHevc(codec string) string {
	if codec == "h265" {
		return "hevc"
	}
	return "h264"
}

func tierForTrigger(t TriggerType) RetentionTier {
	switch t {
	case TriggerManual, TriggerDetection:
		return TierImportant
	case TriggerMotion:
		return TierEphemeral
	default:
		return TierEphemeral
	}
}

var errNoOpenSession = fmt.Errorf("no open recording session")
