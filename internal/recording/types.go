// Package recording implements the stream ingest, segment writing, recording
// control, HLS publishing and retention engine of the NVR core.
package recording

import (
	"context"
	"time"
)

// TriggerType is the reason a recording session exists.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerDetection TriggerType = "detection"
	TriggerMotion    TriggerType = "motion"
	TriggerManual    TriggerType = "manual"
)

// triggerPriority orders TriggerType by upgrade priority: manual > detection > motion > scheduled.
var triggerPriority = map[TriggerType]int{
	TriggerScheduled: 0,
	TriggerMotion:    1,
	TriggerDetection: 2,
	TriggerManual:    3,
}

// Outranks reports whether t is strictly higher priority than other.
func (t TriggerType) Outranks(other TriggerType) bool {
	return triggerPriority[t] > triggerPriority[other]
}

// RetentionTier is the retention class of a recording, modifying effective retention days.
type RetentionTier int

const (
	TierCritical  RetentionTier = 1
	TierImportant RetentionTier = 2
	TierEphemeral RetentionTier = 3
)

// TierMultiplier returns the default effective-retention multiplier for a tier.
func (t RetentionTier) TierMultiplier() float64 {
	switch t {
	case TierCritical:
		return 3.0
	case TierImportant:
		return 2.0
	case TierEphemeral:
		return 0.25
	default:
		return 1.0
	}
}

// DiskPressure classifies filesystem free-space state.
type DiskPressure string

const (
	PressureNormal    DiskPressure = "NORMAL"
	PressureWarning   DiskPressure = "WARNING"
	PressureCritical  DiskPressure = "CRITICAL"
	PressureEmergency DiskPressure = "EMERGENCY"
)

// ClassifyPressure maps a free-space fraction (0..1) to a DiskPressure level.
func ClassifyPressure(freeFrac float64) DiskPressure {
	switch {
	case freeFrac < 0.05:
		return PressureEmergency
	case freeFrac < 0.10:
		return PressureCritical
	case freeFrac < 0.20:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// BufferStrategy selects how a stream's pre-event ring buffer is implemented.
type BufferStrategy string

const (
	BufferAuto         BufferStrategy = "auto"
	BufferNone         BufferStrategy = "none"
	BufferUpstream     BufferStrategy = "upstream"
	BufferHLSSegment   BufferStrategy = "hls_segment"
	BufferMemoryPacket BufferStrategy = "memory_packet"
	BufferMmapHybrid   BufferStrategy = "mmap_hybrid"
)

// IngestState is the state of a per-stream Stream Ingest Worker (component C).
type IngestState string

const (
	IngestIdle         IngestState = "IDLE"
	IngestConnecting   IngestState = "CONNECTING"
	IngestRunning      IngestState = "RUNNING"
	IngestReconnecting IngestState = "RECONNECTING"
	IngestStopping     IngestState = "STOPPING"
	IngestStopped      IngestState = "STOPPED"
)

// ControllerState is the state of a per-stream Recording Controller (component E).
type ControllerState string

const (
	ControllerOff        ControllerState = "OFF"
	ControllerArmed      ControllerState = "ARMED"
	ControllerBuffering  ControllerState = "BUFFERING"
	ControllerRecording  ControllerState = "RECORDING"
	ControllerPostRoll   ControllerState = "POST_ROLL"
	ControllerFinalizing ControllerState = "FINALIZING"
)

// Stream is the configuration and identity of one camera feed.
type Stream struct {
	Name                   string    `json:"name" db:"name"`
	SourceURL              string    `json:"source_url" db:"source_url"`
	Codec                  string    `json:"codec" db:"codec"`
	Width                  int       `json:"width" db:"width"`
	Height                 int       `json:"height" db:"height"`
	FPS                    float64   `json:"fps" db:"fps"`
	Priority               int       `json:"priority" db:"priority"`
	Protocol               string    `json:"protocol" db:"protocol"` // tcp, udp
	Username               string    `json:"username,omitempty" db:"username"`
	PasswordEncrypted      string    `json:"-" db:"password_encrypted"`
	Enabled                bool      `json:"enabled" db:"enabled"`
	Record                 bool      `json:"record" db:"record"`
	SegmentDurationSeconds int       `json:"segment_duration_seconds" db:"segment_duration_seconds"`
	DetectionModel         string    `json:"detection_model,omitempty" db:"detection_model"`
	DetectionThreshold     float64   `json:"detection_threshold" db:"detection_threshold"`
	DetectionInterval      int       `json:"detection_interval_seconds" db:"detection_interval_seconds"`
	PreDetectionBuffer     int       `json:"pre_detection_buffer_seconds" db:"pre_detection_buffer_seconds"`
	PostDetectionBuffer    int       `json:"post_detection_buffer_seconds" db:"post_detection_buffer_seconds"`
	ObjectFilter           string    `json:"object_filter,omitempty" db:"object_filter"` // comma set
	RetentionDays          int       `json:"retention_days" db:"retention_days"`
	DetectionRetentionDays int       `json:"detection_retention_days" db:"detection_retention_days"`
	MaxStorageMB           int64     `json:"max_storage_mb" db:"max_storage_mb"`
	CriticalMultiplier     float64   `json:"critical_multiplier" db:"critical_multiplier"`
	ImportantMultiplier    float64   `json:"important_multiplier" db:"important_multiplier"`
	EphemeralMultiplier    float64   `json:"ephemeral_multiplier" db:"ephemeral_multiplier"`
	Tags                   string    `json:"tags,omitempty" db:"tags"` // ordered comma set
	Schedule               string    `json:"schedule,omitempty" db:"schedule"`
	BufferStrategy         BufferStrategy `json:"buffer_strategy" db:"buffer_strategy"`
	ONVIFEndpoint          string    `json:"onvif_endpoint,omitempty" db:"onvif_endpoint"`
	Backchannel            bool      `json:"backchannel" db:"backchannel"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}

// NameRe (defined in validate.go) constrains Stream.Name to [A-Za-z0-9_-]{1,63}.

// Recording is one row per produced MP4 file.
type Recording struct {
	ID                     string      `json:"id" db:"id"`
	StreamName             string      `json:"stream_name" db:"stream_name"`
	FilePath               string      `json:"file_path" db:"file_path"`
	StartTime              time.Time   `json:"start_time" db:"start_time"`
	EndTime                *time.Time  `json:"end_time,omitempty" db:"end_time"`
	SizeBytes              int64       `json:"size_bytes" db:"size_bytes"`
	Width                  int         `json:"width" db:"width"`
	Height                 int         `json:"height" db:"height"`
	FPS                    float64     `json:"fps" db:"fps"`
	Codec                  string      `json:"codec" db:"codec"`
	IsComplete             bool        `json:"is_complete" db:"is_complete"`
	TriggerType            TriggerType `json:"trigger_type" db:"trigger_type"`
	Protected              bool        `json:"protected" db:"protected"`
	RetentionOverrideDays  *int        `json:"retention_override_days,omitempty" db:"retention_override_days"`
	RetentionTier          RetentionTier `json:"retention_tier" db:"retention_tier"`
	DiskPressureEligible   bool        `json:"disk_pressure_eligible" db:"disk_pressure_eligible"`
	Corrupt                bool        `json:"corrupt" db:"corrupt"`
	Thumbnail              string      `json:"thumbnail,omitempty" db:"thumbnail"`
	Checksum               string      `json:"checksum,omitempty" db:"checksum"`
	CreatedAt              time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at" db:"updated_at"`
}

// Detection is a timestamped detected object, optionally linked to a Recording.
type Detection struct {
	ID          string    `json:"id" db:"id"`
	StreamName  string    `json:"stream_name" db:"stream_name"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Label       string    `json:"label" db:"label"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	BBoxX       float64   `json:"bbox_x" db:"bbox_x"`
	BBoxY       float64   `json:"bbox_y" db:"bbox_y"`
	BBoxW       float64   `json:"bbox_w" db:"bbox_w"`
	BBoxH       float64   `json:"bbox_h" db:"bbox_h"`
	RecordingID *string   `json:"recording_id,omitempty" db:"recording_id"`
	TrackID     *string   `json:"track_id,omitempty" db:"track_id"`
	ZoneID      *string   `json:"zone_id,omitempty" db:"zone_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ZonePoint is one normalized vertex of a DetectionZone polygon.
type ZonePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectionZone is a per-stream polygon filtering which detections matter.
type DetectionZone struct {
	ID            string      `json:"id" db:"id"`
	StreamName    string      `json:"stream_name" db:"stream_name"`
	Name          string      `json:"name" db:"name"`
	Points        []ZonePoint `json:"points" db:"-"`
	Color         string      `json:"color" db:"color"`
	ClassFilter   string      `json:"class_filter,omitempty" db:"class_filter"`
	MinConfidence float64     `json:"min_confidence" db:"min_confidence"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// Event is an append-only audit-log row.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	StreamName string   `json:"stream_name,omitempty" db:"stream_name"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DailyStorageStat is a per (date, stream, tier) rollup row written by G's deep tier.
type DailyStorageStat struct {
	Date          string        `json:"date" db:"date"`
	StreamName    string        `json:"stream_name" db:"stream_name"`
	RetentionTier RetentionTier `json:"retention_tier" db:"retention_tier"`
	RecordingCount int          `json:"recording_count" db:"recording_count"`
	TotalBytes    int64         `json:"total_bytes" db:"total_bytes"`
}

// User is an account row satisfying the 0027-0030 schema contract.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	TOTPSecret   string    `json:"-" db:"totp_secret"`
	MFAEnabled   bool      `json:"mfa_enabled" db:"mfa_enabled"`
	Tags         string    `json:"tags,omitempty" db:"tags"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Session is a logged-in session row.
type Session struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
}

// RecordingMetadata holds extracted metadata from a recording file (ffprobe output).
type RecordingMetadata struct {
	Duration   float64 // seconds
	Codec      string
	Resolution string
	Bitrate    int
	FileSize   int64
	StartTime  time.Time
	EndTime    time.Time
}

// TimelineSegment represents one contiguous interval in timeline view.
type TimelineSegment struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Type         string    `json:"type"` // recording, gap
	HasEvents    bool      `json:"has_events"`
	EventCount   int       `json:"event_count"`
	RecordingIDs []string  `json:"recording_ids,omitempty"`
}

// Timeline represents timeline data for a stream.
type Timeline struct {
	StreamName string            `json:"stream_name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Segments   []TimelineSegment `json:"segments"`
	TotalSize  int64             `json:"total_size"`
	TotalHours float64           `json:"total_hours"`
}

// RecorderStatus holds the runtime status of one stream's ingest worker + writer.
type RecorderStatus struct {
	StreamName        string      `json:"stream_name"`
	IngestState       IngestState `json:"ingest_state"`
	ControllerState   ControllerState `json:"controller_state"`
	CurrentRecording  string      `json:"current_recording,omitempty"`
	RecordingStart    *time.Time  `json:"recording_start,omitempty"`
	BytesWritten      int64       `json:"bytes_written"`
	RecordingsCreated int         `json:"recordings_created"`
	Uptime            float64     `json:"uptime"` // seconds
	LastError         string      `json:"last_error,omitempty"`
	LastErrorTime     *time.Time  `json:"last_error_time,omitempty"`
}

// RetentionStats holds retention cleanup statistics for one cleanup-tier run.
type RetentionStats struct {
	RecordingsDeleted int       `json:"recordings_deleted"`
	BytesFreed        int64     `json:"bytes_freed"`
	OldestRemaining   time.Time `json:"oldest_remaining"`
	NewestRemaining   time.Time `json:"newest_remaining"`
}

// StorageStats holds storage statistics.
type StorageStats struct {
	TotalBytes      int64                   `json:"total_bytes"`
	UsedBytes       int64                   `json:"used_bytes"`
	AvailableBytes  int64                   `json:"available_bytes"`
	FreeFraction    float64                 `json:"free_fraction"`
	Pressure        DiskPressure            `json:"pressure"`
	RecordingCount  int                     `json:"recording_count"`
	ByStream        map[string]int64        `json:"by_stream"`
	ByTier          map[RetentionTier]int64 `json:"by_tier"`
}

// ListOptions holds options for listing recordings.
type ListOptions struct {
	StreamName    string
	StartTime     *time.Time
	EndTime       *time.Time
	HasDetection  *bool
	TriggerType   *TriggerType
	Protected     *bool
	Limit         int
	Offset        int
	OrderBy       string // start_time, stream_name, size_bytes
	OrderDesc     bool
}

// RecordingService defines the interface for recording management exposed to collaborators (K).
type RecordingService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	StartStream(ctx context.Context, streamName string) error
	StopStream(ctx context.Context, streamName string) error
	RestartStream(ctx context.Context, streamName string) error

	// CreateStream/UpdateStream/DeleteStream back the POST/PUT/DELETE /streams contract: they
	// validate and persist the Stream row, then start/restart/stop its worker set as needed.
	CreateStream(ctx context.Context, s Stream) error
	UpdateStream(ctx context.Context, s Stream) error
	DeleteStream(ctx context.Context, name string, permanent bool) error

	// StartManualRecording/StopManualRecording implement the manual trigger of the command API.
	StartManualRecording(ctx context.Context, streamName string) error
	StopManualRecording(ctx context.Context, streamName string) error

	// IngestDetection feeds a detection event into the recording controller for streamName,
	// returning the recording_id it was linked to, if any.
	IngestDetection(ctx context.Context, d Detection) (recordingID string, err error)

	GetRecording(ctx context.Context, id string) (*Recording, error)
	ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, int, error)
	DeleteRecording(ctx context.Context, id string) error

	GetTimeline(ctx context.Context, streamName string, start, end time.Time) (*Timeline, error)

	GetRecorderStatus(streamName string) (*RecorderStatus, error)
	GetAllRecorderStatus() map[string]*RecorderStatus
	GetStorageStats(ctx context.Context) (*StorageStats, error)

	RunRetention(ctx context.Context, forceAggressive bool) (*RetentionStats, error)
}

// Repository defines the interface for recording persistence (backed by component A).
type Repository interface {
	CreateRecording(ctx context.Context, r *Recording) error
	GetRecording(ctx context.Context, id string) (*Recording, error)
	UpdateRecording(ctx context.Context, r *Recording) error
	DeleteRecording(ctx context.Context, id string) error
	ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, int, error)

	DeleteRecordingsBefore(ctx context.Context, streamName string, tier RetentionTier, before time.Time, limit int) ([]Recording, error)
	DeleteDetectionLinkedBefore(ctx context.Context, streamName string, before time.Time, limit int) ([]Recording, error)
	ListIncomplete(ctx context.Context) ([]Recording, error)

	GetByTimeRange(ctx context.Context, streamName string, start, end time.Time) ([]Recording, error)
	GetOldestRecordings(ctx context.Context, streamName string, limit int) ([]Recording, error)
	GetOldestEligibleForPressure(ctx context.Context, limit int) ([]Recording, error)
	GetTotalSize(ctx context.Context, streamName string) (int64, error)
	GetRecordingCount(ctx context.Context, streamName string) (int, error)

	GetStorageByStream(ctx context.Context) (map[string]int64, error)
	GetStorageByTier(ctx context.Context) (map[RetentionTier]int64, error)

	InsertDetection(ctx context.Context, d *Detection) error
	DeleteDetectionsBefore(ctx context.Context, before time.Time, limit int) (int, error)

	InsertEvent(ctx context.Context, e *Event) error
	DeleteEventsBefore(ctx context.Context, before time.Time, limit int) (int, error)

	UpsertDailyStat(ctx context.Context, s DailyStorageStat) error
	DeleteDailyStatsBefore(ctx context.Context, before time.Time) (int, error)

	GetStream(ctx context.Context, name string) (*Stream, error)
	ListStreams(ctx context.Context, enabledOnly bool) ([]Stream, error)
	UpsertStream(ctx context.Context, s *Stream) error
	DeleteStream(ctx context.Context, name string, permanent bool) error

	CreateZone(ctx context.Context, z *DetectionZone) error
	GetZone(ctx context.Context, id string) (*DetectionZone, error)
	ListZones(ctx context.Context, streamName string) ([]DetectionZone, error)
	UpdateZone(ctx context.Context, z *DetectionZone) error
	DeleteZone(ctx context.Context, id string) error
}

// RingBuffer defines the interface for pre-event packet buffering (component B).
type RingBuffer interface {
	WritePacket(p Packet) error
	SnapshotFrom(since time.Time) []Packet
	Duration() time.Duration
	Size() int64
	Clear()
	Close() error
}

// SegmentHandler defines the interface for recording file operations (component D helper).
type SegmentHandler interface {
	CreatePath(streamName string, startTime time.Time, trigger TriggerType) string
	ExtractMetadata(filePath string) (*RecordingMetadata, error)
	GenerateThumbnail(recordingPath, thumbnailPath string, offsetSeconds float64) error
	CalculateChecksum(filePath string) (string, error)
	ValidateSegment(filePath string) error
	MergeSegments(paths []string, outputPath string) error
	Delete(r *Recording) error
}

// FFmpegConfig holds FFmpeg process configuration.
type FFmpegConfig struct {
	InputURL        string
	OutputPath      string
	SegmentDuration int    // seconds
	Codec           string // copy, libx264, etc.
	HWAccel         string // cuda, vaapi, videotoolbox, etc.
	ExtraArgs       []string
}

// StreamInfo holds information about a video stream, as reported by ffprobe.
type StreamInfo struct {
	Codec      string
	Width      int
	Height     int
	FPS        float64
	Bitrate    int
	Duration   float64
	HasAudio   bool
	AudioCodec string
}
