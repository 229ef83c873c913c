package recording

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keepframe/corenvr/internal/database"
)

// SQLiteRepository implements Repository against the schema built up by the database package's
// migrations (see internal/database/migrations).
type SQLiteRepository struct {
	db   *database.DB
	proj *database.Projection
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// WithProjection makes the repository's SELECTs schema-aware: columns the running database has
// not yet gained (a partially migrated or operator-downgraded schema) are substituted with their
// defaults instead of erroring. Without a projection, the full column list is used verbatim.
func (r *SQLiteRepository) WithProjection(p *database.Projection) *SQLiteRepository {
	r.proj = p
	return r
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

func nullIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtrFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullStringPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtrFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// recordingCols is the recordings SELECT shape, in scanRecording order. Defaults cover the
// columns added by later migrations so a projection-aware SELECT degrades instead of erroring.
var recordingCols = []database.Column{
	{Name: "id"}, {Name: "stream_name"}, {Name: "file_path"}, {Name: "start_time"},
	{Name: "end_time"}, {Name: "size_bytes", Default: "0"}, {Name: "width", Default: "0"},
	{Name: "height", Default: "0"}, {Name: "fps", Default: "0"}, {Name: "codec", Default: "''"},
	{Name: "is_complete", Default: "0"}, {Name: "trigger_type", Default: "'scheduled'"},
	{Name: "protected", Default: "0"}, {Name: "retention_override_days"},
	{Name: "retention_tier", Default: "2"}, {Name: "disk_pressure_eligible", Default: "0"},
	{Name: "corrupt", Default: "0"}, {Name: "thumbnail"}, {Name: "checksum"},
	{Name: "created_at", Default: "0"}, {Name: "updated_at", Default: "0"},
}

var recordingColumns = joinColumnNames(recordingCols)

func joinColumnNames(cols []database.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.Name
	}
	return strings.Join(parts, ", ")
}

// recordingSelect returns the recordings SELECT list, projection-aware when one is attached.
func (r *SQLiteRepository) recordingSelect() string {
	if r.proj == nil {
		return recordingColumns
	}
	return r.proj.SelectList("recordings", recordingCols)
}

func scanRecording(row interface{ Scan(...any) error }) (*Recording, error) {
	var rec Recording
	var startTime, createdAt, updatedAt int64
	var endTime sql.NullInt64
	var isComplete, protected, diskPressureEligible, corrupt int
	var retentionOverrideDays sql.NullInt64
	var thumbnail, checksum sql.NullString

	if err := row.Scan(
		&rec.ID, &rec.StreamName, &rec.FilePath, &startTime, &endTime, &rec.SizeBytes,
		&rec.Width, &rec.Height, &rec.FPS, &rec.Codec,
		&isComplete, &rec.TriggerType, &protected, &retentionOverrideDays, &rec.RetentionTier,
		&diskPressureEligible, &corrupt, &thumbnail, &checksum, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	rec.StartTime = time.Unix(startTime, 0)
	rec.EndTime = timePtrFromNull(endTime)
	rec.IsComplete = isComplete == 1
	rec.Protected = protected == 1
	rec.RetentionOverrideDays = intPtrFromNull(retentionOverrideDays)
	rec.DiskPressureEligible = diskPressureEligible == 1
	rec.Corrupt = corrupt == 1
	rec.Thumbnail = thumbnail.String
	rec.Checksum = checksum.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	return &rec, nil
}

// CreateRecording inserts a new recording row, assigning an ID if unset.
func (r *SQLiteRepository) CreateRecording(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recordings (
			id, stream_name, file_path, start_time, end_time, size_bytes, width, height, fps,
			codec, is_complete, trigger_type, protected, retention_override_days, retention_tier,
			disk_pressure_eligible, corrupt, thumbnail, checksum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.StreamName, rec.FilePath, rec.StartTime.Unix(), nullTime(rec.EndTime),
		rec.SizeBytes, rec.Width, rec.Height, rec.FPS, rec.Codec,
		boolToInt(rec.IsComplete), rec.TriggerType, boolToInt(rec.Protected),
		nullIntPtr(rec.RetentionOverrideDays), rec.RetentionTier,
		boolToInt(rec.DiskPressureEligible), boolToInt(rec.Corrupt),
		nullStringPtr(strPtrOrNil(rec.Thumbnail)), nullStringPtr(strPtrOrNil(rec.Checksum)),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	return err
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetRecording retrieves a recording by ID.
func (r *SQLiteRepository) GetRecording(ctx context.Context, id string) (*Recording, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+r.recordingSelect()+" FROM recordings WHERE id = ?", id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecording updates an existing recording row.
func (r *SQLiteRepository) UpdateRecording(ctx context.Context, rec *Recording) error {
	rec.UpdatedAt = time.Now()

	result, err := r.db.ExecContext(ctx, `
		UPDATE recordings SET
			stream_name = ?, file_path = ?, start_time = ?, end_time = ?, size_bytes = ?,
			width = ?, height = ?, fps = ?, codec = ?, is_complete = ?, trigger_type = ?,
			protected = ?, retention_override_days = ?, retention_tier = ?,
			disk_pressure_eligible = ?, corrupt = ?, thumbnail = ?, checksum = ?, updated_at = ?
		WHERE id = ?
	`,
		rec.StreamName, rec.FilePath, rec.StartTime.Unix(), nullTime(rec.EndTime), rec.SizeBytes,
		rec.Width, rec.Height, rec.FPS, rec.Codec, boolToInt(rec.IsComplete), rec.TriggerType,
		boolToInt(rec.Protected), nullIntPtr(rec.RetentionOverrideDays), rec.RetentionTier,
		boolToInt(rec.DiskPressureEligible), boolToInt(rec.Corrupt),
		nullStringPtr(strPtrOrNil(rec.Thumbnail)), nullStringPtr(strPtrOrNil(rec.Checksum)),
		rec.UpdatedAt.Unix(), rec.ID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("recording not found: %s", rec.ID)
	}
	return nil
}

// DeleteRecording removes a recording row by ID.
func (r *SQLiteRepository) DeleteRecording(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM recordings WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("recording not found: %s", id)
	}
	return nil
}

// ListRecordings retrieves recordings with filtering and pagination.
func (r *SQLiteRepository) ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, int, error) {
	var conditions []string
	var args []any

	if opts.StreamName != "" {
		conditions = append(conditions, "stream_name = ?")
		args = append(args, opts.StreamName)
	}
	if opts.StartTime != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, opts.StartTime.Unix())
	}
	if opts.EndTime != nil {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, opts.EndTime.Unix())
	}
	if opts.HasDetection != nil {
		if *opts.HasDetection {
			conditions = append(conditions, "id IN (SELECT recording_id FROM detections WHERE recording_id IS NOT NULL)")
		} else {
			conditions = append(conditions, "id NOT IN (SELECT recording_id FROM detections WHERE recording_id IS NOT NULL)")
		}
	}
	if opts.TriggerType != nil {
		conditions = append(conditions, "trigger_type = ?")
		args = append(args, *opts.TriggerType)
	}
	if opts.Protected != nil {
		conditions = append(conditions, "protected = ?")
		args = append(args, boolToInt(*opts.Protected))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM recordings " + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := "start_time"
	switch opts.OrderBy {
	case "start_time", "stream_name", "size_bytes":
		orderBy = opts.OrderBy
	}
	orderDir := "ASC"
	if opts.OrderDesc {
		orderDir = "DESC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM recordings %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, r.recordingSelect(), whereClause, orderBy, orderDir)
	args = append(args, limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recordings, err := scanRecordings(rows)
	if err != nil {
		return nil, 0, err
	}
	return recordings, total, nil
}

func scanRecordings(rows *sql.Rows) ([]Recording, error) {
	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteRecordingsBefore deletes at most limit complete, non-protected recordings for
// streamName/tier aged out before the cutoff, returning the deleted rows (for byte-freed
// accounting). Recordings with linked detections are left to DeleteDetectionLinkedBefore, which
// applies the stream's detection retention window instead.
func (r *SQLiteRepository) DeleteRecordingsBefore(ctx context.Context, streamName string, tier RetentionTier, before time.Time, limit int) ([]Recording, error) {
	var deleted []Recording

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+r.recordingSelect()+` FROM recordings
			WHERE stream_name = ? AND retention_tier = ? AND protected = 0 AND is_complete = 1
			  AND COALESCE(end_time, start_time) < ?
			  AND id NOT IN (SELECT recording_id FROM detections WHERE recording_id IS NOT NULL)
			ORDER BY start_time ASC
			LIMIT ?
		`, streamName, tier, before.Unix(), limit)
		if err != nil {
			return err
		}
		candidates, err := scanRecordings(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		args := make([]any, len(candidates))
		for i, c := range candidates {
			ids[i] = "?"
			args[i] = c.ID
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM recordings WHERE id IN (%s)", strings.Join(ids, ",")), args...)
		if err != nil {
			return err
		}
		deleted = candidates
		return nil
	})

	return deleted, err
}

// DeleteDetectionLinkedBefore deletes at most limit complete, non-protected recordings for
// streamName that have linked detections and aged out past the stream's detection retention
// window, returning the deleted rows. The FK from detections.recording_id nulls out on delete.
func (r *SQLiteRepository) DeleteDetectionLinkedBefore(ctx context.Context, streamName string, before time.Time, limit int) ([]Recording, error) {
	var deleted []Recording

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+r.recordingSelect()+` FROM recordings
			WHERE stream_name = ? AND protected = 0 AND is_complete = 1
			  AND COALESCE(end_time, start_time) < ?
			  AND id IN (SELECT recording_id FROM detections WHERE recording_id IS NOT NULL)
			ORDER BY start_time ASC
			LIMIT ?
		`, streamName, before.Unix(), limit)
		if err != nil {
			return err
		}
		candidates, err := scanRecordings(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		args := make([]any, len(candidates))
		for i, c := range candidates {
			ids[i] = "?"
			args[i] = c.ID
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM recordings WHERE id IN (%s)", strings.Join(ids, ",")), args...)
		if err != nil {
			return err
		}
		deleted = candidates
		return nil
	})

	return deleted, err
}

// ListIncomplete returns every recording with is_complete=false, for crash-recovery scans at
// startup (a writer that died mid-file leaves its row open).
func (r *SQLiteRepository) ListIncomplete(ctx context.Context) ([]Recording, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+r.recordingSelect()+" FROM recordings WHERE is_complete = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// GetByTimeRange retrieves recordings overlapping [start, end) for a stream, for timeline/HLS use.
func (r *SQLiteRepository) GetByTimeRange(ctx context.Context, streamName string, start, end time.Time) ([]Recording, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+r.recordingSelect()+` FROM recordings
		WHERE stream_name = ? AND start_time < ? AND (end_time IS NULL OR end_time > ?)
		ORDER BY start_time ASC
	`, streamName, end.Unix(), start.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// GetOldestRecordings retrieves the oldest recordings for a stream.
func (r *SQLiteRepository) GetOldestRecordings(ctx context.Context, streamName string, limit int) ([]Recording, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+r.recordingSelect()+` FROM recordings
		WHERE stream_name = ? AND is_complete = 1
		ORDER BY start_time ASC
		LIMIT ?
	`, streamName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// GetOldestEligibleForPressure returns the oldest disk_pressure_eligible, non-protected
// recordings across all streams, for the Storage Controller's pressure-driven eviction.
func (r *SQLiteRepository) GetOldestEligibleForPressure(ctx context.Context, limit int) ([]Recording, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+r.recordingSelect()+` FROM recordings
		WHERE disk_pressure_eligible = 1 AND protected = 0 AND is_complete = 1
		ORDER BY start_time ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// GetTotalSize returns the total size of recordings for a stream.
func (r *SQLiteRepository) GetTotalSize(ctx context.Context, streamName string) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM recordings WHERE stream_name = ?", streamName).Scan(&total)
	return total.Int64, err
}

// GetRecordingCount returns the number of recordings for a stream.
func (r *SQLiteRepository) GetRecordingCount(ctx context.Context, streamName string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recordings WHERE stream_name = ?", streamName).Scan(&count)
	return count, err
}

// GetStorageByStream returns total storage used by each stream.
func (r *SQLiteRepository) GetStorageByStream(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stream_name, SUM(size_bytes) FROM recordings GROUP BY stream_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var streamName string
		var total int64
		if err := rows.Scan(&streamName, &total); err != nil {
			return nil, err
		}
		result[streamName] = total
	}
	return result, rows.Err()
}

// GetStorageByTier returns total storage used by each retention tier.
func (r *SQLiteRepository) GetStorageByTier(ctx context.Context) (map[RetentionTier]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT retention_tier, SUM(size_bytes) FROM recordings GROUP BY retention_tier
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[RetentionTier]int64)
	for rows.Next() {
		var tier RetentionTier
		var total int64
		if err := rows.Scan(&tier, &total); err != nil {
			return nil, err
		}
		result[tier] = total
	}
	return result, rows.Err()
}

// InsertDetection inserts a detection row, assigning an ID if unset.
func (r *SQLiteRepository) InsertDetection(ctx context.Context, d *Detection) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO detections (
			id, stream_name, timestamp, label, confidence, bbox_x, bbox_y, bbox_w, bbox_h,
			recording_id, track_id, zone_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.StreamName, d.Timestamp.Unix(), d.Label, d.Confidence,
		d.BBoxX, d.BBoxY, d.BBoxW, d.BBoxH,
		nullStringPtr(d.RecordingID), nullStringPtr(d.TrackID), nullStringPtr(d.ZoneID),
		d.CreatedAt.Unix(),
	)
	return err
}

// DeleteDetectionsBefore deletes at most limit detections older than before.
func (r *SQLiteRepository) DeleteDetectionsBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM detections WHERE id IN (
			SELECT id FROM detections WHERE timestamp < ? ORDER BY timestamp ASC LIMIT ?
		)
	`, before.Unix(), limit)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// InsertEvent inserts an audit-log event row, assigning an ID if unset.
func (r *SQLiteRepository) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, stream_name, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Kind, nullStringPtr(strPtrOrNil(e.StreamName)), e.Message, e.CreatedAt.Unix())
	return err
}

// DeleteEventsBefore deletes at most limit events older than before.
func (r *SQLiteRepository) DeleteEventsBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events WHERE created_at < ? ORDER BY created_at ASC LIMIT ?
		)
	`, before.Unix(), limit)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// UpsertDailyStat writes or replaces one (day, stream, tier) rollup row.
func (r *SQLiteRepository) UpsertDailyStat(ctx context.Context, s DailyStorageStat) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO storage_daily_stats (day, stream_name, retention_tier, bytes_written, recording_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day, stream_name, retention_tier) DO UPDATE SET
			bytes_written = excluded.bytes_written,
			recording_count = excluded.recording_count
	`, s.Date, s.StreamName, s.RetentionTier, s.TotalBytes, s.RecordingCount)
	return err
}

// DeleteDailyStatsBefore deletes rollup rows for days strictly before the given cutoff day
// (formatted "YYYY-MM-DD", matching the day column's string ordering).
func (r *SQLiteRepository) DeleteDailyStatsBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM storage_daily_stats WHERE day < ?
	`, before.Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// CreateZone inserts a detection zone, assigning an ID if unset.
func (r *SQLiteRepository) CreateZone(ctx context.Context, z *DetectionZone) error {
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	if z.CreatedAt.IsZero() {
		z.CreatedAt = time.Now()
	}
	pointsJSON, err := json.Marshal(z.Points)
	if err != nil {
		return fmt.Errorf("marshal zone points: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO detection_zones (id, stream_name, name, points_json, color, class_filter, min_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, z.ID, z.StreamName, z.Name, string(pointsJSON), z.Color, z.ClassFilter, z.MinConfidence, z.CreatedAt.Unix())
	return err
}

// GetZone returns a single detection zone by ID.
func (r *SQLiteRepository) GetZone(ctx context.Context, id string) (*DetectionZone, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, stream_name, name, points_json, color, class_filter, min_confidence, created_at
		FROM detection_zones WHERE id = ?
	`, id)
	return scanZone(row)
}

// ListZones returns every detection zone configured for a stream.
func (r *SQLiteRepository) ListZones(ctx context.Context, streamName string) ([]DetectionZone, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, stream_name, name, points_json, color, class_filter, min_confidence, created_at
		FROM detection_zones WHERE stream_name = ? ORDER BY name ASC
	`, streamName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []DetectionZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

// UpdateZone replaces an existing detection zone's fields.
func (r *SQLiteRepository) UpdateZone(ctx context.Context, z *DetectionZone) error {
	pointsJSON, err := json.Marshal(z.Points)
	if err != nil {
		return fmt.Errorf("marshal zone points: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE detection_zones SET name = ?, points_json = ?, color = ?, class_filter = ?, min_confidence = ?
		WHERE id = ?
	`, z.Name, string(pointsJSON), z.Color, z.ClassFilter, z.MinConfidence, z.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("zone not found: %s", z.ID)
	}
	return nil
}

// DeleteZone removes a detection zone by ID.
func (r *SQLiteRepository) DeleteZone(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM detection_zones WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("zone not found: %s", id)
	}
	return nil
}

func scanZone(row interface{ Scan(...any) error }) (*DetectionZone, error) {
	var z DetectionZone
	var pointsJSON string
	var classFilter sql.NullString
	var createdAt int64
	if err := row.Scan(&z.ID, &z.StreamName, &z.Name, &pointsJSON, &z.Color, &classFilter, &z.MinConfidence, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("zone not found")
		}
		return nil, err
	}
	z.ClassFilter = classFilter.String
	z.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(pointsJSON), &z.Points); err != nil {
		return nil, fmt.Errorf("unmarshal zone points: %w", err)
	}
	return &z, nil
}

// streamCols is the streams SELECT shape, in scanStream order, with defaults for the columns
// later migrations added (protocol 0005, retention 0013-0015, buffer/schedule 0022/0024, tags
// 0019).
var streamCols = []database.Column{
	{Name: "name"}, {Name: "source_url"}, {Name: "codec", Default: "''"},
	{Name: "width", Default: "0"}, {Name: "height", Default: "0"}, {Name: "fps", Default: "0"},
	{Name: "priority", Default: "5"}, {Name: "protocol", Default: "'tcp'"}, {Name: "username"},
	{Name: "password_encrypted", Default: "''"}, {Name: "enabled", Default: "1"},
	{Name: "record", Default: "1"}, {Name: "segment_duration_seconds", Default: "300"},
	{Name: "detection_model", Default: "''"}, {Name: "detection_threshold", Default: "0.5"},
	{Name: "detection_interval_seconds", Default: "1"},
	{Name: "pre_detection_buffer_seconds", Default: "0"},
	{Name: "post_detection_buffer_seconds", Default: "0"}, {Name: "object_filter"},
	{Name: "retention_days", Default: "30"}, {Name: "detection_retention_days", Default: "60"},
	{Name: "max_storage_mb", Default: "0"}, {Name: "critical_multiplier", Default: "3.0"},
	{Name: "important_multiplier", Default: "2.0"}, {Name: "ephemeral_multiplier", Default: "0.25"},
	{Name: "tags"}, {Name: "schedule_json"}, {Name: "buffer_strategy", Default: "'auto'"},
	{Name: "onvif_endpoint", Default: "''"}, {Name: "backchannel", Default: "0"},
	{Name: "created_at", Default: "0"}, {Name: "updated_at", Default: "0"},
}

var streamColumns = joinColumnNames(streamCols)

// streamSelect returns the streams SELECT list, projection-aware when one is attached.
func (r *SQLiteRepository) streamSelect() string {
	if r.proj == nil {
		return streamColumns
	}
	return r.proj.SelectList("streams", streamCols)
}

func scanStream(row interface{ Scan(...any) error }) (*Stream, error) {
	var s Stream
	var enabled, record, backchannel int
	var username, objectFilter, tags, schedule sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&s.Name, &s.SourceURL, &s.Codec, &s.Width, &s.Height, &s.FPS, &s.Priority, &s.Protocol,
		&username, &s.PasswordEncrypted, &enabled, &record, &s.SegmentDurationSeconds,
		&s.DetectionModel, &s.DetectionThreshold, &s.DetectionInterval, &s.PreDetectionBuffer,
		&s.PostDetectionBuffer, &objectFilter, &s.RetentionDays, &s.DetectionRetentionDays,
		&s.MaxStorageMB, &s.CriticalMultiplier, &s.ImportantMultiplier, &s.EphemeralMultiplier,
		&tags, &schedule, &s.BufferStrategy, &s.ONVIFEndpoint, &backchannel, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	s.Username = username.String
	s.Enabled = enabled == 1
	s.Record = record == 1
	s.ObjectFilter = objectFilter.String
	s.Tags = tags.String
	s.Schedule = schedule.String
	s.Backchannel = backchannel == 1
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)

	return &s, nil
}

// GetStream retrieves a stream by name.
func (r *SQLiteRepository) GetStream(ctx context.Context, name string) (*Stream, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+r.streamSelect()+" FROM streams WHERE name = ?", name)
	s, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stream not found: %s", name)
	}
	return s, err
}

// ListStreams retrieves streams, optionally restricted to enabled ones.
func (r *SQLiteRepository) ListStreams(ctx context.Context, enabledOnly bool) ([]Stream, error) {
	query := "SELECT " + r.streamSelect() + " FROM streams"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpsertStream creates or replaces a stream's configuration row.
func (r *SQLiteRepository) UpsertStream(ctx context.Context, s *Stream) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO streams (
			name, source_url, codec, width, height, fps, priority, protocol, username,
			password_encrypted, enabled, record, segment_duration_seconds, detection_model,
			detection_threshold, detection_interval_seconds, pre_detection_buffer_seconds,
			post_detection_buffer_seconds, object_filter, retention_days,
			detection_retention_days, max_storage_mb, critical_multiplier, important_multiplier,
			ephemeral_multiplier, tags, schedule_json, buffer_strategy, onvif_endpoint,
			backchannel, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source_url = excluded.source_url, codec = excluded.codec, width = excluded.width,
			height = excluded.height, fps = excluded.fps, priority = excluded.priority,
			protocol = excluded.protocol, username = excluded.username,
			password_encrypted = excluded.password_encrypted, enabled = excluded.enabled,
			record = excluded.record, segment_duration_seconds = excluded.segment_duration_seconds,
			detection_model = excluded.detection_model,
			detection_threshold = excluded.detection_threshold,
			detection_interval_seconds = excluded.detection_interval_seconds,
			pre_detection_buffer_seconds = excluded.pre_detection_buffer_seconds,
			post_detection_buffer_seconds = excluded.post_detection_buffer_seconds,
			object_filter = excluded.object_filter, retention_days = excluded.retention_days,
			detection_retention_days = excluded.detection_retention_days,
			max_storage_mb = excluded.max_storage_mb,
			critical_multiplier = excluded.critical_multiplier,
			important_multiplier = excluded.important_multiplier,
			ephemeral_multiplier = excluded.ephemeral_multiplier, tags = excluded.tags,
			schedule_json = excluded.schedule_json, buffer_strategy = excluded.buffer_strategy,
			onvif_endpoint = excluded.onvif_endpoint, backchannel = excluded.backchannel,
			updated_at = excluded.updated_at
	`,
		s.Name, s.SourceURL, s.Codec, s.Width, s.Height, s.FPS, s.Priority, s.Protocol,
		nullStringPtr(strPtrOrNil(s.Username)), s.PasswordEncrypted, boolToInt(s.Enabled),
		boolToInt(s.Record), s.SegmentDurationSeconds, s.DetectionModel, s.DetectionThreshold,
		s.DetectionInterval, s.PreDetectionBuffer, s.PostDetectionBuffer,
		nullStringPtr(strPtrOrNil(s.ObjectFilter)), s.RetentionDays, s.DetectionRetentionDays,
		s.MaxStorageMB, s.CriticalMultiplier, s.ImportantMultiplier, s.EphemeralMultiplier,
		nullStringPtr(strPtrOrNil(s.Tags)), nullStringPtr(strPtrOrNil(s.Schedule)),
		s.BufferStrategy, nullStringPtr(strPtrOrNil(s.ONVIFEndpoint)), boolToInt(s.Backchannel),
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	return err
}

// DeleteStream removes a stream. permanent also cascades to its recordings, detections and
// zones (ON DELETE CASCADE); a non-permanent delete only disables it, preserving history.
func (r *SQLiteRepository) DeleteStream(ctx context.Context, name string, permanent bool) error {
	if !permanent {
		_, err := r.db.ExecContext(ctx, "UPDATE streams SET enabled = 0, record = 0 WHERE name = ?", name)
		return err
	}
	_, err := r.db.ExecContext(ctx, "DELETE FROM streams WHERE name = ?", name)
	return err
}

// Fragmentation, IncrementalVacuum and QuickCheck forward to the underlying database handle so
// the Storage Controller's deep tier can run maintenance through its Repository reference.
func (r *SQLiteRepository) Fragmentation(ctx context.Context) (float64, error) {
	return r.db.Fragmentation(ctx)
}

func (r *SQLiteRepository) IncrementalVacuum(ctx context.Context) error {
	return r.db.IncrementalVacuum(ctx)
}

func (r *SQLiteRepository) QuickCheck(ctx context.Context) (bool, string, error) {
	return r.db.QuickCheck(ctx)
}
