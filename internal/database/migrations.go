package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration represents one schema version, paired with its up and down scripts.
type Migration struct {
	Version   int
	Name      string
	Up        string
	Down      string
	AppliedAt time.Time
}

// projectionTables lists every table a Projection snapshot tracks column existence for, kept
// in one place so Up/Down refresh the same set a repository built against Projection expects.
var projectionTables = []string{
	"streams", "recordings", "detections", "detection_zones", "events",
	"storage_daily_stats", "users", "sessions",
}

// Migrator handles database migrations: applying embedded and filesystem-provided migrations
// in version order, and rolling back the most recently applied versions.
type Migrator struct {
	db         *DB
	extraDir   string
	logger     *slog.Logger
	projection *Projection
}

// NewMigrator creates a new migrator. extraDir, if non-empty, is scanned for additional
// migrations layered on top of the embedded set (db/migrations under the config directory).
// proj, if non-nil, is refreshed after every Up/Down so repositories built on it never read a
// stale column-existence snapshot across a migration.
func NewMigrator(db *DB, extraDir string, proj *Projection) *Migrator {
	return &Migrator{
		db:         db,
		extraDir:   extraDir,
		logger:     slog.Default().With("component", "migrator"),
		projection: proj,
	}
}

func (m *Migrator) refreshProjection(ctx context.Context) {
	if m.projection == nil {
		return
	}
	if err := m.projection.Refresh(ctx, projectionTables...); err != nil {
		m.logger.Warn("failed to refresh column projection after migration", "error", err)
	}
}

// Up applies all pending migrations in ascending version order.
func (m *Migrator) Up(ctx context.Context) error {
	m.logger.Info("running database migrations")

	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	available, err := m.getAvailableMigrations()
	if err != nil {
		return err
	}

	for _, migration := range available {
		if _, ok := applied[migration.Version]; ok {
			continue
		}

		if err := m.applyOne(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		m.logger.Info("applied migration", "version", migration.Version, "name", migration.Name)
	}

	m.logger.Info("database migrations completed")
	m.refreshProjection(ctx)
	return nil
}

// Down rolls back the n most recently applied versions, in reverse order. A version whose
// down script is empty is accepted silently: some DDL is not cleanly reversible on this engine
// and its down migration is a documented no-op.
func (m *Migrator) Down(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	applied, err := m.getAppliedMigrationsOrdered(ctx)
	if err != nil {
		return err
	}
	if n > len(applied) {
		n = len(applied)
	}

	available, err := m.getAvailableMigrations()
	if err != nil {
		return err
	}
	byVersion := make(map[int]Migration, len(available))
	for _, mig := range available {
		byVersion[mig.Version] = mig
	}

	for i := 0; i < n; i++ {
		version := applied[len(applied)-1-i]
		mig, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("down migration %d: script not found", version)
		}
		if err := m.revertOne(ctx, mig); err != nil {
			return fmt.Errorf("down migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("reverted migration", "version", mig.Version, "name", mig.Name)
	}

	m.refreshProjection(ctx)
	return nil
}

// GetStatus returns every known migration annotated with its applied_at time, if applied.
func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	available, err := m.getAvailableMigrations()
	if err != nil {
		return nil, err
	}

	result := make([]Migration, 0, len(available))
	for _, migration := range available {
		if appliedAt, ok := applied[migration.Version]; ok {
			migration.AppliedAt = appliedAt
		}
		result = append(result, migration)
	}

	return result, nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt int64
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		result[version] = time.Unix(appliedAt, 0)
	}

	return result, rows.Err()
}

func (m *Migrator) getAppliedMigrationsOrdered(ctx context.Context) ([]int, error) {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// getAvailableMigrations reads embedded migrations and merges in any filesystem migrations
// under m.extraDir, keyed by version (a filesystem migration with the same version as an
// embedded one overrides it, allowing an operator override without a binary rebuild).
func (m *Migrator) getAvailableMigrations() ([]Migration, error) {
	byVersion := make(map[int]Migration)

	if err := m.collectFrom(migrationsFS, "migrations", byVersion); err != nil {
		return nil, err
	}

	if m.extraDir != "" {
		if _, err := os.Stat(m.extraDir); err == nil {
			if err := m.collectFrom(os.DirFS(m.extraDir), ".", byVersion); err != nil {
				return nil, err
			}
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	return migrations, nil
}

// collectFrom reads a directory of "<version>_<name>.up.sql" / "<version>_<name>.down.sql"
// pairs from fsys and merges them into byVersion.
func (m *Migrator) collectFrom(fsys fs.FS, dir string, byVersion map[int]Migration) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		base := strings.TrimSuffix(entry.Name(), ".up.sql")
		parts := strings.SplitN(base, "_", 2)
		if len(parts) < 2 {
			m.logger.Warn("invalid migration filename", "file", entry.Name())
			continue
		}

		version, err := strconv.Atoi(parts[0])
		if err != nil {
			m.logger.Warn("invalid migration version", "file", entry.Name())
			continue
		}

		upContent, err := fs.ReadFile(fsys, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		var downContent []byte
		downName := base + ".down.sql"
		if b, err := fs.ReadFile(fsys, filepath.Join(dir, downName)); err == nil {
			downContent = b
		}

		byVersion[version] = Migration{
			Version: version,
			Name:    parts[1],
			Up:      string(upContent),
			Down:    string(downContent),
		}
	}

	return nil
}

func (m *Migrator) applyOne(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version, migration.Name,
		)
		return err
	})
}

func (m *Migrator) revertOne(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if strings.TrimSpace(migration.Down) != "" {
			if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version)
		return err
	})
}
