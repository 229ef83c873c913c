package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewMigrator(t *testing.T) {
	db := openTestDB(t)

	migrator := NewMigrator(db, "", nil)
	if migrator == nil {
		t.Fatal("NewMigrator returned nil")
	}
	if migrator.db != db {
		t.Error("Migrator db not set correctly")
	}
	if migrator.logger == nil {
		t.Error("Migrator logger should be set")
	}
}

func TestMigrator_Up(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one applied migration row")
	}

	// Running again should be idempotent.
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Second Up failed: %v", err)
	}
}

func TestMigrator_GetStatus(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	status, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status) == 0 {
		t.Error("expected at least one migration in status")
	}

	for _, m := range status {
		if m.AppliedAt.IsZero() {
			t.Errorf("migration %d should have AppliedAt set", m.Version)
		}
		if m.Name == "" {
			t.Errorf("migration %d should have Name set", m.Version)
		}
	}
}

func TestMigrator_ensureMigrationsTable(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("ensureMigrationsTable failed: %v", err)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&name); err != nil {
		t.Fatalf("schema_migrations table should exist: %v", err)
	}

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("second ensureMigrationsTable failed: %v", err)
	}
}

func TestMigrator_getAppliedMigrations(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("ensureMigrationsTable failed: %v", err)
	}

	applied, err := migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied migrations, got %d", len(applied))
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (1, 'test', ?)", time.Now().Unix()); err != nil {
		t.Fatalf("failed to insert test migration: %v", err)
	}

	applied, err = migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(applied))
	}
	if _, ok := applied[1]; !ok {
		t.Error("expected migration version 1 to be in applied map")
	}
}

func TestMigrator_getAvailableMigrations(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	migrations, err := migrator.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations failed: %v", err)
	}
	if len(migrations) == 0 {
		t.Error("expected at least one available migration")
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Error("migrations should be sorted by version ascending")
		}
	}

	for _, m := range migrations {
		if m.Version == 0 {
			t.Error("migration version should not be 0")
		}
		if m.Name == "" {
			t.Error("migration name should not be empty")
		}
		if m.Up == "" {
			t.Error("migration Up should not be empty")
		}
	}
}

func TestMigrator_getAvailableMigrations_FilesystemOverridesEmbedded(t *testing.T) {
	db := openTestDB(t)
	extraDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(extraDir, "0001_initial_schema.up.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("failed to write override migration: %v", err)
	}

	migrator := NewMigrator(db, extraDir, nil)
	migrations, err := migrator.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations failed: %v", err)
	}

	found := false
	for _, m := range migrations {
		if m.Version == 1 {
			found = true
			if m.Up != "SELECT 1;" {
				t.Errorf("expected filesystem migration to override embedded version 1, got %q", m.Up)
			}
		}
	}
	if !found {
		t.Fatal("expected version 1 in available migrations")
	}
}

func TestMigration_Struct(t *testing.T) {
	now := time.Now()
	m := Migration{
		Version:   1,
		Name:      "initial_schema",
		Up:        "CREATE TABLE test (id INTEGER PRIMARY KEY);",
		Down:      "DROP TABLE test;",
		AppliedAt: now,
	}

	if m.Version != 1 {
		t.Errorf("expected Version 1, got %d", m.Version)
	}
	if m.Name != "initial_schema" {
		t.Errorf("expected Name 'initial_schema', got %s", m.Name)
	}
	if m.Up == "" {
		t.Error("Up should not be empty")
	}
	if m.AppliedAt.IsZero() {
		t.Error("AppliedAt should be set")
	}
}

func TestMigrator_UpMigrationOrder(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	applied, err := migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}

	available, err := migrator.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations failed: %v", err)
	}

	for _, m := range available {
		if _, ok := applied[m.Version]; !ok {
			t.Errorf("migration %d should be applied", m.Version)
		}
	}
}

func TestMigrator_Down(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	before, err := migrator.getAppliedMigrationsOrdered(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrationsOrdered failed: %v", err)
	}

	if err := migrator.Down(context.Background(), 1); err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	after, err := migrator.getAppliedMigrationsOrdered(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrationsOrdered failed: %v", err)
	}
	if len(after) != len(before)-1 {
		t.Fatalf("expected %d applied migrations after Down(1), got %d", len(before)-1, len(after))
	}

	// Re-applying Up should restore the reverted version.
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up after Down failed: %v", err)
	}
	restored, err := migrator.getAppliedMigrationsOrdered(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrationsOrdered failed: %v", err)
	}
	if len(restored) != len(before) {
		t.Fatalf("expected %d applied migrations after re-Up, got %d", len(before), len(restored))
	}
}

func TestMigrator_Down_ZeroIsNoop(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if err := migrator.Down(context.Background(), 0); err != nil {
		t.Fatalf("Down(0) should be a no-op, got error: %v", err)
	}
}

func TestMigrator_RefreshesProjectionOnUp(t *testing.T) {
	db := openTestDB(t)
	proj := NewProjection(db)
	migrator := NewMigrator(db, "", proj)

	if proj.Has("streams", "name") {
		t.Fatal("projection should report no columns before any migration runs")
	}

	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !proj.Has("streams", "name") {
		t.Fatal("expected projection to observe streams.name after Up")
	}
	if !proj.Has("streams", "buffer_strategy") {
		t.Fatal("expected projection to observe a column added by a later migration")
	}
}

func TestMigrator_ContextCancellation(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Must not panic regardless of whether the cancellation is observed in time.
	_ = migrator.Up(ctx)
}
