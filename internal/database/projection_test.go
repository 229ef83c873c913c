package database

import (
	"context"
	"testing"
)

func TestProjection_RefreshAndHas(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrator(db, "", nil).Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	proj := NewProjection(db)
	if proj.Has("streams", "name") {
		t.Fatal("expected no columns before Refresh")
	}

	if err := proj.Refresh(context.Background(), "streams", "recordings"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if !proj.Has("streams", "name") {
		t.Error("expected streams.name to exist")
	}
	if proj.Has("streams", "nonexistent_column") {
		t.Error("did not expect nonexistent_column to exist")
	}
	if !proj.Has("recordings", "stream_name") {
		t.Error("expected recordings.stream_name to exist")
	}
	if proj.Has("recordings", "nonexistent_column") {
		t.Error("did not expect nonexistent_column to exist")
	}
}

func TestProjection_SelectList_SubstitutesMissingColumns(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrator(db, "", nil).Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	proj := NewProjection(db)
	if err := proj.Refresh(context.Background(), "streams"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	cols := []Column{
		{Name: "name"},
		{Name: "future_column", Default: "'fallback'"},
		{Name: "future_count", Default: "0"},
		{Name: "future_nullable"},
	}
	got := proj.SelectList("streams", cols)
	want := "name, 'fallback' AS future_column, 0 AS future_count, NULL AS future_nullable"
	if got != want {
		t.Errorf("SelectList = %q, want %q", got, want)
	}

	// A query built from the list scans the defaults for the missing columns.
	var name, futureCol string
	var futureCount int
	var futureNullable any
	row := db.QueryRowContext(context.Background(),
		"SELECT "+got+" FROM streams LIMIT 1")
	_ = row.Scan(&name, &futureCol, &futureCount, &futureNullable) // no rows is fine; the SQL must parse
}

func TestProjection_SelectList_UnrefreshedTablePassesThrough(t *testing.T) {
	db := openTestDB(t)
	proj := NewProjection(db)
	got := proj.SelectList("streams", []Column{{Name: "name"}, {Name: "tags", Default: "''"}})
	if got != "name, tags" {
		t.Errorf("SelectList on unrefreshed table = %q, want verbatim column list", got)
	}
}

func TestProjection_HasBeforeRefreshIsFalse(t *testing.T) {
	db := openTestDB(t)
	proj := NewProjection(db)
	if proj.Has("streams", "name") {
		t.Error("Has should report false for any table before the first Refresh")
	}
}
