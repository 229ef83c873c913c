package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Projection answers column-existence queries for a table, letting a repository built against
// the latest schema degrade gracefully when running against a database that has applied an
// older subset of migrations (an operator-supplied extraDir migration set can also add columns
// the repository doesn't know about yet; those are simply invisible to Has).
//
// The snapshot is copy-on-write: Refresh builds a brand new map and swaps it in atomically, so
// concurrent readers never see a half-populated table.
type Projection struct {
	db *DB

	mu     sync.RWMutex
	tables map[string]map[string]bool
}

// NewProjection creates a Projection bound to db. Callers must call Refresh once after opening
// the database (and again after every migration apply) before relying on Has.
func NewProjection(db *DB) *Projection {
	return &Projection{db: db, tables: make(map[string]map[string]bool)}
}

// Refresh rebuilds the column-existence snapshot for the given tables from PRAGMA table_info.
// It is safe to call concurrently with Has; readers see either the old or the new snapshot,
// never a partial one.
func (p *Projection) Refresh(ctx context.Context, tables ...string) error {
	next := make(map[string]map[string]bool, len(tables))

	for _, table := range tables {
		// table is always one of our own known table names, never user input, so this
		// string-formatted PRAGMA carries no injection risk.
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("table_info(%s): %w", table, err)
		}

		cols := make(map[string]bool)
		for rows.Next() {
			var (
				cid        int
				name       string
				colType    string
				notNull    int
				defaultVal any
				pk         int
			)
			if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("table_info(%s) scan: %w", table, err)
			}
			cols[name] = true
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("table_info(%s): %w", table, err)
		}
		if closeErr != nil {
			return fmt.Errorf("table_info(%s): %w", table, closeErr)
		}

		next[table] = cols
	}

	p.mu.Lock()
	for table, cols := range next {
		p.tables[table] = cols
	}
	p.mu.Unlock()

	return nil
}

// Has reports whether column exists on table, per the last Refresh.
func (p *Projection) Has(table, column string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tables[table][column]
}

// StringOrDefault returns column verbatim if it exists on table, otherwise the string literal
// def aliased to the column name, so a SELECT built from it scans identically either way.
func (p *Projection) StringOrDefault(table, column, def string) string {
	if p.Has(table, column) {
		return column
	}
	return fmt.Sprintf("'%s' AS %s", strings.ReplaceAll(def, "'", "''"), column)
}

// Column names one selected column and the SQL literal substituted when the running schema
// predates the migration that added it (e.g. "0", "''", "'scheduled'"). An empty Default
// substitutes NULL.
type Column struct {
	Name    string
	Default string
}

// SelectList builds a SELECT column list for table: columns present in the schema appear
// verbatim, missing ones appear as their default literal aliased to the column name. Callers
// scan the same shape regardless of which migrations the database has applied. If the table has
// never been refreshed, the list is returned verbatim (nothing to degrade against).
func (p *Projection) SelectList(table string, cols []Column) string {
	p.mu.RLock()
	known := p.tables[table]
	p.mu.RUnlock()

	parts := make([]string, len(cols))
	for i, c := range cols {
		if known == nil || known[c.Name] {
			parts[i] = c.Name
			continue
		}
		def := c.Default
		if def == "" {
			def = "NULL"
		}
		parts[i] = def + " AS " + c.Name
	}
	return strings.Join(parts, ", ")
}
