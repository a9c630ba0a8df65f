// Package dbutil provides the shared SQLite bootstrap used by every
// store in the engine (tenancy, budget ledger, run state, task queue
// snapshot). Each store still owns its own schema and queries; this just
// centralizes the connection pragmas the teacher repo applied per-store.
package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Open opens (creating parent directories and the file as needed) a WAL-mode
// SQLite database with foreign keys enabled and a busy timeout, then runs
// schema against it. schema may be empty if the caller applies its own
// migrations afterward.
func Open(path string, schema string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("dbutil: create dir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("dbutil: open %s: %w", path, err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbutil: enable foreign keys: %w", err)
	}

	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbutil: apply schema: %w", err)
		}
	}

	return db, nil
}

// ColumnExists reports whether a table already has the given column, used by
// callers that apply incremental ALTER TABLE migrations the way the teacher's
// store package does.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, table)
	if err := db.QueryRow(query, column).Scan(&count); err != nil {
		return false, fmt.Errorf("dbutil: check column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}
