package wal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				stream_id TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				id TEXT NOT NULL,
				kind TEXT NOT NULL,
				ts TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT '',
				ref INTEGER NOT NULL DEFAULT 0,
				prev_hash TEXT NOT NULL,
				hash TEXT NOT NULL,
				PRIMARY KEY (stream_id, sequence)
			)`, table),
		}
	},
}

// NewSQLiteLog builds a log over an open modernc sqlite handle. Call Init
// before first use.
func NewSQLiteLog(db *sql.DB, opts ...SQLOption) *SQLLog {
	return newSQLLog(db, sqliteDialect, opts...)
}

// OpenSQLite opens path, applies the pragmas the log relies on and ensures
// the schema.
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLLog, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite wal: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	l := NewSQLiteLog(db, opts...)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// SQLiteDSN adds busy timeout and immediate transactions unless the caller
// already set pragmas.
func SQLiteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") || strings.Contains(path, "_txlock=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}
