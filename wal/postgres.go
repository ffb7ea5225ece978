package wal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				stream_id TEXT NOT NULL,
				sequence BIGINT NOT NULL,
				id UUID NOT NULL,
				kind TEXT NOT NULL,
				ts TEXT NOT NULL,
				payload JSONB NOT NULL,
				status TEXT NOT NULL DEFAULT '',
				ref BIGINT NOT NULL DEFAULT 0,
				prev_hash TEXT NOT NULL,
				hash TEXT NOT NULL,
				PRIMARY KEY (stream_id, sequence)
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_kind_idx ON %s (kind)`, table, table),
		}
	},
	// advisory lock scoped to the transaction, one per stream
	lockStream: `SELECT pg_advisory_xact_lock(hashtext(?))`,
	rebind:     rebindDollar,
}

// NewPostgresLog builds a log over a database/sql handle opened with the
// pgx stdlib driver.
func NewPostgresLog(db *sql.DB, opts ...SQLOption) *SQLLog {
	return newSQLLog(db, postgresDialect, opts...)
}

func OpenPostgres(ctx context.Context, dsn string, opts ...SQLOption) (*SQLLog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres wal: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres wal: %w", err)
	}
	l := NewPostgresLog(db, opts...)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}
