package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultPageSize = 256

type sqlDialect struct {
	name       string
	schema     func(table string) []string
	lockStream string
	rebind     func(q string) string
}

// SQLLog stores streams in a single table keyed by (stream_id, sequence).
// It backs both the SQLite and Postgres logs.
type SQLLog struct {
	db       *sql.DB
	table    string
	dialect  sqlDialect
	pageSize int
	now      func() time.Time
	locks    sync.Map
}

type SQLOption func(*SQLLog)

// WithTable overrides the entries table name.
func WithTable(table string) SQLOption {
	return func(l *SQLLog) {
		if table = strings.TrimSpace(table); table != "" {
			l.table = table
		}
	}
}

// WithPageSize sets how many rows ReadRange fetches per query.
func WithPageSize(n int) SQLOption {
	return func(l *SQLLog) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func newSQLLog(db *sql.DB, d sqlDialect, opts ...SQLOption) *SQLLog {
	l := &SQLLog{
		db:       db,
		table:    "wal_entries",
		dialect:  d,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Init creates the entries table when missing.
func (l *SQLLog) Init(ctx context.Context) error {
	if l == nil || l.db == nil {
		return errors.New(l.dialectName() + " wal not configured")
	}
	for _, ddl := range l.dialect.schema(l.table) {
		if _, err := l.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%s wal schema: %w", l.dialect.name, err)
		}
	}
	return nil
}

func (l *SQLLog) dialectName() string {
	if l == nil {
		return "sql"
	}
	return l.dialect.name
}

func (l *SQLLog) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", l.table)
	if l.dialect.rebind != nil {
		return l.dialect.rebind(query)
	}
	return query
}

func (l *SQLLog) streamLock(stream string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(stream, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (l *SQLLog) Append(ctx context.Context, stream string, rec Record) (Entry, error) {
	if err := validateAppend(stream, rec); err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, 0)
}

func (l *SQLLog) UpdateStatus(ctx context.Context, stream string, seq uint64, status string) (Entry, error) {
	rec, err := statusRecord(seq, status)
	if err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, seq)
}

func (l *SQLLog) append(ctx context.Context, stream string, rec Record, ref uint64) (Entry, error) {
	if l == nil || l.db == nil {
		return Entry{}, unavailable("append", stream, errors.New(l.dialectName()+" wal not configured"))
	}

	mu := l.streamLock(stream)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, unavailable("append", stream, err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.dialect.lockStream != "" {
		if _, err := tx.ExecContext(ctx, l.q(l.dialect.lockStream), stream); err != nil {
			return Entry{}, unavailable("append", stream, err)
		}
	}

	var last int64
	var prevHash string
	err = tx.QueryRowContext(ctx, l.q(`SELECT sequence, hash FROM {table} WHERE stream_id = ? ORDER BY sequence DESC LIMIT 1`), stream).
		Scan(&last, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, unavailable("append", stream, err)
	}

	if rec.Kind == KindStatusUpdate && (ref == 0 || ref > uint64(last)) {
		return Entry{}, cloneError(ErrUnknownEntry, "status update references unknown entry", nil, map[string]any{
			"stream_id": stream,
			"ref":       ref,
		})
	}

	entry, err := seal(stream, uint64(last)+1, prevHash, rec, ref, l.now())
	if err != nil {
		return Entry{}, err
	}

	_, err = tx.ExecContext(ctx, l.q(`INSERT INTO {table} (stream_id, sequence, id, kind, ts, payload, status, ref, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.StreamID,
		int64(entry.Sequence),
		entry.ID,
		entry.Kind,
		entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.Payload),
		entry.Status,
		int64(entry.Ref),
		entry.PrevHash,
		entry.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, cloneError(ErrSequenceConflict, "sequence already taken", err, map[string]any{
				"stream_id": stream,
				"sequence":  entry.Sequence,
			})
		}
		return Entry{}, unavailable("append", stream, err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, unavailable("append", stream, err)
	}
	return entry, nil
}

func (l *SQLLog) ReadRange(ctx context.Context, stream string, from, to uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		from, to, ok := normalizeRange(from, to)
		if !ok {
			return
		}
		if l == nil || l.db == nil {
			yield(Entry{}, unavailable("read", stream, errors.New(l.dialectName()+" wal not configured")))
			return
		}
		if to > math.MaxInt64 {
			to = math.MaxInt64
		}

		next := from
		for next <= to {
			page, err := l.readPage(ctx, stream, next, to)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			next = page[len(page)-1].Sequence + 1
		}
	}
}

// readPage loads one page and releases the connection before yielding.
func (l *SQLLog) readPage(ctx context.Context, stream string, from, to uint64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.q(`SELECT stream_id, sequence, id, kind, ts, payload, status, ref, prev_hash, hash FROM {table} WHERE stream_id = ? AND sequence >= ? AND sequence <= ? ORDER BY sequence ASC LIMIT ?`),
		stream, int64(from), int64(to), l.pageSize)
	if err != nil {
		return nil, unavailable("read", stream, err)
	}
	defer rows.Close()

	page := make([]Entry, 0, l.pageSize)
	for rows.Next() {
		var (
			entry   Entry
			seq     int64
			ref     int64
			ts      string
			payload string
		)
		if err := rows.Scan(&entry.StreamID, &seq, &entry.ID, &entry.Kind, &ts, &payload, &entry.Status, &ref, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, unavailable("read", stream, err)
		}
		entry.Sequence = uint64(seq)
		entry.Ref = uint64(ref)
		entry.Payload = []byte(payload)
		if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
			entry.Timestamp = parsed
		}
		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read", stream, err)
	}
	return page, nil
}

func (l *SQLLog) LastSequence(ctx context.Context, stream string) (uint64, error) {
	if l == nil || l.db == nil {
		return 0, unavailable("last sequence", stream, errors.New(l.dialectName()+" wal not configured"))
	}
	var last int64
	err := l.db.QueryRowContext(ctx, l.q(`SELECT COALESCE(MAX(sequence), 0) FROM {table} WHERE stream_id = ?`), stream).Scan(&last)
	if err != nil {
		return 0, unavailable("last sequence", stream, err)
	}
	return uint64(last), nil
}

func (l *SQLLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	if l == nil || l.db == nil {
		return nil, unavailable("streams", "", errors.New(l.dialectName()+" wal not configured"))
	}
	rows, err := l.db.QueryContext(ctx, l.q(`SELECT DISTINCT stream_id FROM {table} WHERE stream_id LIKE ? ESCAPE '\' ORDER BY stream_id`), likePrefix(prefix))
	if err != nil {
		return nil, unavailable("streams", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("streams", "", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("streams", "", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (l *SQLLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

// rebindDollar turns ? placeholders into $1..$n.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
