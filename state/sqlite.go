package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	intent "github.com/goliatone/go-intent"

	_ "modernc.org/sqlite"
)

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteSessionStore persists session state in SQLite.
type SQLiteSessionStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewSQLiteSessionStore builds a store using the given DB and table name.
func NewSQLiteSessionStore(db *sql.DB, table string) *SQLiteSessionStore {
	if table == "" {
		table = "session_state"
	}
	return &SQLiteSessionStore{db: db, table: table, now: time.Now}
}

func (s *SQLiteSessionStore) ensureSchema(ctx context.Context, exec sqlExecContext) error {
	if exec == nil {
		return errors.New("sqlite exec not configured")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		vals TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, session_id)
	)`, s.table)
	_, err := exec.ExecContext(ctx, ddl)
	return err
}

// Init creates the table when missing.
func (s *SQLiteSessionStore) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store not configured")
	}
	return s.ensureSchema(ctx, s.db)
}

func (s *SQLiteSessionStore) Get(ctx context.Context, tenantID, sessionID string) (*intent.SessionState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite session store not configured")
	}
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT vals, version, updated_at FROM %s WHERE tenant_id = ? AND session_id = ?`, s.table)
	var (
		valsJSON  string
		version   int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, tenantID, sessionID).Scan(&valsJSON, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := intent.SessionState{
		TenantID:  tenantID,
		SessionID: sessionID,
		Version:   version,
		Values:    map[string]any{},
	}
	if valsJSON != "" {
		if err := json.Unmarshal([]byte(valsJSON), &out.Values); err != nil {
			return nil, fmt.Errorf("decode session values: %w", err)
		}
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		out.UpdatedAt = ts
	}
	return &out, nil
}

func (s *SQLiteSessionStore) Set(ctx context.Context, tenantID, sessionID string, values map[string]any) (intent.SessionState, error) {
	if s == nil || s.db == nil {
		return intent.SessionState{}, errors.New("sqlite session store not configured")
	}
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return intent.SessionState{}, err
	}
	valsJSON, err := encodeValues(values)
	if err != nil {
		return intent.SessionState{}, err
	}
	now := s.now().UTC()
	q := fmt.Sprintf(`INSERT INTO %s (tenant_id, session_id, vals, version, updated_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET vals = excluded.vals, version = %s.version + 1, updated_at = excluded.updated_at
		RETURNING version`, s.table, s.table)
	var version int64
	if err := s.db.QueryRowContext(ctx, q, tenantID, sessionID, valsJSON, now.Format(time.RFC3339Nano)).Scan(&version); err != nil {
		return intent.SessionState{}, err
	}
	return newSessionState(tenantID, sessionID, values, version, now), nil
}

// CompareAndSet writes record using optimistic version compare.
func (s *SQLiteSessionStore) CompareAndSet(ctx context.Context, tenantID, sessionID string, values map[string]any, expected int64) (intent.SessionState, error) {
	if s == nil || s.db == nil {
		return intent.SessionState{}, errors.New("sqlite session store not configured")
	}
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return intent.SessionState{}, err
	}
	valsJSON, err := encodeValues(values)
	if err != nil {
		return intent.SessionState{}, err
	}
	now := s.now().UTC()

	if expected <= 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (tenant_id, session_id, vals, version, updated_at) VALUES (?, ?, ?, 1, ?)`, s.table)
		result, err := s.db.ExecContext(ctx, q, tenantID, sessionID, valsJSON, now.Format(time.RFC3339Nano))
		if err != nil {
			return intent.SessionState{}, err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return intent.SessionState{}, sessionConflict(tenantID, sessionID, expected, s.currentVersion(ctx, tenantID, sessionID))
		}
		return newSessionState(tenantID, sessionID, values, 1, now), nil
	}

	q := fmt.Sprintf(`UPDATE %s SET vals = ?, version = ?, updated_at = ? WHERE tenant_id = ? AND session_id = ? AND version = ?`, s.table)
	result, err := s.db.ExecContext(ctx, q, valsJSON, expected+1, now.Format(time.RFC3339Nano), tenantID, sessionID, expected)
	if err != nil {
		return intent.SessionState{}, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return intent.SessionState{}, sessionConflict(tenantID, sessionID, expected, s.currentVersion(ctx, tenantID, sessionID))
	}
	return newSessionState(tenantID, sessionID, values, expected+1, now), nil
}

func (s *SQLiteSessionStore) currentVersion(ctx context.Context, tenantID, sessionID string) int64 {
	current, err := s.Get(ctx, tenantID, sessionID)
	if err != nil || current == nil {
		return 0
	}
	return current.Version
}

func newSessionState(tenantID, sessionID string, values map[string]any, version int64, ts time.Time) intent.SessionState {
	out := intent.SessionState{
		TenantID:  tenantID,
		SessionID: sessionID,
		Values:    intent.CloneMap(values),
		Version:   version,
		UpdatedAt: ts,
	}
	if out.Values == nil {
		out.Values = map[string]any{}
	}
	return out
}

func encodeValues(values map[string]any) (string, error) {
	if values == nil {
		values = map[string]any{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", intent.NewError(intent.ErrValidation, "session values are not json encodable", err, nil)
	}
	return string(raw), nil
}

// SQLiteArtifactRegistry persists artifacts in SQLite. Lifecycle changes
// are conditional updates on the stored state.
type SQLiteArtifactRegistry struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

func NewSQLiteArtifactRegistry(db *sql.DB, table string) *SQLiteArtifactRegistry {
	if table == "" {
		table = "artifacts"
	}
	return &SQLiteArtifactRegistry{db: db, table: table, now: time.Now}
}

func (r *SQLiteArtifactRegistry) Init(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("sqlite artifact registry not configured")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tenant_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		intent_type TEXT NOT NULL DEFAULT '',
		parents TEXT NOT NULL DEFAULT '[]',
		materializations TEXT NOT NULL DEFAULT '[]',
		descriptor TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, artifact_id)
	)`, r.table)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_execution_idx ON %s (tenant_id, execution_id)`, r.table, r.table)
	_, err := r.db.ExecContext(ctx, idx)
	return err
}

const artifactColumns = `tenant_id, artifact_id, artifact_type, session_id, state, execution_id, intent_type, parents, materializations, descriptor, version, created_at, updated_at`

func (r *SQLiteArtifactRegistry) Register(ctx context.Context, a intent.Artifact) (intent.Artifact, error) {
	if r == nil || r.db == nil {
		return intent.Artifact{}, errors.New("sqlite artifact registry not configured")
	}
	prepared, err := prepareRegistration(a, r.now().UTC())
	if err != nil {
		return intent.Artifact{}, err
	}
	parents, _ := json.Marshal(nonNilStrings(prepared.Parents))
	mats, _ := json.Marshal(nonNilMaterializations(prepared.Materializations))
	descriptor, err := json.Marshal(nonNilMap(prepared.Descriptor))
	if err != nil {
		return intent.Artifact{}, intent.NewError(intent.ErrValidation, "artifact descriptor is not json encodable", err, map[string]any{
			"artifact_id": prepared.ID,
		})
	}

	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table, artifactColumns)
	result, err := r.db.ExecContext(ctx, q,
		prepared.TenantID,
		prepared.ID,
		prepared.Type,
		prepared.SessionID,
		string(prepared.State),
		prepared.ProducedBy.ExecutionID,
		prepared.ProducedBy.IntentType,
		string(parents),
		string(mats),
		string(descriptor),
		prepared.Version,
		prepared.CreatedAt.Format(time.RFC3339Nano),
		prepared.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return intent.Artifact{}, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return intent.Artifact{}, duplicateID(prepared.TenantID, prepared.ID)
	}
	return prepared, nil
}

func (r *SQLiteArtifactRegistry) Resolve(ctx context.Context, tenantID, artifactID string) (intent.Artifact, error) {
	if r == nil || r.db == nil {
		return intent.Artifact{}, errors.New("sqlite artifact registry not configured")
	}
	if err := validateArtifactKey(tenantID, artifactID); err != nil {
		return intent.Artifact{}, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = ? AND artifact_id = ?`, artifactColumns, r.table)
	a, err := scanArtifact(r.db.QueryRowContext(ctx, q, tenantID, artifactID))
	if errors.Is(err, sql.ErrNoRows) {
		return intent.Artifact{}, notFound(tenantID, artifactID)
	}
	return a, err
}

func (r *SQLiteArtifactRegistry) List(ctx context.Context, filter intent.ArtifactFilter) ([]intent.Artifact, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sqlite artifact registry not configured")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where := []string{"tenant_id = ?"}
	args := []any{filter.TenantID}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Type != "" {
		where = append(where, "artifact_type = ?")
		args = append(args, filter.Type)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at ASC, artifact_id ASC`, artifactColumns, r.table, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []intent.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteArtifactRegistry) UpdateLifecycle(ctx context.Context, tenantID, artifactID string, to intent.LifecycleState) (intent.Artifact, error) {
	return updateLifecycle(ctx, r, tenantID, artifactID, to)
}

func (r *SQLiteArtifactRegistry) CompareAndSwapLifecycle(ctx context.Context, tenantID, artifactID string, from, to intent.LifecycleState) (intent.Artifact, error) {
	if r == nil || r.db == nil {
		return intent.Artifact{}, errors.New("sqlite artifact registry not configured")
	}
	if err := validateArtifactKey(tenantID, artifactID); err != nil {
		return intent.Artifact{}, err
	}
	if err := intent.ValidateLifecycleTransition(artifactID, from, to); err != nil {
		return intent.Artifact{}, err
	}
	q := fmt.Sprintf(`UPDATE %s SET state = ?, version = version + 1, updated_at = ? WHERE tenant_id = ? AND artifact_id = ? AND state = ?`, r.table)
	result, err := r.db.ExecContext(ctx, q, string(to), r.now().UTC().Format(time.RFC3339Nano), tenantID, artifactID, string(from))
	if err != nil {
		return intent.Artifact{}, err
	}
	rows, _ := result.RowsAffected()
	current, err := r.Resolve(ctx, tenantID, artifactID)
	if err != nil {
		return intent.Artifact{}, err
	}
	if rows == 0 {
		return intent.Artifact{}, lifecycleConflict(artifactID, from, current.State)
	}
	return current, nil
}

func (r *SQLiteArtifactRegistry) AddMaterialization(ctx context.Context, tenantID, artifactID string, m intent.Materialization) (intent.Artifact, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now().UTC()
	}
	for attempt := 0; attempt < lifecycleCASAttempts; attempt++ {
		current, err := r.Resolve(ctx, tenantID, artifactID)
		if err != nil {
			return intent.Artifact{}, err
		}
		if current.State == intent.LifecycleDeleted {
			return intent.Artifact{}, intent.NewError(intent.ErrInvalidTransition, "cannot materialize a deleted artifact", nil, map[string]any{
				"artifact_id": artifactID,
			})
		}
		current.Materializations = append(current.Materializations, m)
		raw, err := json.Marshal(current.Materializations)
		if err != nil {
			return intent.Artifact{}, err
		}
		now := r.now().UTC()
		q := fmt.Sprintf(`UPDATE %s SET materializations = ?, version = ?, updated_at = ? WHERE tenant_id = ? AND artifact_id = ? AND version = ?`, r.table)
		result, err := r.db.ExecContext(ctx, q, string(raw), current.Version+1, now.Format(time.RFC3339Nano), tenantID, artifactID, current.Version)
		if err != nil {
			return intent.Artifact{}, err
		}
		if rows, _ := result.RowsAffected(); rows == 1 {
			current.Version++
			current.UpdatedAt = now
			return current, nil
		}
	}
	return intent.Artifact{}, intent.NewError(intent.ErrVersionConflict, "artifact kept changing during materialization", nil, map[string]any{
		"artifact_id": artifactID,
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (intent.Artifact, error) {
	var (
		a                    intent.Artifact
		state                string
		parents, mats, descr string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.TenantID,
		&a.ID,
		&a.Type,
		&a.SessionID,
		&state,
		&a.ProducedBy.ExecutionID,
		&a.ProducedBy.IntentType,
		&parents,
		&mats,
		&descr,
		&a.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return intent.Artifact{}, err
	}
	a.State = intent.LifecycleState(state)
	if parents != "" && parents != "[]" {
		if err := json.Unmarshal([]byte(parents), &a.Parents); err != nil {
			return intent.Artifact{}, corruptRow(a.TenantID, a.ID, "parents", err)
		}
	}
	if mats != "" && mats != "[]" {
		if err := json.Unmarshal([]byte(mats), &a.Materializations); err != nil {
			return intent.Artifact{}, corruptRow(a.TenantID, a.ID, "materializations", err)
		}
	}
	if descr != "" && descr != "{}" && descr != "null" {
		if err := json.Unmarshal([]byte(descr), &a.Descriptor); err != nil {
			return intent.Artifact{}, corruptRow(a.TenantID, a.ID, "descriptor", err)
		}
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		a.CreatedAt = ts
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		a.UpdatedAt = ts
	}
	return a, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilMaterializations(in []intent.Materialization) []intent.Materialization {
	if in == nil {
		return []intent.Materialization{}
	}
	return in
}

func nonNilMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
