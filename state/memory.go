package state

import (
	"context"
	"sort"
	"sync"
	"time"

	intent "github.com/goliatone/go-intent"
)

// MemorySessionStore keeps sessions in process. Each key has its own lock
// so unrelated sessions never contend.
type MemorySessionStore struct {
	slots sync.Map
	now   func() time.Time
}

type sessionSlot struct {
	mu    sync.Mutex
	state *intent.SessionState
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{now: time.Now}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

func (s *MemorySessionStore) slot(tenantID, sessionID string) *sessionSlot {
	v, _ := s.slots.LoadOrStore(sessionKey(tenantID, sessionID), &sessionSlot{})
	return v.(*sessionSlot)
}

func (s *MemorySessionStore) Get(_ context.Context, tenantID, sessionID string) (*intent.SessionState, error) {
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return nil, err
	}
	v, ok := s.slots.Load(sessionKey(tenantID, sessionID))
	if !ok {
		return nil, nil
	}
	slot := v.(*sessionSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state == nil {
		return nil, nil
	}
	out := slot.state.Clone()
	return &out, nil
}

func (s *MemorySessionStore) Set(_ context.Context, tenantID, sessionID string, values map[string]any) (intent.SessionState, error) {
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return intent.SessionState{}, err
	}
	slot := s.slot(tenantID, sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return s.writeLocked(slot, tenantID, sessionID, values), nil
}

func (s *MemorySessionStore) CompareAndSet(_ context.Context, tenantID, sessionID string, values map[string]any, expected int64) (intent.SessionState, error) {
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return intent.SessionState{}, err
	}
	slot := s.slot(tenantID, sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	var current int64
	if slot.state != nil {
		current = slot.state.Version
	}
	if current != expected {
		return intent.SessionState{}, sessionConflict(tenantID, sessionID, expected, current)
	}
	return s.writeLocked(slot, tenantID, sessionID, values), nil
}

func (s *MemorySessionStore) writeLocked(slot *sessionSlot, tenantID, sessionID string, values map[string]any) intent.SessionState {
	next := intent.SessionState{
		TenantID:  tenantID,
		SessionID: sessionID,
		Values:    intent.CloneMap(values),
		Version:   1,
		UpdatedAt: s.now().UTC(),
	}
	if next.Values == nil {
		next.Values = map[string]any{}
	}
	if slot.state != nil {
		next.Version = slot.state.Version + 1
	}
	slot.state = &next
	return next.Clone()
}

// MemoryArtifactRegistry keeps artifacts in process keyed by
// (tenant, artifact id).
type MemoryArtifactRegistry struct {
	slots sync.Map
	now   func() time.Time
}

type artifactSlot struct {
	mu       sync.Mutex
	artifact intent.Artifact
}

func NewMemoryArtifactRegistry() *MemoryArtifactRegistry {
	return &MemoryArtifactRegistry{now: time.Now}
}

func artifactKey(tenantID, artifactID string) string {
	return tenantID + "\x00" + artifactID
}

func (r *MemoryArtifactRegistry) Register(_ context.Context, a intent.Artifact) (intent.Artifact, error) {
	prepared, err := prepareRegistration(a, r.now().UTC())
	if err != nil {
		return intent.Artifact{}, err
	}
	slot := &artifactSlot{artifact: prepared}
	if _, loaded := r.slots.LoadOrStore(artifactKey(prepared.TenantID, prepared.ID), slot); loaded {
		return intent.Artifact{}, duplicateID(prepared.TenantID, prepared.ID)
	}
	return prepared.Clone(), nil
}

func (r *MemoryArtifactRegistry) load(tenantID, artifactID string) (*artifactSlot, error) {
	if err := validateArtifactKey(tenantID, artifactID); err != nil {
		return nil, err
	}
	v, ok := r.slots.Load(artifactKey(tenantID, artifactID))
	if !ok {
		return nil, notFound(tenantID, artifactID)
	}
	return v.(*artifactSlot), nil
}

func (r *MemoryArtifactRegistry) Resolve(_ context.Context, tenantID, artifactID string) (intent.Artifact, error) {
	slot, err := r.load(tenantID, artifactID)
	if err != nil {
		return intent.Artifact{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.artifact.Clone(), nil
}

func (r *MemoryArtifactRegistry) List(_ context.Context, filter intent.ArtifactFilter) ([]intent.Artifact, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var out []intent.Artifact
	r.slots.Range(func(_, v any) bool {
		slot := v.(*artifactSlot)
		slot.mu.Lock()
		a := slot.artifact
		match := filter.Match(a)
		if match {
			a = a.Clone()
		}
		slot.mu.Unlock()
		if match {
			out = append(out, a)
		}
		return true
	})
	sortArtifacts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryArtifactRegistry) UpdateLifecycle(ctx context.Context, tenantID, artifactID string, to intent.LifecycleState) (intent.Artifact, error) {
	return updateLifecycle(ctx, r, tenantID, artifactID, to)
}

func (r *MemoryArtifactRegistry) CompareAndSwapLifecycle(_ context.Context, tenantID, artifactID string, from, to intent.LifecycleState) (intent.Artifact, error) {
	if err := intent.ValidateLifecycleTransition(artifactID, from, to); err != nil {
		return intent.Artifact{}, err
	}
	slot, err := r.load(tenantID, artifactID)
	if err != nil {
		return intent.Artifact{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.artifact.State != from {
		return intent.Artifact{}, lifecycleConflict(artifactID, from, slot.artifact.State)
	}
	slot.artifact.State = to
	slot.artifact.Version++
	slot.artifact.UpdatedAt = r.now().UTC()
	return slot.artifact.Clone(), nil
}

func (r *MemoryArtifactRegistry) AddMaterialization(_ context.Context, tenantID, artifactID string, m intent.Materialization) (intent.Artifact, error) {
	slot, err := r.load(tenantID, artifactID)
	if err != nil {
		return intent.Artifact{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.artifact.State == intent.LifecycleDeleted {
		return intent.Artifact{}, intent.NewError(intent.ErrInvalidTransition, "cannot materialize a deleted artifact", nil, map[string]any{
			"artifact_id": artifactID,
		})
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now().UTC()
	}
	slot.artifact.Materializations = append(slot.artifact.Materializations, m)
	slot.artifact.Version++
	slot.artifact.UpdatedAt = r.now().UTC()
	return slot.artifact.Clone(), nil
}

func sortArtifacts(list []intent.Artifact) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
