// Package state holds session state and the artifact registry. Every read
// and write is scoped by tenant, there are no cross-tenant queries.
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	intent "github.com/goliatone/go-intent"
)

// SessionStore keeps the per (tenant, session) key/value bag.
type SessionStore interface {
	// Get returns nil when the session has never been written.
	Get(ctx context.Context, tenantID, sessionID string) (*intent.SessionState, error)
	// Set replaces the values, writes to one key are serialized.
	Set(ctx context.Context, tenantID, sessionID string, values map[string]any) (intent.SessionState, error)
	// CompareAndSet writes only when the stored version equals expected. A
	// zero expected version means the session must not exist yet.
	CompareAndSet(ctx context.Context, tenantID, sessionID string, values map[string]any, expected int64) (intent.SessionState, error)
}

// ArtifactRegistry tracks produced artifacts and their lifecycle.
type ArtifactRegistry interface {
	Register(ctx context.Context, a intent.Artifact) (intent.Artifact, error)
	Resolve(ctx context.Context, tenantID, artifactID string) (intent.Artifact, error)
	List(ctx context.Context, filter intent.ArtifactFilter) ([]intent.Artifact, error)
	// UpdateLifecycle moves the artifact to the given state if the move is
	// legal from its current state, retrying on concurrent writers.
	UpdateLifecycle(ctx context.Context, tenantID, artifactID string, to intent.LifecycleState) (intent.Artifact, error)
	// CompareAndSwapLifecycle moves from -> to only if the stored state is from.
	CompareAndSwapLifecycle(ctx context.Context, tenantID, artifactID string, from, to intent.LifecycleState) (intent.Artifact, error)
	AddMaterialization(ctx context.Context, tenantID, artifactID string, m intent.Materialization) (intent.Artifact, error)
}

// Surface bundles the stores handed to the lifecycle manager.
type Surface struct {
	Sessions  SessionStore
	Artifacts ArtifactRegistry
}

func (s Surface) Validate() error {
	var errs []error
	if s.Sessions == nil {
		errs = append(errs, errors.New("session store required"))
	}
	if s.Artifacts == nil {
		errs = append(errs, errors.New("artifact registry required"))
	}
	return errors.Join(errs...)
}

// NewMemorySurface wires in-process stores.
func NewMemorySurface() Surface {
	return Surface{
		Sessions:  NewMemorySessionStore(),
		Artifacts: NewMemoryArtifactRegistry(),
	}
}

const lifecycleCASAttempts = 16

type lifecycleCAS interface {
	Resolve(ctx context.Context, tenantID, artifactID string) (intent.Artifact, error)
	CompareAndSwapLifecycle(ctx context.Context, tenantID, artifactID string, from, to intent.LifecycleState) (intent.Artifact, error)
}

// updateLifecycle is the CAS loop shared by the backends. A lost race
// re-reads the current state and re-validates the move.
func updateLifecycle(ctx context.Context, reg lifecycleCAS, tenantID, artifactID string, to intent.LifecycleState) (intent.Artifact, error) {
	for attempt := 0; attempt < lifecycleCASAttempts; attempt++ {
		current, err := reg.Resolve(ctx, tenantID, artifactID)
		if err != nil {
			return intent.Artifact{}, err
		}
		if err := intent.ValidateLifecycleTransition(artifactID, current.State, to); err != nil {
			return intent.Artifact{}, err
		}
		updated, err := reg.CompareAndSwapLifecycle(ctx, tenantID, artifactID, current.State, to)
		if err == nil {
			return updated, nil
		}
		if !intent.IsKind(err, intent.ErrCodeVersionConflict) {
			return intent.Artifact{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return intent.Artifact{}, ctxErr
		}
	}
	return intent.Artifact{}, intent.NewError(intent.ErrVersionConflict, "artifact lifecycle kept changing", nil, map[string]any{
		"artifact_id": artifactID,
		"tenant_id":   tenantID,
	})
}

func prepareRegistration(a intent.Artifact, ts time.Time) (intent.Artifact, error) {
	if err := a.Validate(); err != nil {
		return intent.Artifact{}, err
	}
	if a.State != "" && a.State != intent.LifecyclePending {
		return intent.Artifact{}, intent.NewError(intent.ErrValidation, "artifacts register as pending", nil, map[string]any{
			"artifact_id": a.ID,
			"state":       string(a.State),
		})
	}
	a = a.Clone()
	a.State = intent.LifecyclePending
	a.Version = 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = ts
	}
	a.UpdatedAt = ts
	return a, nil
}

func corruptRow(tenantID, artifactID, column string, err error) error {
	return intent.NewError(intent.ErrValidation, "stored artifact has undecodable "+column, err, map[string]any{
		"artifact_id": artifactID,
		"tenant_id":   tenantID,
		"column":      column,
	})
}

func validateSessionKey(tenantID, sessionID string) error {
	var missing []string
	if strings.TrimSpace(tenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(sessionID) == "" {
		missing = append(missing, "session_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return intent.NewError(intent.ErrValidation, "session key missing "+strings.Join(missing, ", "), nil, nil)
}

func validateArtifactKey(tenantID, artifactID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(artifactID) == "" {
		return intent.NewError(intent.ErrValidation, "artifact key requires tenant_id and artifact_id", nil, nil)
	}
	return nil
}

func notFound(tenantID, artifactID string) error {
	return intent.NewError(intent.ErrNotFound, "artifact not found", nil, map[string]any{
		"artifact_id": artifactID,
		"tenant_id":   tenantID,
	})
}

func duplicateID(tenantID, artifactID string) error {
	return intent.NewError(intent.ErrDuplicateID, "artifact id already registered", nil, map[string]any{
		"artifact_id": artifactID,
		"tenant_id":   tenantID,
	})
}

func lifecycleConflict(artifactID string, expected, actual intent.LifecycleState) error {
	return intent.NewError(intent.ErrVersionConflict, "artifact lifecycle changed concurrently", nil, map[string]any{
		"artifact_id": artifactID,
		"expected":    string(expected),
		"actual":      string(actual),
	})
}

func sessionConflict(tenantID, sessionID string, expected, actual int64) error {
	return intent.NewError(intent.ErrVersionConflict, "session state version conflict", nil, map[string]any{
		"tenant_id":  tenantID,
		"session_id": sessionID,
		"expected":   expected,
		"actual":     actual,
	})
}
