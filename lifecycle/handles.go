package lifecycle

import (
	"context"
	"fmt"
	"iter"
	"strings"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/state"
	"github.com/goliatone/go-intent/wal"
)

// Handles stop accepting writes once the execution is terminal. A handler
// that outlives its timeout gets EXECUTION_INTERRUPTED instead of touching
// the stream or the stores.
func (m *Manager) buildContext(rec *record, exec intent.Execution) *intent.ExecutionContext {
	return intent.NewExecutionContext(intent.ContextParams{
		ExecutionID: exec.ID,
		Intent:      exec.Intent,
		State: sessionHandle{
			store:     m.state.Sessions,
			rec:       rec,
			tenantID:  exec.Intent.TenantID,
			sessionID: exec.Intent.SessionID,
		},
		Journal:      journalHandle{m: m, rec: rec, executionID: exec.ID},
		Artifacts:    &artifactHandle{m: m, rec: rec, exec: exec},
		Token:        rec.ctl,
		Capabilities: m.capabilities,
	})
}

type sessionHandle struct {
	store     state.SessionStore
	rec       *record
	tenantID  string
	sessionID string
}

func (h sessionHandle) Get(ctx context.Context) (*intent.SessionState, error) {
	return h.store.Get(ctx, h.tenantID, h.sessionID)
}

func (h sessionHandle) Set(ctx context.Context, values map[string]any) (intent.SessionState, error) {
	var out intent.SessionState
	err := h.rec.fenced(func() (err error) {
		out, err = h.store.Set(ctx, h.tenantID, h.sessionID, values)
		return err
	})
	return out, err
}

func (h sessionHandle) CompareAndSet(ctx context.Context, values map[string]any, expected int64) (intent.SessionState, error) {
	var out intent.SessionState
	err := h.rec.fenced(func() (err error) {
		out, err = h.store.CompareAndSet(ctx, h.tenantID, h.sessionID, values, expected)
		return err
	})
	return out, err
}

// journalHandle writes handler events onto the execution stream. Handler
// entries always use the handler.event kind so they never collide with
// lifecycle entries.
type journalHandle struct {
	m           *Manager
	rec         *record
	executionID string
}

func (h journalHandle) StreamID() string {
	return StreamID(h.executionID)
}

func (h journalHandle) Append(ctx context.Context, name string, payload any) (wal.Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return wal.Entry{}, intent.NewError(intent.ErrValidation, "journal entry name required", nil, map[string]any{
			"execution_id": h.executionID,
		})
	}
	var entry wal.Entry
	err := h.rec.fenced(func() (err error) {
		entry, err = h.m.append(ctx, h.executionID, KindHandlerEvent, handlerEvent{Name: name, Data: payload}, "")
		return err
	})
	switch {
	case err == nil:
		return entry, nil
	case intent.IsKind(err, intent.ErrCodeInterrupted):
		return wal.Entry{}, err
	case intent.IsKind(err, wal.ErrCodeInvalidEntry):
		return wal.Entry{}, intent.NewError(intent.ErrValidation, "journal payload rejected", err, nil)
	default:
		return wal.Entry{}, h.m.durabilityError(err, h.executionID, KindHandlerEvent)
	}
}

func (h journalHandle) Entries(ctx context.Context) iter.Seq2[wal.Entry, error] {
	return h.m.log.ReadRange(ctx, h.StreamID(), 1, wal.Latest)
}

// artifactHandle is scoped to one tenant and execution. Lifecycle changes
// and materializations are limited to artifacts this execution produced.
type artifactHandle struct {
	m    *Manager
	rec  *record
	exec intent.Execution
}

func (h *artifactHandle) tenant() string {
	return h.exec.Intent.TenantID
}

func (h *artifactHandle) Register(ctx context.Context, spec intent.ArtifactSpec) (intent.Artifact, error) {
	var registered intent.Artifact
	err := h.rec.fenced(func() error {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			id = fmt.Sprintf("%s.%d", h.exec.ID, h.rec.nextArtifactN())
		}
		for _, parent := range spec.Parents {
			if _, err := h.m.state.Artifacts.Resolve(ctx, h.tenant(), parent); err != nil {
				return err
			}
		}
		a, err := h.m.registerArtifact(ctx, h.exec, intent.Artifact{
			ID:        id,
			Type:      spec.Type,
			TenantID:  h.tenant(),
			SessionID: h.exec.Intent.SessionID,
			State:     intent.LifecyclePending,
			ProducedBy: intent.ProducedBy{
				ExecutionID: h.exec.ID,
				IntentType:  h.exec.Intent.Type,
			},
			Parents:    spec.Parents,
			Descriptor: spec.Descriptor,
		})
		if err != nil {
			return err
		}
		h.rec.addProduced(a.ID)
		registered = a
		return nil
	})
	return registered, err
}

func (h *artifactHandle) Resolve(ctx context.Context, artifactID string) (intent.Artifact, error) {
	return h.m.state.Artifacts.Resolve(ctx, h.tenant(), artifactID)
}

func (h *artifactHandle) owned(ctx context.Context, artifactID string) (intent.Artifact, error) {
	a, err := h.m.state.Artifacts.Resolve(ctx, h.tenant(), artifactID)
	if err != nil {
		return intent.Artifact{}, err
	}
	if a.ProducedBy.ExecutionID != h.exec.ID {
		return intent.Artifact{}, intent.NewError(intent.ErrValidation, "artifact was not produced by this execution", nil, map[string]any{
			"artifact_id":  artifactID,
			"execution_id": h.exec.ID,
		})
	}
	return a, nil
}

func (h *artifactHandle) UpdateLifecycle(ctx context.Context, artifactID string, to intent.LifecycleState) (intent.Artifact, error) {
	var updated intent.Artifact
	err := h.rec.fenced(func() error {
		a, err := h.owned(ctx, artifactID)
		if err != nil {
			return err
		}
		updated, err = h.m.moveArtifact(ctx, h.exec, a, to)
		return err
	})
	return updated, err
}

func (h *artifactHandle) Materialize(ctx context.Context, artifactID string, data []byte, contentType string) (intent.Materialization, error) {
	if h.m.blobs == nil {
		return intent.Materialization{}, intent.NewError(intent.ErrValidation, "no blob store configured", nil, map[string]any{
			"artifact_id": artifactID,
		})
	}
	var mat intent.Materialization
	err := h.rec.fenced(func() error {
		if _, err := h.owned(ctx, artifactID); err != nil {
			return err
		}
		loc, err := h.m.blobs.Put(ctx, data, contentType)
		if err != nil {
			return err
		}
		mat = loc.Materialization()
		mat.CreatedAt = h.m.now().UTC()
		return h.m.materializeArtifact(ctx, h.exec, artifactID, mat)
	})
	if err != nil {
		return intent.Materialization{}, err
	}
	return mat, nil
}
