package lifecycle

import (
	"context"
	"strings"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/wal"
)

// Replay rebuilds an execution from its WAL stream alone. The chain is
// verified first, a tampered stream is rejected.
func Replay(ctx context.Context, log wal.Log, executionID string) (*intent.Execution, error) {
	entries, err := verifiedStream(ctx, log, executionID)
	if err != nil {
		return nil, err
	}
	return foldExecution(executionID, entries)
}

// ReplayArtifacts rebuilds the artifacts an execution produced, in
// registration order. Registrations, lifecycle moves and materializations
// only count once their entry was acked.
func ReplayArtifacts(ctx context.Context, log wal.Log, executionID string) ([]intent.Artifact, error) {
	entries, err := verifiedStream(ctx, log, executionID)
	if err != nil {
		return nil, err
	}
	return foldArtifacts(executionID, entries)
}

func verifiedStream(ctx context.Context, log wal.Log, executionID string) ([]wal.Entry, error) {
	entries, err := wal.ReadAll(ctx, log, StreamID(executionID))
	if err != nil {
		return nil, err
	}
	if err := wal.Verify(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func replayStream(ctx context.Context, log wal.Log, executionID string) (*intent.Execution, []intent.Artifact, error) {
	entries, err := verifiedStream(ctx, log, executionID)
	if err != nil {
		return nil, nil, err
	}
	exec, err := foldExecution(executionID, entries)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := foldArtifacts(executionID, entries)
	if err != nil {
		return nil, nil, err
	}
	return exec, artifacts, nil
}

func foldExecution(executionID string, entries []wal.Entry) (*intent.Execution, error) {
	var exec *intent.Execution
	for _, entry := range entries {
		status, ok := kindStatus(entry.Kind)
		if !ok {
			continue
		}
		var ev executionEvent
		if err := entry.Decode(&ev); err != nil {
			return nil, intent.NewError(intent.ErrValidation, "undecodable execution entry", err, map[string]any{
				"execution_id": executionID,
				"sequence":     entry.Sequence,
			})
		}
		if status == intent.StatusCreated {
			if exec != nil || ev.Intent == nil {
				return nil, intent.NewError(intent.ErrValidation, "malformed created entry", nil, map[string]any{
					"execution_id": executionID,
					"sequence":     entry.Sequence,
				})
			}
			exec = &intent.Execution{
				ID:        executionID,
				Intent:    *ev.Intent,
				Status:    intent.StatusCreated,
				CreatedAt: ev.At,
				UpdatedAt: ev.At,
				Version:   1,
			}
			continue
		}
		if exec == nil {
			return nil, intent.NewError(intent.ErrValidation, "execution entry before created", nil, map[string]any{
				"execution_id": executionID,
				"sequence":     entry.Sequence,
			})
		}
		if !intent.CanTransition(exec.Status, status) {
			return nil, intent.NewError(intent.ErrInvalidTransition, "recorded transition "+string(exec.Status)+" -> "+string(status)+" is illegal", nil, map[string]any{
				"execution_id": executionID,
				"sequence":     entry.Sequence,
			})
		}
		exec.Status = status
		exec.Version++
		exec.UpdatedAt = ev.At
		if status.IsTerminal() {
			exec.Artifacts = ev.Artifacts
			exec.Events = ev.Events
			exec.Summary = ev.Summary
			exec.Error = ev.Error
		}
	}
	if exec == nil {
		return nil, intent.NewError(intent.ErrNotFound, "execution not found in wal", nil, map[string]any{
			"execution_id": executionID,
		})
	}
	return exec, nil
}

// entryStatuses folds status_update markers onto the entries they refer to.
func entryStatuses(entries []wal.Entry) map[uint64]string {
	out := make(map[uint64]string, len(entries))
	for _, e := range entries {
		if e.Kind == wal.KindStatusUpdate {
			out[e.Ref] = e.Status
			continue
		}
		out[e.Sequence] = e.Status
	}
	return out
}

// foldArtifacts mirrors the registry: registration is version 1 and every
// acked lifecycle move or materialization bumps the version.
func foldArtifacts(executionID string, entries []wal.Entry) ([]intent.Artifact, error) {
	statuses := entryStatuses(entries)
	byID := map[string]*intent.Artifact{}
	var order []string

	for _, entry := range entries {
		switch entry.Kind {
		case KindArtifactRegistered, KindArtifactLifecycle, KindArtifactMaterialized:
		default:
			continue
		}
		if statuses[entry.Sequence] != EntryAcked {
			continue
		}
		meta := map[string]any{
			"execution_id": executionID,
			"sequence":     entry.Sequence,
		}
		var ev artifactEvent
		if err := entry.Decode(&ev); err != nil {
			return nil, intent.NewError(intent.ErrValidation, "undecodable artifact entry", err, meta)
		}

		if entry.Kind == KindArtifactRegistered {
			if ev.Artifact == nil || byID[ev.ArtifactID] != nil {
				return nil, intent.NewError(intent.ErrValidation, "malformed artifact registration", nil, meta)
			}
			a := ev.Artifact.Clone()
			a.State = intent.LifecyclePending
			a.Version = 1
			a.CreatedAt = entry.Timestamp
			a.UpdatedAt = entry.Timestamp
			byID[a.ID] = &a
			order = append(order, a.ID)
			continue
		}

		a, ok := byID[ev.ArtifactID]
		if !ok {
			// registration never acked
			continue
		}
		switch entry.Kind {
		case KindArtifactLifecycle:
			if err := intent.ValidateLifecycleTransition(a.ID, a.State, ev.To); err != nil {
				return nil, err
			}
			a.State = ev.To
		case KindArtifactMaterialized:
			if ev.Location == nil {
				return nil, intent.NewError(intent.ErrValidation, "materialization entry without location", nil, meta)
			}
			a.Materializations = append(a.Materializations, *ev.Location)
		}
		a.Version++
		a.UpdatedAt = entry.Timestamp
	}

	out := make([]intent.Artifact, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// RestoreReport summarizes a Restore run.
type RestoreReport struct {
	Restored    int
	Interrupted []string
	Skipped     []string
	// Reinstated lists artifacts the state surface had lost and that were
	// registered again from the WAL.
	Reinstated []string
}

// Restore rebuilds executions from every stream in the WAL. Executions
// that were not terminal when the process stopped are failed with
// EXECUTION_INTERRUPTED since their handlers are gone. Artifacts missing
// from the state surface are registered again, and artifacts a terminal
// execution left pending are settled. Streams that do not replay are
// skipped and reported.
func (m *Manager) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	streams, err := m.log.Streams(ctx, streamPrefix)
	if err != nil {
		return report, m.durabilityError(err, "", "restore")
	}
	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := strings.TrimPrefix(stream, streamPrefix)
		if _, exists := m.records.Load(id); exists {
			continue
		}
		exec, artifacts, err := replayStream(ctx, m.log, id)
		if err != nil {
			if wal.IsUnavailable(err) {
				return report, m.durabilityError(err, id, "restore")
			}
			m.logger.Warn("skipping execution stream %s: %v", stream, err)
			report.Skipped = append(report.Skipped, id)
			continue
		}

		rec := newRecord(*exec)
		rec.recorded = true
		for _, a := range artifacts {
			rec.addProduced(a.ID)
		}
		if exec.Status.IsTerminal() {
			close(rec.done)
		}
		if _, loaded := m.records.LoadOrStore(id, rec); loaded {
			continue
		}
		report.Restored++

		for _, a := range artifacts {
			reinstated, err := m.reinstate(ctx, a)
			if err != nil {
				m.executionLogger(*exec).Error("artifact %s not reinstated: %v", a.ID, err)
				continue
			}
			if reinstated {
				report.Reinstated = append(report.Reinstated, a.ID)
			}
		}

		switch exec.Status {
		case intent.StatusCompleted:
			m.settleArtifacts(ctx, rec, *exec, intent.LifecycleReady)
		case intent.StatusFailed, intent.StatusCancelled:
			m.settleArtifacts(ctx, rec, *exec, intent.LifecycleFailed)
		default:
			m.fail(ctx, rec, &intent.ErrorInfo{
				Kind:    intent.ErrCodeInterrupted,
				Message: "process stopped while execution was " + string(exec.Status),
			}, nil)
			report.Interrupted = append(report.Interrupted, id)
		}
	}
	return report, nil
}

// reinstate registers a replayed artifact the surface does not know and
// walks it to its recorded lifecycle state. It reports false when the
// surface already holds the artifact.
func (m *Manager) reinstate(ctx context.Context, a intent.Artifact) (bool, error) {
	_, err := m.state.Artifacts.Resolve(ctx, a.TenantID, a.ID)
	if err == nil {
		return false, nil
	}
	if !intent.IsKind(err, intent.ErrCodeNotFound) {
		return false, err
	}

	target := a.State
	a.State = intent.LifecyclePending
	if _, err := m.state.Artifacts.Register(ctx, a); err != nil {
		return false, err
	}
	from := intent.LifecyclePending
	for _, step := range lifecyclePath(target) {
		if _, err := m.state.Artifacts.CompareAndSwapLifecycle(ctx, a.TenantID, a.ID, from, step); err != nil {
			return true, err
		}
		from = step
	}
	return true, nil
}

// lifecyclePath lists the moves that take a pending artifact to target.
func lifecyclePath(target intent.LifecycleState) []intent.LifecycleState {
	switch target {
	case intent.LifecycleReady, intent.LifecycleFailed, intent.LifecycleDeleted:
		return []intent.LifecycleState{target}
	case intent.LifecycleArchived:
		return []intent.LifecycleState{intent.LifecycleReady, intent.LifecycleArchived}
	default:
		return nil
	}
}
