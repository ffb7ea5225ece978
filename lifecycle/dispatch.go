package lifecycle

import (
	"context"
	"fmt"
	"slices"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/runner"
	"github.com/goliatone/go-intent/wal"
)

func (m *Manager) dispatch(rec *record) {
	defer m.running.Done()
	ctx := context.Background()
	logger := m.executionLogger(rec.current())

	if m.acquire(rec) {
		defer m.release()
	}

	running, advanced, err := m.advance(ctx, rec, intent.StatusRunning, nil, nil)
	if err != nil {
		logger.Error("running entry not recorded: %v", err)
		m.forceFail(ctx, rec, intent.ToErrorInfo(err, intent.ErrCodeDurabilityFailure))
		return
	}
	if !advanced {
		return
	}

	tctx, finish := m.telemetry.TrackExecution(ctx, running.ID, running.Intent.Type, running.Intent.TenantID)
	defer func() {
		final := rec.current()
		var (
			kind   string
			errOut error
		)
		if final.Error != nil {
			kind = final.Error.Kind
			errOut = final.Error
		}
		finish(string(final.Status), kind, errOut)
		logger.Info("execution %s finished with status %s", final.ID, final.Status)
	}()

	if rec.ctl.Cancelled() {
		m.cancel(ctx, rec, rec.ctl.Cause())
		return
	}

	ec := m.buildContext(rec, running)
	h := runner.NewHandler(
		runner.WithTimeout(rec.timeout),
		runner.WithGrace(m.cancelGrace),
		runner.WithLogger(logger),
		runner.WithPanicLogger(m.panicLogger(logger)),
	)

	var result intent.Result
	out := h.RunControlled(tctx, rec.ctl, func(runCtx context.Context) error {
		res, err := rec.binding.Handler.Handle(runCtx, ec)
		result = res
		return err
	})
	if out.Abandoned {
		logger.Warn("handler for %s ignored cancellation and was abandoned", running.ID)
	}

	switch {
	case out.Cancelled:
		m.cancel(ctx, rec, out.Err)
	case out.TimedOut:
		m.fail(ctx, rec, &intent.ErrorInfo{
			Kind:    intent.ErrCodeExecutionTimeout,
			Message: fmt.Sprintf("handler exceeded timeout of %s", rec.timeout),
		}, nil)
	case out.Err != nil:
		m.fail(ctx, rec, handlerFailure(out.Err), withResult(rec, result))
	case result.Failed():
		m.fail(ctx, rec, resultFailure(result), withResult(rec, result))
	default:
		m.complete(ctx, rec, result)
	}
}

func (m *Manager) acquire(rec *record) bool {
	if m.slots == nil {
		return false
	}
	select {
	case m.slots <- struct{}{}:
		return true
	case <-rec.ctl.Done():
		return false
	}
}

func (m *Manager) release() {
	<-m.slots
}

func handlerFailure(err error) *intent.ErrorInfo {
	switch intent.ErrorKind(err) {
	case intent.ErrCodeHandlerError, intent.ErrCodeDurabilityFailure:
		return intent.ToErrorInfo(err, intent.ErrCodeHandlerError)
	}
	return intent.ToErrorInfo(intent.NewError(intent.ErrHandlerError, "handler returned an error", err, nil), intent.ErrCodeHandlerError)
}

func resultFailure(res intent.Result) *intent.ErrorInfo {
	if res.Error != nil {
		return handlerFailure(res.Error)
	}
	return &intent.ErrorInfo{Kind: intent.ErrCodeHandlerError, Message: "handler reported failure"}
}

func withResult(rec *record, res intent.Result) func(*intent.Execution) {
	return func(e *intent.Execution) {
		e.Artifacts = mergeIDs(rec.producedIDs(), res.Artifacts)
		e.Events = res.Events
		e.Summary = intent.CloneMap(res.Summary)
	}
}

func mergeIDs(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// complete verifies the artifacts the handler reported, records the
// completed entry and then promotes pending artifacts to ready. The
// completed entry is final once written: a promotion that cannot be
// recorded leaves its artifact pending and Restore settles it later.
func (m *Manager) complete(ctx context.Context, rec *record, res intent.Result) {
	exec := rec.current()
	if err := m.verifyArtifacts(ctx, exec, res.Artifacts); err != nil {
		m.fail(ctx, rec, intent.ToErrorInfo(err, intent.ErrCodeHandlerError), withResult(rec, res))
		return
	}
	_, _, err := m.advance(ctx, rec, intent.StatusCompleted, withResult(rec, res), func(next intent.Execution) {
		m.settleArtifacts(ctx, rec, next, intent.LifecycleReady)
	})
	if err != nil {
		m.executionLogger(exec).Error("completed entry not recorded: %v", err)
		m.forceFail(ctx, rec, intent.ToErrorInfo(err, intent.ErrCodeDurabilityFailure))
	}
}

func (m *Manager) verifyArtifacts(ctx context.Context, exec intent.Execution, ids []string) error {
	for _, id := range ids {
		a, err := m.state.Artifacts.Resolve(ctx, exec.Intent.TenantID, id)
		if err != nil {
			return intent.NewError(intent.ErrHandlerError, "result references unknown artifact "+id, err, map[string]any{
				"artifact_id":  id,
				"execution_id": exec.ID,
			})
		}
		if a.ProducedBy.ExecutionID != exec.ID {
			return intent.NewError(intent.ErrHandlerError, "artifact "+id+" was not produced by this execution", nil, map[string]any{
				"artifact_id":  id,
				"execution_id": exec.ID,
				"produced_by":  a.ProducedBy.ExecutionID,
			})
		}
	}
	return nil
}

// fail moves the execution to failed. Pending artifacts it produced are
// demoted. When the failed entry cannot be written the execution is still
// failed, with the durability error.
func (m *Manager) fail(ctx context.Context, rec *record, info *intent.ErrorInfo, mutate func(*intent.Execution)) {
	_, _, err := m.advance(ctx, rec, intent.StatusFailed, func(e *intent.Execution) {
		if mutate != nil {
			mutate(e)
		} else {
			e.Artifacts = rec.producedIDs()
		}
		e.Error = info
	}, func(next intent.Execution) {
		m.settleArtifacts(ctx, rec, next, intent.LifecycleFailed)
	})
	if err != nil {
		m.forceFail(ctx, rec, intent.ToErrorInfo(err, intent.ErrCodeDurabilityFailure))
	}
}

func (m *Manager) cancel(ctx context.Context, rec *record, cause error) {
	info := &intent.ErrorInfo{Kind: intent.ErrCodeCancelled, Message: "execution cancelled"}
	if cause != nil {
		info = intent.ToErrorInfo(cause, intent.ErrCodeCancelled)
	}
	_, _, err := m.advance(ctx, rec, intent.StatusCancelled, func(e *intent.Execution) {
		e.Artifacts = rec.producedIDs()
		e.Error = info
	}, func(next intent.Execution) {
		m.settleArtifacts(ctx, rec, next, intent.LifecycleFailed)
	})
	if err != nil {
		m.forceFail(ctx, rec, intent.ToErrorInfo(err, intent.ErrCodeDurabilityFailure))
	}
}

// advance moves rec to the given status. The entry is written before the
// snapshot is published, a terminal record is left untouched. settle runs
// under the record lock once the entry is durable.
func (m *Manager) advance(ctx context.Context, rec *record, to intent.Status, mutate func(*intent.Execution), settle func(intent.Execution)) (intent.Execution, bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := rec.current()
	if cur.Status.IsTerminal() {
		return cur.Clone(), false, nil
	}
	if !intent.CanTransition(cur.Status, to) {
		return cur.Clone(), false, intent.NewError(intent.ErrInvalidTransition, "illegal execution transition "+string(cur.Status)+" -> "+string(to), nil, map[string]any{
			"execution_id": cur.ID,
		})
	}
	next := m.nextExecution(cur, to, mutate)
	if _, err := m.appendExecution(ctx, next); err != nil {
		return cur.Clone(), false, m.durabilityError(err, cur.ID, statusKind(to))
	}
	if settle != nil {
		settle(next)
	}
	rec.publish(next)
	return next.Clone(), true, nil
}

// forceFail publishes failed even when the WAL rejects the entry, callers
// must never see a non terminal execution they cannot make progress on.
func (m *Manager) forceFail(ctx context.Context, rec *record, info *intent.ErrorInfo) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := rec.current()
	if cur.Status.IsTerminal() {
		return
	}
	next := m.nextExecution(cur, intent.StatusFailed, func(e *intent.Execution) {
		e.Artifacts = rec.producedIDs()
		e.Error = info
	})
	if rec.recorded {
		if _, err := m.appendExecution(ctx, next); err != nil {
			m.executionLogger(cur).Error("failed entry for %s not durable: %v", cur.ID, err)
		}
	}
	m.settleArtifacts(ctx, rec, next, intent.LifecycleFailed)
	rec.publish(next)
}

func (m *Manager) nextExecution(cur intent.Execution, to intent.Status, mutate func(*intent.Execution)) intent.Execution {
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	return next
}

// settleArtifacts moves every still pending artifact the execution
// produced to the given state.
func (m *Manager) settleArtifacts(ctx context.Context, rec *record, exec intent.Execution, to intent.LifecycleState) {
	logger := m.executionLogger(exec)
	for _, id := range rec.producedIDs() {
		a, err := m.state.Artifacts.Resolve(ctx, exec.Intent.TenantID, id)
		if err != nil {
			logger.Warn("artifact %s not resolvable while settling: %v", id, err)
			continue
		}
		if a.State != intent.LifecyclePending {
			continue
		}
		if _, err := m.moveArtifact(ctx, exec, a, to); err != nil {
			logger.Error("artifact %s not moved to %s: %v", id, to, err)
		}
	}
}

// moveArtifact records the lifecycle change as a pending entry, applies it
// with a CAS from the observed state, then acks or rejects the entry. Only
// moves to failed proceed without a durable entry.
func (m *Manager) moveArtifact(ctx context.Context, exec intent.Execution, a intent.Artifact, to intent.LifecycleState) (intent.Artifact, error) {
	if err := intent.ValidateLifecycleTransition(a.ID, a.State, to); err != nil {
		return intent.Artifact{}, err
	}
	entry, appendErr := m.append(ctx, exec.ID, KindArtifactLifecycle, artifactEvent{
		ArtifactID: a.ID,
		TenantID:   a.TenantID,
		From:       a.State,
		To:         to,
	}, EntryPending)
	if appendErr != nil {
		if to != intent.LifecycleFailed {
			return intent.Artifact{}, m.durabilityError(appendErr, exec.ID, KindArtifactLifecycle)
		}
		m.executionLogger(exec).Warn("artifact %s demoted without wal entry: %v", a.ID, appendErr)
	}

	updated, err := m.state.Artifacts.CompareAndSwapLifecycle(ctx, a.TenantID, a.ID, a.State, to)
	if appendErr == nil {
		m.settleEntry(ctx, exec, entry, err)
	}
	return updated, err
}

// registerArtifact writes the registration before the registry sees it. A
// registration the registry refuses leaves a rejected entry behind.
func (m *Manager) registerArtifact(ctx context.Context, exec intent.Execution, a intent.Artifact) (intent.Artifact, error) {
	if err := a.Validate(); err != nil {
		return intent.Artifact{}, err
	}
	entry, err := m.append(ctx, exec.ID, KindArtifactRegistered, artifactEvent{
		ArtifactID: a.ID,
		TenantID:   a.TenantID,
		Type:       a.Type,
		To:         a.State,
		Parents:    a.Parents,
		Artifact:   &a,
	}, EntryPending)
	if err != nil {
		return intent.Artifact{}, m.durabilityError(err, exec.ID, KindArtifactRegistered)
	}
	registered, err := m.state.Artifacts.Register(ctx, a)
	m.settleEntry(ctx, exec, entry, err)
	return registered, err
}

func (m *Manager) materializeArtifact(ctx context.Context, exec intent.Execution, artifactID string, mat intent.Materialization) error {
	entry, err := m.append(ctx, exec.ID, KindArtifactMaterialized, artifactEvent{
		ArtifactID: artifactID,
		TenantID:   exec.Intent.TenantID,
		Location:   &mat,
	}, EntryPending)
	if err != nil {
		return m.durabilityError(err, exec.ID, KindArtifactMaterialized)
	}
	_, err = m.state.Artifacts.AddMaterialization(ctx, exec.Intent.TenantID, artifactID, mat)
	m.settleEntry(ctx, exec, entry, err)
	return err
}

// settleEntry acks a pending entry when applyErr is nil and rejects it
// otherwise. Replay only folds acked artifact entries.
func (m *Manager) settleEntry(ctx context.Context, exec intent.Execution, entry wal.Entry, applyErr error) {
	status := EntryAcked
	if applyErr != nil {
		status = EntryRejected
	}
	if _, err := m.log.UpdateStatus(ctx, StreamID(exec.ID), entry.Sequence, status); err != nil {
		m.executionLogger(exec).Warn("%s entry %d left pending: %v", entry.Kind, entry.Sequence, err)
	}
}

func (m *Manager) appendExecution(ctx context.Context, exec intent.Execution) (wal.Entry, error) {
	return m.append(ctx, exec.ID, statusKind(exec.Status), newExecutionEvent(exec), "")
}

func (m *Manager) append(ctx context.Context, executionID, kind string, payload any, status string) (wal.Entry, error) {
	rec, err := wal.NewRecord(kind, payload, status)
	if err != nil {
		return wal.Entry{}, err
	}
	entry, err := m.log.Append(ctx, StreamID(executionID), rec)
	m.telemetry.RecordWALAppend(ctx, kind, err)
	return entry, err
}

func (m *Manager) durabilityError(err error, executionID, kind string) error {
	if intent.IsKind(err, intent.ErrCodeDurabilityFailure) {
		return err
	}
	return intent.NewError(intent.ErrDurabilityFailure, "wal append failed for "+kind, err, map[string]any{
		"execution_id": executionID,
		"kind":         kind,
	})
}
