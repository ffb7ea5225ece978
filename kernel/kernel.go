// Package kernel assembles the runtime at boot and exposes the operations
// callers use: invoke an intent, query state, subscribe to an execution
// and resolve artifacts. Nothing outside the kernel reaches the WAL, the
// state surface or the registry directly.
package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/blob"
	"github.com/goliatone/go-intent/lifecycle"
	"github.com/goliatone/go-intent/logging"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/state"
	"github.com/goliatone/go-intent/telemetry"
	"github.com/goliatone/go-intent/wal"
)

// Dependencies are the backing services. WAL, State and Registry are
// required, the rest are optional.
type Dependencies struct {
	WAL       wal.Log
	State     state.Surface
	Registry  *registry.Registry
	Blob      blob.Store
	Logger    logging.Logger
	Telemetry *telemetry.Provider
}

func (d Dependencies) Validate() error {
	var errs []error
	if d.WAL == nil {
		errs = append(errs, errors.New("wal log required"))
	}
	if err := d.State.Validate(); err != nil {
		errs = append(errs, err)
	}
	if d.Registry == nil {
		errs = append(errs, errors.New("intent registry required"))
	}
	return errors.Join(errs...)
}

// Service is anything started and stopped together with the kernel, the
// cron scheduler being the usual one.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Kernel struct {
	deps      Dependencies
	manager   *lifecycle.Manager
	admission *admission
	logger    logging.Logger

	restore       bool
	services      []Service
	managerOpts   []lifecycle.Option
	subscribeBuf  int
	stopTimeout   time.Duration
	restoreReport lifecycle.RestoreReport

	mu      sync.Mutex
	started atomic.Bool
	stopped atomic.Bool
}

// New validates every dependency before building anything. A kernel is
// never assembled around a missing backend.
func New(deps Dependencies, opts ...Option) (*Kernel, error) {
	if err := deps.Validate(); err != nil {
		return nil, intent.NewError(intent.ErrValidation, "invalid kernel dependencies", err, nil)
	}

	k := &Kernel{
		deps:         deps,
		logger:       logging.Normalize(deps.Logger),
		restore:      true,
		subscribeBuf: 16,
		stopTimeout:  10 * time.Second,
	}

	var errs []error
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, intent.NewError(intent.ErrValidation, "invalid kernel options", err, nil)
	}

	managerOpts := []lifecycle.Option{
		lifecycle.WithLogger(k.logger),
		lifecycle.WithTelemetry(deps.Telemetry),
	}
	if deps.Blob != nil {
		managerOpts = append(managerOpts, lifecycle.WithBlobStore(deps.Blob))
	}
	managerOpts = append(managerOpts, k.managerOpts...)

	manager, err := lifecycle.New(deps.WAL, deps.State, deps.Registry, managerOpts...)
	if err != nil {
		return nil, err
	}
	k.manager = manager
	return k, nil
}

// RegisterIntent binds a handler. Only allowed before Start.
func (k *Kernel) RegisterIntent(intentType string, handler intent.Handler, opts ...registry.Option) error {
	if k.started.Load() {
		return intent.NewError(intent.ErrRegistryFrozen, "intents must be registered before start", nil, map[string]any{
			"intent_type": intentType,
		})
	}
	if err := k.deps.Registry.Register(intentType, handler, opts...); err != nil {
		return err
	}
	k.logger.Debug("registered intent %s", intentType)
	return nil
}

// AddService registers a service after construction, for services that
// need the kernel themselves. Only allowed before Start.
func (k *Kernel) AddService(svc Service) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started.Load() {
		return intent.NewError(intent.ErrValidation, "services must be added before start", nil, nil)
	}
	if svc == nil {
		return intent.NewError(intent.ErrValidation, "service cannot be nil", nil, nil)
	}
	k.services = append(k.services, svc)
	return nil
}

// Start ends the boot phase: the registry is frozen, executions left
// open by a previous process are restored and services are started.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started.Load() {
		return intent.NewError(intent.ErrValidation, "kernel already started", nil, nil)
	}
	if err := k.deps.Registry.Freeze(); err != nil {
		return err
	}
	if k.restore {
		report, err := k.manager.Restore(ctx)
		if err != nil {
			return err
		}
		k.restoreReport = report
		if report.Restored > 0 || len(report.Skipped) > 0 {
			k.logger.Info("restored %d executions, %d interrupted, %d skipped",
				report.Restored, len(report.Interrupted), len(report.Skipped))
		}
	}
	for i, svc := range k.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = k.services[j].Stop(ctx)
			}
			return err
		}
	}
	k.started.Store(true)
	k.logger.Info("kernel started with intents %v", k.deps.Registry.Types())
	return nil
}

// Stop halts services, then waits for running handlers. Handlers still
// running when ctx ends are cancelled.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.started.Load() || !k.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for i := len(k.services) - 1; i >= 0; i-- {
		if err := k.services[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok && k.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.stopTimeout)
		defer cancel()
	}
	if err := k.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		k.logger.Error("kernel stopped with errors: %v", err)
		return err
	}
	k.logger.Info("kernel stopped")
	return nil
}

// RestoreReport describes what Start recovered from the WAL.
func (k *Kernel) RestoreReport() lifecycle.RestoreReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.restoreReport
}

func (k *Kernel) ready() error {
	if !k.started.Load() {
		return intent.NewError(intent.ErrValidation, "kernel not started", nil, nil)
	}
	if k.stopped.Load() {
		return intent.NewError(intent.ErrInterrupted, "kernel stopped", nil, nil)
	}
	return nil
}

// InvokeRequest carries the intent plus per call overrides.
type InvokeRequest struct {
	Intent      intent.Intent
	ExecutionID string
	Timeout     time.Duration
}

type InvokeResponse struct {
	ExecutionID string        `json:"execution_id"`
	Status      intent.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// InvokeIntent admits and submits one intent. The response reflects the
// execution as soon as its creation is durable.
func (k *Kernel) InvokeIntent(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	if err := k.ready(); err != nil {
		return InvokeResponse{}, err
	}
	if err := req.Intent.Validate(); err != nil {
		return InvokeResponse{}, err
	}

	tenant := req.Intent.TenantID
	admitted := k.admission.allow(tenant)
	k.deps.Telemetry.RecordAdmission(ctx, tenant, admitted)
	if !admitted {
		return InvokeResponse{}, intent.NewError(intent.ErrRateLimited, "tenant exceeded admission rate", nil, map[string]any{
			"tenant_id":   tenant,
			"intent_type": req.Intent.Type,
		})
	}

	var opts []lifecycle.SubmitOption
	if req.ExecutionID != "" {
		opts = append(opts, lifecycle.WithExecutionID(req.ExecutionID))
	}
	if req.Timeout > 0 {
		opts = append(opts, lifecycle.WithTimeout(req.Timeout))
	}

	id, err := k.manager.Submit(ctx, req.Intent, opts...)
	if id == "" {
		return InvokeResponse{}, err
	}
	exec, lookupErr := k.manager.GetStatus(id, tenant)
	if lookupErr != nil {
		return InvokeResponse{ExecutionID: id}, errors.Join(err, lookupErr)
	}
	return InvokeResponse{
		ExecutionID: id,
		Status:      exec.Status,
		CreatedAt:   exec.CreatedAt,
	}, err
}

// StateView is the answer to QueryState. Execution is set only when an
// execution id was asked for.
type StateView struct {
	Session   *intent.SessionState `json:"session_state"`
	Execution *intent.Execution    `json:"execution,omitempty"`
}

func (k *Kernel) QueryState(ctx context.Context, tenantID, sessionID, executionID string) (StateView, error) {
	session, err := k.deps.State.Sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return StateView{}, err
	}
	view := StateView{Session: session}
	if executionID == "" {
		return view, nil
	}
	exec, err := k.manager.GetStatus(executionID, tenantID)
	if err != nil {
		return StateView{}, err
	}
	view.Execution = &exec
	return view, nil
}

// Execution is the single status lookup.
func (k *Kernel) Execution(executionID, tenantID string) (intent.Execution, error) {
	return k.manager.GetStatus(executionID, tenantID)
}

// Wait blocks until the execution reaches a terminal status.
func (k *Kernel) Wait(ctx context.Context, executionID, tenantID string) (intent.Execution, error) {
	return k.manager.Wait(ctx, executionID, tenantID)
}

// Cancel requests cancellation, a no-op for terminal executions.
func (k *Kernel) Cancel(ctx context.Context, executionID, tenantID string) error {
	return k.manager.Cancel(ctx, executionID, tenantID)
}

func (k *Kernel) ResolveArtifact(ctx context.Context, artifactID, tenantID string) (intent.Artifact, error) {
	return k.deps.State.Artifacts.Resolve(ctx, tenantID, artifactID)
}

// ListArtifacts requires a tenant in the filter, there is no cross
// tenant listing.
func (k *Kernel) ListArtifacts(ctx context.Context, filter intent.ArtifactFilter) ([]intent.Artifact, error) {
	return k.deps.State.Artifacts.List(ctx, filter)
}
