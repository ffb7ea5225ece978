// Package lifecycle runs submitted intents. It owns the execution state
// machine, builds the per-execution context handed to handlers and writes
// every transition to the WAL before it becomes visible.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/blob"
	"github.com/goliatone/go-intent/logging"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/state"
	"github.com/goliatone/go-intent/telemetry"
	"github.com/goliatone/go-intent/wal"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultCancelGrace = 2 * time.Second
)

// Resolver is the read side of the intent registry.
type Resolver interface {
	Resolve(intentType string) (registry.Binding, error)
}

type Manager struct {
	log       wal.Log
	state     state.Surface
	resolver  Resolver
	blobs     blob.Store
	logger    logging.Logger
	telemetry *telemetry.Provider

	defaultTimeout time.Duration
	cancelGrace    time.Duration
	capabilities   intent.Capabilities
	now            func() time.Time
	newID          func() string
	slots          chan struct{}

	records sync.Map
	// closeMu orders running.Add against Close so Wait never races an Add.
	closeMu sync.Mutex
	closed  bool
	running sync.WaitGroup
}

type Option func(*Manager) error

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) error {
		m.logger = logging.Normalize(l)
		return nil
	}
}

func WithTelemetry(p *telemetry.Provider) Option {
	return func(m *Manager) error {
		m.telemetry = p
		return nil
	}
}

// WithDefaultTimeout bounds handlers whose registration sets no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("default timeout must be positive, got %s", d)
		}
		m.defaultTimeout = d
		return nil
	}
}

func WithCancelGrace(d time.Duration) Option {
	return func(m *Manager) error {
		if d < 0 {
			return fmt.Errorf("cancel grace cannot be negative, got %s", d)
		}
		m.cancelGrace = d
		return nil
	}
}

// WithMaxConcurrent caps handlers running at once. Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) error {
		if n < 0 {
			return fmt.Errorf("max concurrent cannot be negative, got %d", n)
		}
		if n > 0 {
			m.slots = make(chan struct{}, n)
		}
		return nil
	}
}

func WithBlobStore(s blob.Store) Option {
	return func(m *Manager) error {
		m.blobs = s
		return nil
	}
}

func WithCapabilities(c intent.Capabilities) Option {
	return func(m *Manager) error {
		m.capabilities = c
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		m.now = now
		return nil
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) error {
		if gen == nil {
			return errors.New("id generator cannot be nil")
		}
		m.newID = gen
		return nil
	}
}

// New validates dependencies up front, a manager never starts half wired.
func New(log wal.Log, surface state.Surface, resolver Resolver, opts ...Option) (*Manager, error) {
	var errs []error
	if log == nil {
		errs = append(errs, errors.New("wal log required"))
	}
	if err := surface.Validate(); err != nil {
		errs = append(errs, err)
	}
	if resolver == nil {
		errs = append(errs, errors.New("intent resolver required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, intent.NewError(intent.ErrValidation, "invalid lifecycle manager dependencies", err, nil)
	}

	m := &Manager{
		log:            log,
		state:          surface,
		resolver:       resolver,
		logger:         logging.NewFmtLogger(nil),
		defaultTimeout: DefaultTimeout,
		cancelGrace:    DefaultCancelGrace,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, intent.NewError(intent.ErrValidation, "invalid lifecycle manager options", err, nil)
	}
	return m, nil
}

type submitOptions struct {
	executionID string
	timeout     time.Duration
}

type SubmitOption func(*submitOptions)

// WithExecutionID lets the caller pick the id. A second submit with the
// same id fails with DUPLICATE_EXECUTION.
func WithExecutionID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.executionID = strings.TrimSpace(id)
	}
}

// WithTimeout overrides the registered timeout for one submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Submit records a new execution and schedules it. It returns as soon as
// the created entry is durable. Malformed intents and schema violations
// fail synchronously and create nothing. An unknown intent type creates
// an execution that is already failed when Submit returns.
func (m *Manager) Submit(ctx context.Context, in intent.Intent, opts ...SubmitOption) (string, error) {
	if !m.admit() {
		return "", intent.NewError(intent.ErrInterrupted, "lifecycle manager is shutting down", nil, nil)
	}
	dispatched := false
	defer func() {
		if !dispatched {
			m.running.Done()
		}
	}()

	if err := in.Validate(); err != nil {
		return "", err
	}

	so := submitOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	id := so.executionID
	if id == "" {
		id = m.newID()
	}

	binding, resolveErr := m.resolver.Resolve(in.Type)
	if resolveErr == nil {
		if err := binding.ValidateParameters(in.Parameters); err != nil {
			return "", err
		}
	}

	ts := m.now().UTC()
	exec := intent.Execution{
		ID:        id,
		Intent:    in.Clone(),
		Status:    intent.StatusCreated,
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   1,
	}
	rec := newRecord(exec)
	rec.binding = binding
	rec.timeout = m.timeoutFor(binding, so.timeout)

	if _, loaded := m.records.LoadOrStore(id, rec); loaded {
		return "", intent.NewError(intent.ErrDuplicateExecution, "execution id already submitted", nil, map[string]any{
			"execution_id": id,
		})
	}

	logger := m.executionLogger(exec)

	rec.mu.Lock()
	_, err := m.appendExecution(ctx, exec)
	rec.recorded = err == nil
	rec.mu.Unlock()
	if err != nil {
		durable := m.durabilityError(err, id, KindExecutionCreated)
		m.forceFail(ctx, rec, intent.ToErrorInfo(durable, intent.ErrCodeDurabilityFailure))
		logger.Error("execution %s could not be recorded: %v", id, err)
		return id, durable
	}

	if resolveErr != nil {
		logger.Warn("no handler for intent type %s", in.Type)
		m.fail(ctx, rec, intent.ToErrorInfo(resolveErr, intent.ErrCodeHandlerNotFound), nil)
		return id, nil
	}

	logger.Debug("execution %s created", id)
	dispatched = true
	go m.dispatch(rec)
	return id, nil
}

// admit counts a submission in running unless Close already started. The
// count is handed to the dispatch goroutine or released by Submit.
func (m *Manager) admit() bool {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return false
	}
	m.running.Add(1)
	return true
}

func (m *Manager) timeoutFor(b registry.Binding, override time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case b.Timeout > 0:
		return b.Timeout
	default:
		return m.defaultTimeout
	}
}

func (m *Manager) lookup(executionID, tenantID string) (*record, error) {
	v, ok := m.records.Load(executionID)
	if ok {
		rec := v.(*record)
		if rec.current().Intent.TenantID == tenantID {
			return rec, nil
		}
	}
	return nil, intent.NewError(intent.ErrNotFound, "execution not found", nil, map[string]any{
		"execution_id": executionID,
		"tenant_id":    tenantID,
	})
}

// GetStatus returns a snapshot. It never blocks on a running handler. An
// execution of another tenant is reported as not found.
func (m *Manager) GetStatus(executionID, tenantID string) (intent.Execution, error) {
	rec, err := m.lookup(executionID, tenantID)
	if err != nil {
		return intent.Execution{}, err
	}
	return rec.view(), nil
}

// Cancel signals the execution token. It is a no-op once the execution
// is terminal.
func (m *Manager) Cancel(_ context.Context, executionID, tenantID string) error {
	rec, err := m.lookup(executionID, tenantID)
	if err != nil {
		return err
	}
	if rec.current().Status.IsTerminal() {
		return nil
	}
	if rec.ctl.Cancel(intent.NewError(intent.ErrCancelled, "cancellation requested", nil, map[string]any{
		"execution_id": executionID,
	})) {
		m.executionLogger(rec.current()).Info("cancellation requested for %s", executionID)
	}
	return nil
}

// Wait blocks until the execution is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, executionID, tenantID string) (intent.Execution, error) {
	rec, err := m.lookup(executionID, tenantID)
	if err != nil {
		return intent.Execution{}, err
	}
	select {
	case <-rec.done:
		return rec.view(), nil
	case <-ctx.Done():
		return rec.view(), ctx.Err()
	}
}

// Watch streams status snapshots. The first value is the current state,
// the channel closes after the terminal snapshot or when stop is called.
func (m *Manager) Watch(executionID, tenantID string) (<-chan intent.Execution, func(), error) {
	rec, err := m.lookup(executionID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := rec.watch()
	return ch, stop, nil
}

// Executions lists live snapshots for a tenant.
func (m *Manager) Executions(tenantID string) []intent.Execution {
	var out []intent.Execution
	m.records.Range(func(_, v any) bool {
		rec := v.(*record)
		if rec.current().Intent.TenantID == tenantID {
			out = append(out, rec.view())
		}
		return true
	})
	return out
}

// Close stops accepting submissions and waits for dispatched handlers.
// When ctx ends first every running execution is cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.records.Range(func(_, v any) bool {
			v.(*record).ctl.Cancel(intent.NewError(intent.ErrInterrupted, "lifecycle manager shutting down", nil, nil))
			return true
		})
		return ctx.Err()
	}
}

func (m *Manager) executionLogger(exec intent.Execution) logging.Logger {
	return logging.For(m.logger, logging.Correlation{
		ExecutionID: exec.ID,
		IntentType:  exec.Intent.Type,
		TenantID:    exec.Intent.TenantID,
		SessionID:   exec.Intent.SessionID,
	})
}

func (m *Manager) panicLogger(logger logging.Logger) intent.PanicLogger {
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		logger.Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
	}
}
