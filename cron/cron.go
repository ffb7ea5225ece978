// Package cron submits intents on cron expressions or after a delay.
package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/kernel"
	"github.com/goliatone/go-intent/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Invoker is the kernel side a schedule submits to.
type Invoker interface {
	InvokeIntent(ctx context.Context, req kernel.InvokeRequest) (kernel.InvokeResponse, error)
}

// Spec describes one scheduled intent. Expression is ignored by
// ScheduleAfter and ScheduleAt.
type Spec struct {
	Name       string
	Expression string
	Intent     intent.Intent
	// Timeout overrides the handler timeout of each submitted execution.
	Timeout time.Duration
}

func (s Spec) validate(needExpression bool) error {
	var problems []string
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name required")
	}
	if needExpression && strings.TrimSpace(s.Expression) == "" {
		problems = append(problems, "cron expression cannot be empty")
	}
	if err := s.Intent.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	return intent.NewError(intent.ErrValidation, "invalid schedule: "+strings.Join(problems, "; "), nil, map[string]any{
		"schedule": s.Name,
	})
}

// Scheduler owns a robfig cron instance and the handles of every schedule
// registered on it. It satisfies kernel.Service.
type Scheduler struct {
	invoker Invoker
	cron    *rcron.Cron
	submit  *runner.Handler

	location      *time.Location
	parser        Parser
	errorHandler  func(error)
	submitTimeout time.Duration
	logger        Logger
	logWriter     io.Writer
	logLevel      LogLevel

	mu     sync.Mutex
	nextID int64
	live   map[int64]*schedule
}

var _ kernel.Service = (*Scheduler)(nil)

// NewScheduler creates a new scheduler submitting through invoker.
func NewScheduler(invoker Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		invoker:       invoker,
		location:      time.Local,
		parser:        DefaultParser,
		logLevel:      LogLevelError,
		submitTimeout: 10 * time.Second,
		errorHandler: func(err error) {
			log.Printf("cron: %v", err)
		},
		live: make(map[int64]*schedule),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.build()...)
	s.submit = runner.NewHandler(
		runner.WithTimeout(s.submitTimeout),
		runner.WithPanicLogger(s.panicLogger()),
	)
	return s
}

func (s *Scheduler) ready(spec Spec, needExpression bool) error {
	if s.invoker == nil {
		return intent.NewError(intent.ErrValidation, "scheduler has no invoker", nil, nil)
	}
	return spec.validate(needExpression)
}

// Schedule submits spec.Intent every time spec.Expression fires.
func (s *Scheduler) Schedule(spec Spec) (Handle, error) {
	if err := s.ready(spec, true); err != nil {
		return nil, err
	}
	spec.Intent = spec.Intent.Clone()

	h := s.register(spec.Name, false)
	entryID, err := s.cron.AddFunc(spec.Expression, func() { s.fire(h, spec) })
	if err != nil {
		s.forget(h.id)
		return nil, intent.NewError(intent.ErrValidation, "failed to add job", err, map[string]any{
			"schedule":   spec.Name,
			"expression": spec.Expression,
		})
	}

	s.mu.Lock()
	h.entryID = int(entryID)
	s.mu.Unlock()
	return h, nil
}

// ScheduleAfter submits spec.Intent once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, spec Spec) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), spec)
}

// ScheduleAt submits spec.Intent once at a specific time. One-shot
// schedules do not need Start.
func (s *Scheduler) ScheduleAt(at time.Time, spec Spec) (Handle, error) {
	if err := s.ready(spec, false); err != nil {
		return nil, err
	}
	spec.Intent = spec.Intent.Clone()

	h := s.register(spec.Name, true)
	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()
		select {
		case <-timer.C:
			s.fire(h, spec)
		case <-h.Done():
		}
	}()
	return h, nil
}

// Remove cancels the schedule with the given handle id. It reports false
// when no live schedule has that id.
func (s *Scheduler) Remove(id int64) bool {
	h, entryID := s.forget(id)
	if h == nil {
		return false
	}
	if entryID > 0 {
		s.cron.Remove(rcron.EntryID(entryID))
	}
	h.finish(ScheduleStatusCanceled, nil)
	return true
}

// Handles lists the live schedules ordered by id.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Handle, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.live[id])
	}
	s.mu.Unlock()
	return out
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	if s.invoker == nil {
		return intent.NewError(intent.ErrValidation, "scheduler has no invoker", nil, nil)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and marks every live handle stopped. Jobs
// already running are waited for until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := s.live
	s.live = make(map[int64]*schedule)
	entries := make([]int, 0, len(handles))
	for _, h := range handles {
		entries = append(entries, h.entryID)
	}
	s.mu.Unlock()

	for _, entryID := range entries {
		if entryID > 0 {
			s.cron.Remove(rcron.EntryID(entryID))
		}
	}
	for _, h := range handles {
		h.finish(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) register(name string, oneShot bool) *schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := newSchedule(s, s.nextID, name, oneShot)
	s.live[h.id] = h
	return h
}

// forget drops id from the live set and returns the handle with its cron
// entry, if any.
func (s *Scheduler) forget(id int64) (*schedule, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[id]
	if !ok {
		return nil, 0
	}
	delete(s.live, id)
	return h, h.entryID
}

// fire runs one submission for h. Failures go to the error handler and
// are kept on the handle.
func (s *Scheduler) fire(h *schedule, spec Spec) {
	if !h.begin() {
		return
	}
	executionID, err := s.invoke(spec)
	if h.oneShot {
		s.forget(h.id)
	}
	if err != nil {
		s.errorHandler(err)
	} else if s.logger != nil && s.logLevel >= LogLevelInfo {
		s.logger.Info("schedule %s submitted execution %s", spec.Name, executionID)
	}
	h.record(executionID, err, time.Now())
}

// invoke submits through the runner so a stuck backend cannot hold the
// cron goroutine past submitTimeout.
func (s *Scheduler) invoke(spec Spec) (string, error) {
	var executionID string
	out := s.submit.Run(context.Background(), func(ctx context.Context) error {
		resp, err := s.invoker.InvokeIntent(ctx, kernel.InvokeRequest{
			Intent:  spec.Intent.Clone(),
			Timeout: spec.Timeout,
		})
		executionID = resp.ExecutionID
		return err
	})
	if out.Err != nil {
		return "", fmt.Errorf("schedule %s: %w", spec.Name, out.Err)
	}
	return executionID, nil
}

func (s *Scheduler) panicLogger() intent.PanicLogger {
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		if s.logger != nil {
			s.logger.Error("recovered from panic in %s: %v", funcName, err)
			return
		}
		intent.DefaultPanicLogger(funcName, err, stack, fields...)
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	var opts []rcron.Option
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(fields)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(rcron.Second|fields)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})))
	}

	switch {
	case s.logger != nil:
		opts = append(opts, rcron.WithLogger(&loggerAdapter{logger: s.logger, level: s.logLevel}))
	case s.logWriter != nil:
		opts = append(opts, rcron.WithLogger(makeLogger(s.logWriter, s.logLevel)))
	case s.logLevel > LogLevelSilent:
		opts = append(opts, rcron.WithLogger(makeLogger(os.Stdout, s.logLevel)))
	}
	return opts
}
