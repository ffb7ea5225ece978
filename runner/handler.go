// Package runner invokes one handler call under a timeout and a
// cooperative cancellation control. It never retries.
package runner

import (
	"context"
	"errors"
	"time"

	intent "github.com/goliatone/go-intent"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Outcome describes how a Run ended. At most one of TimedOut and
// Cancelled is set.
type Outcome struct {
	Err       error
	TimedOut  bool
	Cancelled bool
	Panicked  bool
	// Abandoned is set when fn was still running after the grace period.
	Abandoned bool
	Duration  time.Duration
}

// Handler runs functions with the configured bounds. It is safe for
// concurrent use.
type Handler struct {
	logger      Logger
	panicLogger intent.PanicLogger
	timeout     time.Duration
	deadline    time.Time
	grace       time.Duration
	now         func() time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		panicLogger: intent.DefaultPanicLogger,
		now:         time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn without an external control.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) Outcome {
	return h.RunControlled(ctx, nil, fn)
}

type callResult struct {
	err      error
	panicked bool
}

// RunControlled calls fn in its own goroutine and waits for it, the
// timeout, the parent context or ctl. The context passed to fn is
// cancelled as soon as any of those fire.
func (h *Handler) RunControlled(ctx context.Context, ctl *Control, fn func(context.Context) error) Outcome {
	start := h.now()
	runCtx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	if ctl != nil {
		go func() {
			select {
			case <-ctl.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	done := make(chan callResult, 1)
	go func() {
		var err error
		panicked := true
		defer func() {
			done <- callResult{err: err, panicked: panicked}
		}()
		defer intent.RecoverInto(h.panicLogger, "runner.Run", &err)()
		err = fn(runCtx)
		panicked = false
	}()

	var out Outcome
	select {
	case r := <-done:
		if r.err != nil && !r.panicked && (runCtx.Err() != nil || ctl.Cancelled()) {
			// fn returned because it observed the interruption
			out = h.interrupted(ctx, runCtx, ctl)
			if out.TimedOut {
				ctl.Cancel(out.Err)
			}
			break
		}
		out.Err = r.err
		out.Panicked = r.panicked
	case <-runCtx.Done():
		out = h.interrupted(ctx, runCtx, ctl)
		if out.TimedOut {
			ctl.Cancel(out.Err)
		}
		if !h.waitGrace(done) {
			out.Abandoned = true
			h.logInfo("runner stopped waiting for handler after %s grace", h.grace)
		}
	}
	out.Duration = h.now().Sub(start)
	return out
}

func (h *Handler) interrupted(parent, runCtx context.Context, ctl *Control) Outcome {
	if ctl != nil && ctl.Cancelled() {
		return Outcome{Cancelled: true, Err: ctl.Cause()}
	}
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Outcome{TimedOut: true, Err: runCtx.Err()}
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return Outcome{TimedOut: true, Err: parent.Err()}
	}
	return Outcome{Cancelled: true, Err: context.Cause(parent)}
}

// waitGrace gives fn a chance to observe cancellation and return. The
// late result is discarded.
func (h *Handler) waitGrace(done <-chan callResult) bool {
	if h.grace <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Handler) logInfo(format string, args ...any) {
	if h.logger != nil {
		h.logger.Info(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return context.WithCancel(parent)
	}
}
