package runner

import (
	"time"

	intent "github.com/goliatone/go-intent"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

// WithGrace sets how long Run keeps waiting for fn to return after the
// timeout fired or the control was cancelled.
func WithGrace(d time.Duration) Option {
	return func(r *Handler) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithPanicLogger receives recovered handler panics with their stack.
func WithPanicLogger(l intent.PanicLogger) Option {
	return func(r *Handler) {
		r.panicLogger = l
	}
}
