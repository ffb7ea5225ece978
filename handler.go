package intent

import "context"

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Result is what a handler returns. Artifacts must already be registered
// through the ExecutionContext.
type Result struct {
	Status    ResultStatus   `json:"status"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Events    []EventSummary `json:"events,omitempty"`
	Summary   map[string]any `json:"summary,omitempty"`
	Error     error          `json:"-"`
}

// Failed reports whether the result describes a failure. An empty status
// counts as success unless Error is set.
func (r Result) Failed() bool {
	return r.Status == ResultFailure || r.Error != nil
}

// Handler is the single plugin contract. Handlers reach state, the journal
// and artifacts only through the ExecutionContext.
type Handler interface {
	Handle(ctx context.Context, ec *ExecutionContext) (Result, error)
}

type HandlerFunc func(ctx context.Context, ec *ExecutionContext) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, ec *ExecutionContext) (Result, error) {
	return f(ctx, ec)
}

// Success is a convenience result.
func Success(artifacts ...string) Result {
	return Result{Status: ResultSuccess, Artifacts: artifacts}
}

// Failure wraps err in a failure result.
func Failure(err error) Result {
	return Result{Status: ResultFailure, Error: err}
}
