package intent

import (
	"slices"
	"time"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the execution DAG.
func CanTransition(from, to Status) bool {
	return slices.Contains(statusTransitions[from], to)
}

// EventSummary is a short record of something a handler reported.
type EventSummary struct {
	Name      string         `json:"name"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Execution is one attempt to run an Intent. Values handed out by the
// lifecycle manager are snapshots and safe to keep.
type Execution struct {
	ID        string         `json:"execution_id"`
	Intent    Intent         `json:"intent"`
	Status    Status         `json:"status"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Events    []EventSummary `json:"events,omitempty"`
	Summary   map[string]any `json:"summary,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   int            `json:"version"`
}

func (e Execution) Clone() Execution {
	out := e
	out.Intent = e.Intent.Clone()
	out.Artifacts = slices.Clone(e.Artifacts)
	if e.Events != nil {
		out.Events = make([]EventSummary, len(e.Events))
		for i, ev := range e.Events {
			ev.Data = CloneMap(ev.Data)
			out.Events[i] = ev
		}
	}
	out.Summary = CloneMap(e.Summary)
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return out
}

func (e Execution) Terminal() bool {
	return e.Status.IsTerminal()
}
