package lifecycle

import (
	"time"

	intent "github.com/goliatone/go-intent"
)

// WAL entry kinds written on an execution stream.
const (
	KindExecutionCreated   = "execution.created"
	KindExecutionRunning   = "execution.running"
	KindExecutionCompleted = "execution.completed"
	KindExecutionFailed    = "execution.failed"
	KindExecutionCancelled = "execution.cancelled"

	KindArtifactRegistered   = "artifact.registered"
	KindArtifactLifecycle    = "artifact.lifecycle"
	KindArtifactMaterialized = "artifact.materialized"

	KindHandlerEvent = "handler.event"
)

// Entry statuses used on artifact lifecycle entries.
const (
	EntryPending  = "pending"
	EntryAcked    = "acked"
	EntryRejected = "rejected"
)

const streamPrefix = "exec:"

// StreamID returns the WAL stream of an execution.
func StreamID(executionID string) string {
	return streamPrefix + executionID
}

func statusKind(s intent.Status) string {
	switch s {
	case intent.StatusCreated:
		return KindExecutionCreated
	case intent.StatusRunning:
		return KindExecutionRunning
	case intent.StatusCompleted:
		return KindExecutionCompleted
	case intent.StatusFailed:
		return KindExecutionFailed
	case intent.StatusCancelled:
		return KindExecutionCancelled
	default:
		return ""
	}
}

func kindStatus(kind string) (intent.Status, bool) {
	switch kind {
	case KindExecutionCreated:
		return intent.StatusCreated, true
	case KindExecutionRunning:
		return intent.StatusRunning, true
	case KindExecutionCompleted:
		return intent.StatusCompleted, true
	case KindExecutionFailed:
		return intent.StatusFailed, true
	case KindExecutionCancelled:
		return intent.StatusCancelled, true
	default:
		return "", false
	}
}

// executionEvent is the payload of every execution.* entry. It carries
// enough to rebuild the Execution without any other source.
type executionEvent struct {
	ExecutionID string                `json:"execution_id"`
	Status      intent.Status         `json:"status"`
	At          time.Time             `json:"at"`
	Intent      *intent.Intent        `json:"intent,omitempty"`
	Artifacts   []string              `json:"artifacts,omitempty"`
	Events      []intent.EventSummary `json:"events,omitempty"`
	Summary     map[string]any        `json:"summary,omitempty"`
	Error       *intent.ErrorInfo     `json:"error,omitempty"`
}

func newExecutionEvent(e intent.Execution) executionEvent {
	ev := executionEvent{
		ExecutionID: e.ID,
		Status:      e.Status,
		At:          e.UpdatedAt,
		Artifacts:   e.Artifacts,
		Events:      e.Events,
		Summary:     e.Summary,
		Error:       e.Error,
	}
	if e.Status == intent.StatusCreated {
		in := e.Intent
		ev.Intent = &in
	}
	return ev
}

// artifactEvent is the payload of artifact.* entries. Registrations carry
// the whole artifact so the registry can be rebuilt from the stream.
type artifactEvent struct {
	ArtifactID string                  `json:"artifact_id"`
	TenantID   string                  `json:"tenant_id"`
	Type       string                  `json:"artifact_type,omitempty"`
	From       intent.LifecycleState   `json:"from,omitempty"`
	To         intent.LifecycleState   `json:"to,omitempty"`
	Parents    []string                `json:"parents,omitempty"`
	Location   *intent.Materialization `json:"materialization,omitempty"`
	Artifact   *intent.Artifact        `json:"artifact,omitempty"`
}

type handlerEvent struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}
