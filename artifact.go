package intent

import (
	"slices"
	"strings"
	"time"
)

type LifecycleState string

const (
	LifecyclePending  LifecycleState = "pending"
	LifecycleReady    LifecycleState = "ready"
	LifecycleFailed   LifecycleState = "failed"
	LifecycleArchived LifecycleState = "archived"
	LifecycleDeleted  LifecycleState = "deleted"
)

func (s LifecycleState) Valid() bool {
	switch s {
	case LifecyclePending, LifecycleReady, LifecycleFailed, LifecycleArchived, LifecycleDeleted:
		return true
	default:
		return false
	}
}

// CanTransitionLifecycle encodes pending->ready, pending->failed,
// ready->archived and any->deleted. Nothing leaves deleted.
func CanTransitionLifecycle(from, to LifecycleState) bool {
	if !from.Valid() || !to.Valid() || from == LifecycleDeleted {
		return false
	}
	if to == LifecycleDeleted {
		return true
	}
	switch from {
	case LifecyclePending:
		return to == LifecycleReady || to == LifecycleFailed
	case LifecycleReady:
		return to == LifecycleArchived
	default:
		return false
	}
}

// ValidateLifecycleTransition returns INVALID_TRANSITION for illegal moves.
func ValidateLifecycleTransition(artifactID string, from, to LifecycleState) error {
	if CanTransitionLifecycle(from, to) {
		return nil
	}
	return NewError(ErrInvalidTransition, "illegal artifact lifecycle transition "+string(from)+" -> "+string(to), nil, map[string]any{
		"artifact_id": artifactID,
		"from":        string(from),
		"to":          string(to),
	})
}

type ProducedBy struct {
	ExecutionID string `json:"execution_id"`
	IntentType  string `json:"intent_type"`
}

// Materialization is one stored form of an artifact.
type Materialization struct {
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	Digest      string    `json:"digest,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type Artifact struct {
	ID               string            `json:"artifact_id"`
	Type             string            `json:"artifact_type"`
	TenantID         string            `json:"tenant_id"`
	SessionID        string            `json:"session_id,omitempty"`
	State            LifecycleState    `json:"lifecycle_state"`
	ProducedBy       ProducedBy        `json:"produced_by"`
	Parents          []string          `json:"parent_artifacts,omitempty"`
	Materializations []Materialization `json:"materializations,omitempty"`
	Descriptor       map[string]any    `json:"semantic_descriptor,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (a Artifact) Clone() Artifact {
	out := a
	out.Parents = slices.Clone(a.Parents)
	out.Materializations = slices.Clone(a.Materializations)
	out.Descriptor = CloneMap(a.Descriptor)
	return out
}

// Validate checks identity fields before registration.
func (a Artifact) Validate() error {
	var missing []string
	if strings.TrimSpace(a.ID) == "" {
		missing = append(missing, "artifact_id")
	}
	if strings.TrimSpace(a.Type) == "" {
		missing = append(missing, "artifact_type")
	}
	if strings.TrimSpace(a.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(a.ProducedBy.ExecutionID) == "" {
		missing = append(missing, "produced_by.execution_id")
	}
	if len(missing) > 0 {
		return NewError(ErrValidation, "artifact missing required fields: "+strings.Join(missing, ", "), nil, map[string]any{
			"artifact_id": a.ID,
			"missing":     missing,
		})
	}
	if a.State != "" && !a.State.Valid() {
		return NewError(ErrValidation, "unknown artifact lifecycle state "+string(a.State), nil, map[string]any{
			"artifact_id": a.ID,
		})
	}
	return nil
}

// ArtifactFilter narrows List results. TenantID is required.
type ArtifactFilter struct {
	TenantID    string
	SessionID   string
	ExecutionID string
	Type        string
	State       LifecycleState
	Limit       int
}

func (f ArtifactFilter) Validate() error {
	if strings.TrimSpace(f.TenantID) == "" {
		return NewError(ErrValidation, "artifact filter requires tenant_id", nil, nil)
	}
	return nil
}

// Match reports whether a satisfies every populated field of the filter.
func (f ArtifactFilter) Match(a Artifact) bool {
	if a.TenantID != f.TenantID {
		return false
	}
	if f.SessionID != "" && a.SessionID != f.SessionID {
		return false
	}
	if f.ExecutionID != "" && a.ProducedBy.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	return true
}
