package intent

import (
	"context"
	"iter"
	"maps"
	"time"

	"github.com/goliatone/go-intent/wal"
)

// SessionState is the per (tenant, session) key/value bag.
type SessionState struct {
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	Values    map[string]any `json:"values"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s SessionState) Clone() SessionState {
	out := s
	out.Values = CloneMap(s.Values)
	return out
}

// SessionAccess is bound to the tenant and session of one execution.
type SessionAccess interface {
	Get(ctx context.Context) (*SessionState, error)
	Set(ctx context.Context, values map[string]any) (SessionState, error)
	CompareAndSet(ctx context.Context, values map[string]any, expectedVersion int64) (SessionState, error)
}

// JournalAccess is bound to the stream of one execution.
type JournalAccess interface {
	StreamID() string
	Append(ctx context.Context, kind string, payload any) (wal.Entry, error)
	Entries(ctx context.Context) iter.Seq2[wal.Entry, error]
}

// ArtifactSpec is what a handler supplies to register an artifact. Identity
// of the producing execution is filled in by the context.
type ArtifactSpec struct {
	ID         string
	Type       string
	Parents    []string
	Descriptor map[string]any
}

// ArtifactAccess is bound to the tenant and execution. Lifecycle updates
// are only allowed on artifacts produced by the same execution.
type ArtifactAccess interface {
	Register(ctx context.Context, spec ArtifactSpec) (Artifact, error)
	Resolve(ctx context.Context, artifactID string) (Artifact, error)
	UpdateLifecycle(ctx context.Context, artifactID string, to LifecycleState) (Artifact, error)
	Materialize(ctx context.Context, artifactID string, data []byte, contentType string) (Materialization, error)
}

// CancelToken is checked by handlers at safe points.
type CancelToken interface {
	Done() <-chan struct{}
	Cancelled() bool
	Cause() error
}

// Capabilities is an immutable name -> value bundle assembled at boot.
type Capabilities struct {
	values map[string]any
}

func NewCapabilities(values map[string]any) Capabilities {
	return Capabilities{values: maps.Clone(values)}
}

func (c Capabilities) Get(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

func (c Capabilities) Names() []string {
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	return names
}

// ContextParams carries everything needed to build an ExecutionContext.
type ContextParams struct {
	ExecutionID  string
	Intent       Intent
	State        SessionAccess
	Journal      JournalAccess
	Artifacts    ArtifactAccess
	Token        CancelToken
	Capabilities Capabilities
}

// ExecutionContext is the read-only view a handler receives. It must not be
// retained after the handler returns.
type ExecutionContext struct {
	executionID  string
	intent       Intent
	state        SessionAccess
	journal      JournalAccess
	artifacts    ArtifactAccess
	token        CancelToken
	capabilities Capabilities
}

func NewExecutionContext(p ContextParams) *ExecutionContext {
	return &ExecutionContext{
		executionID:  p.ExecutionID,
		intent:       p.Intent.Clone(),
		state:        p.State,
		journal:      p.Journal,
		artifacts:    p.Artifacts,
		token:        p.Token,
		capabilities: p.Capabilities,
	}
}

func (c *ExecutionContext) ExecutionID() string { return c.executionID }
func (c *ExecutionContext) TenantID() string { return c.intent.TenantID }
func (c *ExecutionContext) SessionID() string { return c.intent.SessionID }
func (c *ExecutionContext) SolutionID() string { return c.intent.SolutionID }
func (c *ExecutionContext) IntentType() string { return c.intent.Type }

// Intent returns a copy, mutations do not leak back.
func (c *ExecutionContext) Intent() Intent { return c.intent.Clone() }

func (c *ExecutionContext) Parameters() map[string]any { return CloneMap(c.intent.Parameters) }
func (c *ExecutionContext) Metadata() map[string]any { return CloneMap(c.intent.Metadata) }

// Parameter returns a single parameter without copying the whole map.
func (c *ExecutionContext) Parameter(name string) (any, bool) {
	v, ok := c.intent.Parameters[name]
	return cloneValue(v), ok
}

func (c *ExecutionContext) State() SessionAccess { return c.state }
func (c *ExecutionContext) Journal() JournalAccess { return c.journal }
func (c *ExecutionContext) Artifacts() ArtifactAccess { return c.artifacts }
func (c *ExecutionContext) Token() CancelToken { return c.token }

func (c *ExecutionContext) Capability(name string) (any, bool) {
	return c.capabilities.Get(name)
}

// Cancelled is shorthand for Token().Cancelled().
func (c *ExecutionContext) Cancelled() bool {
	return c.token != nil && c.token.Cancelled()
}
