// Package registry binds intent types to handlers during boot. After
// Freeze the table is immutable and lookups take no lock.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	intent "github.com/goliatone/go-intent"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Binding is the resolved routing entry for one intent type.
type Binding struct {
	Type        string
	Handler     intent.Handler
	Timeout     time.Duration
	Version     *semver.Version
	Description string
	Schema      *jsonschema.Schema
}

// ValidateParameters checks params against the binding schema, when one
// was registered.
func (b Binding) ValidateParameters(params map[string]any) error {
	if b.Schema == nil {
		return nil
	}
	doc, err := normalizeJSON(params)
	if err != nil {
		return intent.NewError(intent.ErrValidation, "parameters are not json encodable", err, map[string]any{
			"intent_type": b.Type,
		})
	}
	if err := b.Schema.Validate(doc); err != nil {
		return intent.NewError(intent.ErrValidation, "parameters rejected by schema", err, map[string]any{
			"intent_type": b.Type,
		})
	}
	return nil
}

// VersionString returns the handler version or an empty string.
func (b Binding) VersionString() string {
	if b.Version == nil {
		return ""
	}
	return b.Version.String()
}

type table map[string]Binding

// Registry maps intent types to handlers.
type Registry struct {
	mu       sync.Mutex
	pending  table
	frozen   atomic.Bool
	snapshot atomic.Pointer[table]
}

func New() *Registry {
	r := &Registry{pending: make(table)}
	empty := make(table)
	r.snapshot.Store(&empty)
	return r
}

// Register binds intentType to handler. It fails on duplicates and after
// Freeze, there is no silent override.
func (r *Registry) Register(intentType string, handler intent.Handler, opts ...Option) error {
	intentType = strings.TrimSpace(intentType)
	if intentType == "" {
		return intent.NewError(intent.ErrValidation, "intent type required", nil, nil)
	}
	if handler == nil {
		return intent.NewError(intent.ErrValidation, "handler cannot be nil", nil, map[string]any{
			"intent_type": intentType,
		})
	}

	binding := Binding{Type: intentType, Handler: handler}
	var errs []error
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&binding); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return intent.NewError(intent.ErrValidation, "invalid registration options for "+intentType, err, map[string]any{
			"intent_type": intentType,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return intent.NewError(intent.ErrRegistryFrozen, "cannot register intents after the registry has been frozen", nil, map[string]any{
			"intent_type": intentType,
		})
	}
	if _, exists := r.pending[intentType]; exists {
		return intent.NewError(intent.ErrDuplicateRegistration, "intent type already registered: "+intentType, nil, map[string]any{
			"intent_type": intentType,
		})
	}
	r.pending[intentType] = binding
	return nil
}

// Freeze publishes the table. Further registrations fail. Freezing twice is
// an error so that a second boot sequence is noticed.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return intent.NewError(intent.ErrRegistryFrozen, "registry already frozen", nil, nil)
	}
	published := make(table, len(r.pending))
	for k, v := range r.pending {
		published[k] = v
	}
	r.snapshot.Store(&published)
	r.frozen.Store(true)
	return nil
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Resolve looks up the binding for intentType. Before Freeze only an empty
// table is visible.
func (r *Registry) Resolve(intentType string) (Binding, error) {
	t := *r.snapshot.Load()
	binding, ok := t[intentType]
	if !ok {
		return Binding{}, intent.NewError(intent.ErrHandlerNotFound, "no handler registered for intent type: "+intentType, nil, map[string]any{
			"intent_type": intentType,
		})
	}
	return binding, nil
}

// Types lists the published intent types in order.
func (r *Registry) Types() []string {
	t := *r.snapshot.Load()
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeJSON(v map[string]any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
