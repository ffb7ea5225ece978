package intent

import (
	"maps"
	"strings"
)

// Intent is a requested unit of work. It is immutable once submitted, the
// lifecycle manager keeps its own copy.
type Intent struct {
	Type       string         `json:"intent_type" yaml:"intent_type" toml:"intent_type"`
	TenantID   string         `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	SessionID  string         `json:"session_id" yaml:"session_id" toml:"session_id"`
	SolutionID string         `json:"solution_id,omitempty" yaml:"solution_id" toml:"solution_id"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters" toml:"parameters"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata" toml:"metadata"`
}

// Validate checks the fields every intent must carry.
func (i Intent) Validate() error {
	var missing []string
	if strings.TrimSpace(i.Type) == "" {
		missing = append(missing, "intent_type")
	}
	if strings.TrimSpace(i.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(i.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return NewError(ErrValidation, "intent missing required fields: "+strings.Join(missing, ", "), nil, map[string]any{
		"missing": missing,
	})
}

// Clone returns a deep copy of the intent maps.
func (i Intent) Clone() Intent {
	out := i
	out.Parameters = CloneMap(i.Parameters)
	out.Metadata = CloneMap(i.Metadata)
	return out
}

// CloneMap deep copies nested maps and slices produced by JSON decoding.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case map[string]string:
		return maps.Clone(typed)
	default:
		return v
	}
}
