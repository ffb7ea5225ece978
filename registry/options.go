package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Option func(*Binding) error

// WithTimeout overrides the manager default for this intent type.
func WithTimeout(d time.Duration) Option {
	return func(b *Binding) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		b.Timeout = d
		return nil
	}
}

// WithVersion records the handler version. It must be valid semver.
func WithVersion(version string) Option {
	return func(b *Binding) error {
		v, err := semver.NewVersion(version)
		if err != nil {
			return fmt.Errorf("invalid handler version %q: %w", version, err)
		}
		b.Version = v
		return nil
	}
}

func WithDescription(desc string) Option {
	return func(b *Binding) error {
		b.Description = strings.TrimSpace(desc)
		return nil
	}
}

// WithParameterSchema compiles a JSON schema (draft 2020-12) that every
// submitted intent of this type must satisfy.
func WithParameterSchema(schema string) Option {
	return func(b *Binding) error {
		if strings.TrimSpace(schema) == "" {
			return errors.New("parameter schema is empty")
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://go-intent.local/schemas/%s.schema.json", b.Type)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("parameter schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("parameter schema compile failed: %w", err)
		}
		b.Schema = compiled
		return nil
	}
}
