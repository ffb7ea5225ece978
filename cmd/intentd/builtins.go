package main

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/kernel"
	"github.com/goliatone/go-intent/registry"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"materialize": {"type": "boolean"}
	},
	"required": ["message"]
}`

type builtin struct {
	name    string
	handler intent.Handler
	opts    []registry.Option
}

func builtins() []builtin {
	return []builtin{
		{
			name:    "noop",
			handler: intent.HandlerFunc(noopIntent),
			opts: []registry.Option{
				registry.WithVersion("1.0.0"),
				registry.WithDescription("Completes without side effects."),
			},
		},
		{
			name:    "echo",
			handler: intent.HandlerFunc(echoIntent),
			opts: []registry.Option{
				registry.WithVersion("1.0.0"),
				registry.WithTimeout(10 * time.Second),
				registry.WithDescription("Stores the message in the session and registers it as an artifact."),
				registry.WithParameterSchema(echoSchema),
			},
		},
	}
}

func registerBuiltins(k *kernel.Kernel) error {
	for _, b := range builtins() {
		if err := k.RegisterIntent(b.name, b.handler, b.opts...); err != nil {
			return err
		}
	}
	return nil
}

func noopIntent(context.Context, *intent.ExecutionContext) (intent.Result, error) {
	return intent.Success(), nil
}

func echoIntent(ctx context.Context, ec *intent.ExecutionContext) (intent.Result, error) {
	message, _ := ec.Parameter("message")
	if _, err := ec.Journal().Append(ctx, "echo.received", map[string]any{"message": message}); err != nil {
		return intent.Result{}, err
	}

	current, err := ec.State().Get(ctx)
	if err != nil {
		return intent.Result{}, err
	}
	values := map[string]any{}
	var version int64
	if current != nil {
		maps.Copy(values, current.Values)
		version = current.Version
	}
	values["last_echo"] = message
	if _, err := ec.State().CompareAndSet(ctx, values, version); err != nil {
		return intent.Result{}, err
	}

	artifact, err := ec.Artifacts().Register(ctx, intent.ArtifactSpec{
		Type:       "echo",
		Descriptor: map[string]any{"message": message},
	})
	if err != nil {
		return intent.Result{}, err
	}

	backend, _ := ec.Capability("blob.backend")
	if materialize, _ := ec.Parameters()["materialize"].(bool); materialize && backend != "none" {
		body, err := json.Marshal(map[string]any{"message": message})
		if err != nil {
			return intent.Result{}, err
		}
		if _, err := ec.Artifacts().Materialize(ctx, artifact.ID, body, "application/json"); err != nil {
			return intent.Result{}, err
		}
	}

	if ec.Cancelled() {
		return intent.Result{}, ec.Token().Cause()
	}

	res := intent.Success(artifact.ID)
	res.Summary = map[string]any{"message": message}
	res.Events = []intent.EventSummary{{Name: "echo", Message: "message stored", Timestamp: time.Now().UTC()}}
	return res, nil
}
