package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/kernel"
	"github.com/goliatone/go-intent/lifecycle"
	"github.com/goliatone/go-intent/registry"
)

type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootRuntime(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if err := rt.addSchedules(); err != nil {
		return err
	}
	if err := rt.kernel.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info("intentd serving, %d schedule(s)", len(cfg.Schedules))

	<-ctx.Done()
	rt.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return rt.kernel.Stop(stopCtx)
}

type InvokeCmd struct {
	Type    string        `arg:"" help:"Intent type to submit."`
	Tenant  string        `default:"default" help:"Tenant id."`
	Session string        `default:"cli" help:"Session id."`
	Params  string        `short:"p" default:"{}" help:"Parameters as a JSON object."`
	Timeout time.Duration `help:"Execution timeout. Zero uses the intent default."`
}

func (c *InvokeCmd) intent() (intent.Intent, error) {
	params := map[string]any{}
	if err := json.Unmarshal([]byte(c.Params), &params); err != nil {
		return intent.Intent{}, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return intent.Intent{
		Type:       c.Type,
		TenantID:   c.Tenant,
		SessionID:  c.Session,
		Parameters: params,
	}, nil
}

func (c *InvokeCmd) Run(g *Globals) error {
	in, err := c.intent()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := bootRuntime(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.kernel.Start(ctx); err != nil {
		return err
	}
	defer rt.kernel.Stop(ctx)

	resp, err := rt.kernel.InvokeIntent(ctx, kernel.InvokeRequest{Intent: in, Timeout: c.Timeout})
	if err != nil {
		return err
	}
	exec, err := rt.kernel.Wait(ctx, resp.ExecutionID, in.TenantID)
	if err != nil {
		return err
	}
	return writeJSON(g.Out, exec)
}

type ReplayCmd struct {
	Execution string `arg:"" help:"Execution id to rebuild."`
}

func (c *ReplayCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	log, err := openWAL(ctx, cfg.WAL)
	if err != nil {
		return err
	}
	defer log.Close()

	exec, err := lifecycle.Replay(ctx, log, c.Execution)
	if err != nil {
		return err
	}
	return writeJSON(g.Out, exec)
}

type StreamsCmd struct {
	Prefix string `default:"exec:" help:"Only list streams with this prefix."`
}

func (c *StreamsCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	log, err := openWAL(ctx, cfg.WAL)
	if err != nil {
		return err
	}
	defer log.Close()

	streams, err := log.Streams(ctx, c.Prefix)
	if err != nil {
		return err
	}
	for _, s := range streams {
		fmt.Fprintln(g.Out, s)
	}
	return nil
}

type IntentsCmd struct{}

func (c *IntentsCmd) Run(g *Globals) error {
	reg := registry.New()
	for _, b := range builtins() {
		if err := reg.Register(b.name, b.handler, b.opts...); err != nil {
			return err
		}
	}
	if err := reg.Freeze(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tVERSION\tTIMEOUT\tDESCRIPTION")
	for _, name := range reg.Types() {
		b, err := reg.Resolve(name)
		if err != nil {
			return err
		}
		version, timeout := "-", "default"
		if b.Version != nil {
			version = b.Version.String()
		}
		if b.Timeout > 0 {
			timeout = b.Timeout.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Type, version, timeout, b.Description)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
