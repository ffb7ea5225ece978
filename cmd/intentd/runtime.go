package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/blob"
	"github.com/goliatone/go-intent/config"
	"github.com/goliatone/go-intent/cron"
	"github.com/goliatone/go-intent/kernel"
	"github.com/goliatone/go-intent/lifecycle"
	"github.com/goliatone/go-intent/logging"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/state"
	"github.com/goliatone/go-intent/telemetry"
	"github.com/goliatone/go-intent/wal"
)

// runtime is the assembled process. closers run in reverse order.
type runtime struct {
	cfg       config.Config
	logger    logging.Logger
	telemetry *telemetry.Provider
	log       wal.Log
	surface   state.Surface
	blobs     blob.Store
	kernel    *kernel.Kernel
	scheduler *cron.Scheduler

	closers []func(context.Context) error
}

func (r *runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func loadConfig(g *Globals) (config.Config, error) {
	return config.Load(g.Config)
}

func newLogger(cfg config.Logging, out io.Writer) logging.Logger {
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			level = logging.LevelInfo
		}
		return logging.NewLeveledFmtLogger(out, level)
	}
	return logging.NewJSONLogger(out, cfg.Level)
}

// bootRuntime acquires every backend first and only then builds the
// kernel. Any failure releases what was already opened.
func bootRuntime(ctx context.Context, cfg config.Config, logOut io.Writer) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: newLogger(cfg.Logging, logOut)}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	tcfg := telemetry.DefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.Insecure = cfg.Telemetry.Insecure
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	if cfg.Telemetry.ServiceName != "" {
		tcfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if rt.telemetry, err = telemetry.New(ctx, tcfg); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.onClose(rt.telemetry.Shutdown)

	if rt.log, err = openWAL(ctx, cfg.WAL); err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}
	rt.onClose(func(context.Context) error { return rt.log.Close() })

	var closeState func() error
	if rt.surface, closeState, err = openState(ctx, cfg.State); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	rt.onClose(func(context.Context) error { return closeState() })

	if rt.blobs, err = openBlob(ctx, cfg.Blob); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}

	rt.kernel, err = kernel.New(kernel.Dependencies{
		WAL:       rt.log,
		State:     rt.surface,
		Registry:  registry.New(),
		Blob:      rt.blobs,
		Logger:    rt.logger,
		Telemetry: rt.telemetry,
	},
		kernel.WithRestore(cfg.Runtime.RestoreEnabled()),
		kernel.WithAdmission(cfg.Admission.RatePerSecond, cfg.Admission.Burst),
		kernel.WithManagerOptions(
			lifecycle.WithDefaultTimeout(cfg.Runtime.DefaultTimeout.Std()),
			lifecycle.WithCancelGrace(cfg.Runtime.CancelGrace.Std()),
			lifecycle.WithMaxConcurrent(cfg.Runtime.MaxConcurrent),
			lifecycle.WithCapabilities(intent.NewCapabilities(map[string]any{
				"blob.backend": cfg.Blob.Backend,
				"service.name": cfg.Telemetry.ServiceName,
			})),
		),
	)
	if err != nil {
		return nil, err
	}
	if err = registerBuiltins(rt.kernel); err != nil {
		return nil, err
	}
	return rt, nil
}

// addSchedules registers the configured schedules on a scheduler that
// starts and stops with the kernel. Only valid before Start.
func (r *runtime) addSchedules() error {
	if len(r.cfg.Schedules) == 0 {
		return nil
	}
	r.scheduler = cron.NewScheduler(r.kernel,
		cron.WithLogger(r.logger),
		cron.WithLogLevel(cron.LogLevelInfo),
		cron.WithErrorHandler(func(err error) {
			r.logger.Error("schedule failed: %v", err)
		}),
	)
	for _, s := range r.cfg.Schedules {
		if _, err := r.scheduler.Schedule(cron.Spec{
			Name:       s.Name,
			Expression: s.Expression,
			Intent:     s.Intent(),
		}); err != nil {
			return err
		}
	}
	return r.kernel.AddService(r.scheduler)
}

func openWAL(ctx context.Context, cfg config.WAL) (wal.Log, error) {
	switch cfg.Backend {
	case "memory":
		return wal.NewMemoryLog(), nil
	case "sqlite":
		return wal.OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return wal.OpenPostgres(ctx, cfg.DSN)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return wal.NewRedisLog(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown wal backend %q", cfg.Backend)
	}
}

func openState(ctx context.Context, cfg config.State) (state.Surface, func() error, error) {
	nothing := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return state.NewMemorySurface(), nothing, nil
	case "sqlite":
		db, err := openSQLite(ctx, cfg.DSN)
		if err != nil {
			return state.Surface{}, nil, err
		}
		sessions := state.NewSQLiteSessionStore(db, "")
		artifacts := state.NewSQLiteArtifactRegistry(db, "")
		if err := errors.Join(sessions.Init(ctx), artifacts.Init(ctx)); err != nil {
			_ = db.Close()
			return state.Surface{}, nil, err
		}
		return state.Surface{Sessions: sessions, Artifacts: artifacts}, db.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return state.Surface{}, nil, fmt.Errorf("ping redis: %w", err)
		}
		surface := state.Surface{
			Sessions:  state.NewRedisSessionStore(client, cfg.SessionTTL.Std()),
			Artifacts: state.NewMemoryArtifactRegistry(),
		}
		closeAll := client.Close
		if cfg.DSN != "" {
			db, err := openSQLite(ctx, cfg.DSN)
			if err != nil {
				_ = client.Close()
				return state.Surface{}, nil, err
			}
			artifacts := state.NewSQLiteArtifactRegistry(db, "")
			if err := artifacts.Init(ctx); err != nil {
				_ = db.Close()
				_ = client.Close()
				return state.Surface{}, nil, err
			}
			surface.Artifacts = artifacts
			closeAll = func() error { return errors.Join(db.Close(), client.Close()) }
		}
		return surface, closeAll, nil
	default:
		return state.Surface{}, nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func openSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", wal.SQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openBlob(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "file":
		return blob.NewFileStore(cfg.Dir)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	case "minio":
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
