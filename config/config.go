// Package config loads the runtime configuration once at process start.
// The loaded value is validated and never re-read.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	intent "github.com/goliatone/go-intent"
)

// Duration reads "30s" style values from YAML, TOML and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

type Runtime struct {
	DefaultTimeout Duration `yaml:"default_timeout" toml:"default_timeout"`
	CancelGrace    Duration `yaml:"cancel_grace" toml:"cancel_grace"`
	MaxConcurrent  int      `yaml:"max_concurrent" toml:"max_concurrent"`
	Restore        *bool    `yaml:"restore" toml:"restore"`
}

// RestoreEnabled defaults to true when unset.
func (r Runtime) RestoreEnabled() bool {
	return r.Restore == nil || *r.Restore
}

type WAL struct {
	Backend   string `yaml:"backend" toml:"backend"`
	DSN       string `yaml:"dsn" toml:"dsn"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
}

// State selects the session backend. Redis only keeps sessions, its
// artifact registry is SQLite when DSN is set and in memory otherwise.
type State struct {
	Backend    string   `yaml:"backend" toml:"backend"`
	DSN        string   `yaml:"dsn" toml:"dsn"`
	RedisAddr  string   `yaml:"redis_addr" toml:"redis_addr"`
	SessionTTL Duration `yaml:"session_ttl" toml:"session_ttl"`
}

type Blob struct {
	Backend   string `yaml:"backend" toml:"backend"`
	Dir       string `yaml:"dir" toml:"dir"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Region    string `yaml:"region" toml:"region"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
}

// Admission is the per tenant token bucket. A zero rate admits everything.
type Admission struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Telemetry struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// Schedule submits one intent on a cron expression.
type Schedule struct {
	Name       string         `yaml:"name" toml:"name"`
	Expression string         `yaml:"expression" toml:"expression"`
	IntentType string         `yaml:"intent_type" toml:"intent_type"`
	TenantID   string         `yaml:"tenant_id" toml:"tenant_id"`
	SessionID  string         `yaml:"session_id" toml:"session_id"`
	SolutionID string         `yaml:"solution_id" toml:"solution_id"`
	Parameters map[string]any `yaml:"parameters" toml:"parameters"`
}

func (s Schedule) Intent() intent.Intent {
	return intent.Intent{
		Type:       s.IntentType,
		TenantID:   s.TenantID,
		SessionID:  s.SessionID,
		SolutionID: s.SolutionID,
		Parameters: intent.CloneMap(s.Parameters),
	}
}

type Config struct {
	Runtime   Runtime    `yaml:"runtime" toml:"runtime"`
	WAL       WAL        `yaml:"wal" toml:"wal"`
	State     State      `yaml:"state" toml:"state"`
	Blob      Blob       `yaml:"blob" toml:"blob"`
	Admission Admission  `yaml:"admission" toml:"admission"`
	Logging   Logging    `yaml:"logging" toml:"logging"`
	Telemetry Telemetry  `yaml:"telemetry" toml:"telemetry"`
	Schedules []Schedule `yaml:"schedules" toml:"schedules"`
}

func Default() Config {
	return Config{
		Runtime: Runtime{
			DefaultTimeout: Duration(30 * time.Second),
			CancelGrace:    Duration(2 * time.Second),
		},
		WAL:       WAL{Backend: "memory", Prefix: "intent:wal:"},
		State:     State{Backend: "memory"},
		Blob:      Blob{Backend: "none"},
		Logging:   Logging{Level: "info", Format: "json"},
		Telemetry: Telemetry{Endpoint: "localhost:4317", ServiceName: "intentd", SampleRate: 1},
	}
}

// Load reads path (YAML or TOML by extension), applies INTENT_* env
// overrides and validates. An empty path loads defaults plus env.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit env lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, intent.NewError(intent.ErrValidation, "read config file", err, map[string]any{"path": path})
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, intent.NewError(intent.ErrValidation, "decode config file", err, map[string]any{"path": path})
		}
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return Config{}, intent.NewError(intent.ErrValidation, "apply environment overrides", err, nil)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	case ".yaml", ".yml", ".json":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

func (c *Config) normalize() {
	c.WAL.Backend = strings.ToLower(strings.TrimSpace(c.WAL.Backend))
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Blob.Backend == "" {
		c.Blob.Backend = "none"
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Runtime.DefaultTimeout <= 0 {
		add("runtime.default_timeout must be positive")
	}
	if c.Runtime.CancelGrace < 0 {
		add("runtime.cancel_grace cannot be negative")
	}
	if c.Runtime.MaxConcurrent < 0 {
		add("runtime.max_concurrent cannot be negative")
	}

	switch c.WAL.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.WAL.DSN == "" {
			add("wal.dsn required for %s", c.WAL.Backend)
		}
	case "redis":
		if c.WAL.RedisAddr == "" {
			add("wal.redis_addr required for redis")
		}
	default:
		add("wal.backend %q is not one of memory, sqlite, postgres, redis", c.WAL.Backend)
	}

	switch c.State.Backend {
	case "memory":
	case "sqlite":
		if c.State.DSN == "" {
			add("state.dsn required for sqlite")
		}
	case "redis":
		if c.State.RedisAddr == "" {
			add("state.redis_addr required for redis")
		}
	default:
		add("state.backend %q is not one of memory, sqlite, redis", c.State.Backend)
	}
	if c.State.SessionTTL < 0 {
		add("state.session_ttl cannot be negative")
	}

	switch c.Blob.Backend {
	case "none":
	case "file":
		if c.Blob.Dir == "" {
			add("blob.dir required for file")
		}
	case "s3", "minio":
		if c.Blob.Bucket == "" {
			add("blob.bucket required for %s", c.Blob.Backend)
		}
		if c.Blob.Backend == "minio" && c.Blob.Endpoint == "" {
			add("blob.endpoint required for minio")
		}
	default:
		add("blob.backend %q is not one of none, file, s3, minio", c.Blob.Backend)
	}

	if c.Admission.RatePerSecond < 0 {
		add("admission.rate_per_second cannot be negative")
	}
	if c.Admission.Burst < 0 {
		add("admission.burst cannot be negative")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		add("logging.level %q is invalid", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format %q is not one of json, console", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		add("telemetry.endpoint required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be within [0, 1]")
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("schedules[%d].name required", i)
		} else if seen[name] {
			add("schedules[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(s.Expression) == "" {
			add("schedules[%d].expression required", i)
		}
		if err := s.Intent().Validate(); err != nil {
			add("schedules[%d]: %s", i, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return intent.NewError(intent.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "), nil, nil)
}
