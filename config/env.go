package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INTENT_"

type envBinding struct {
	name  string
	apply func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = strings.TrimSpace(v)
		return nil
	}
}

func duration(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return dst(c).UnmarshalText([]byte(v))
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"RUNTIME_DEFAULT_TIMEOUT", duration(func(c *Config) *Duration { return &c.Runtime.DefaultTimeout })},
	{"RUNTIME_CANCEL_GRACE", duration(func(c *Config) *Duration { return &c.Runtime.CancelGrace })},
	{"RUNTIME_MAX_CONCURRENT", integer(func(c *Config) *int { return &c.Runtime.MaxConcurrent })},
	{"RUNTIME_RESTORE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		c.Runtime.Restore = &b
		return nil
	}},

	{"WAL_BACKEND", str(func(c *Config) *string { return &c.WAL.Backend })},
	{"WAL_DSN", str(func(c *Config) *string { return &c.WAL.DSN })},
	{"WAL_REDIS_ADDR", str(func(c *Config) *string { return &c.WAL.RedisAddr })},
	{"WAL_PREFIX", str(func(c *Config) *string { return &c.WAL.Prefix })},

	{"STATE_BACKEND", str(func(c *Config) *string { return &c.State.Backend })},
	{"STATE_DSN", str(func(c *Config) *string { return &c.State.DSN })},
	{"STATE_REDIS_ADDR", str(func(c *Config) *string { return &c.State.RedisAddr })},
	{"STATE_SESSION_TTL", duration(func(c *Config) *Duration { return &c.State.SessionTTL })},

	{"BLOB_BACKEND", str(func(c *Config) *string { return &c.Blob.Backend })},
	{"BLOB_DIR", str(func(c *Config) *string { return &c.Blob.Dir })},
	{"BLOB_BUCKET", str(func(c *Config) *string { return &c.Blob.Bucket })},
	{"BLOB_REGION", str(func(c *Config) *string { return &c.Blob.Region })},
	{"BLOB_ENDPOINT", str(func(c *Config) *string { return &c.Blob.Endpoint })},
	{"BLOB_ACCESS_KEY", str(func(c *Config) *string { return &c.Blob.AccessKey })},
	{"BLOB_SECRET_KEY", str(func(c *Config) *string { return &c.Blob.SecretKey })},
	{"BLOB_USE_SSL", boolean(func(c *Config) *bool { return &c.Blob.UseSSL })},

	{"ADMISSION_RATE", float(func(c *Config) *float64 { return &c.Admission.RatePerSecond })},
	{"ADMISSION_BURST", integer(func(c *Config) *int { return &c.Admission.Burst })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},

	{"TELEMETRY_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"TELEMETRY_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Endpoint })},
	{"TELEMETRY_INSECURE", boolean(func(c *Config) *bool { return &c.Telemetry.Insecure })},
	{"TELEMETRY_SERVICE_NAME", str(func(c *Config) *string { return &c.Telemetry.ServiceName })},
	{"TELEMETRY_SAMPLE_RATE", float(func(c *Config) *float64 { return &c.Telemetry.SampleRate })},
}

// EnvNames lists the recognised override variables.
func EnvNames() []string {
	out := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		out = append(out, EnvPrefix+b.name)
	}
	return out
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
