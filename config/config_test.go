package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intent "github.com/goliatone/go-intent"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Runtime.DefaultTimeout.Std())
	assert.Equal(t, "memory", cfg.WAL.Backend)
	assert.Equal(t, "none", cfg.Blob.Backend)
	assert.True(t, cfg.Runtime.RestoreEnabled())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "intentd.yaml", `
runtime:
  default_timeout: 5s
  max_concurrent: 8
  restore: false
wal:
  backend: sqlite
  dsn: file:wal.db
state:
  backend: redis
  redis_addr: localhost:6379
  session_ttl: 1h
blob:
  backend: file
  dir: /tmp/blobs
admission:
  rate_per_second: 20
  burst: 5
logging:
  level: DEBUG
schedules:
  - name: nightly
    expression: "@daily"
    intent_type: report
    tenant_id: t1
    session_id: cron
    parameters:
      window: 24h
`)
	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Runtime.DefaultTimeout.Std())
	assert.Equal(t, 8, cfg.Runtime.MaxConcurrent)
	assert.False(t, cfg.Runtime.RestoreEnabled())
	assert.Equal(t, "sqlite", cfg.WAL.Backend)
	assert.Equal(t, time.Hour, cfg.State.SessionTTL.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 20.0, cfg.Admission.RatePerSecond)
	require.Len(t, cfg.Schedules, 1)

	in := cfg.Schedules[0].Intent()
	assert.Equal(t, "report", in.Type)
	assert.Equal(t, "24h", in.Parameters["window"])
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "intentd.toml", `
[runtime]
default_timeout = "45s"
cancel_grace = "1s"

[wal]
backend = "postgres"
dsn = "postgres://localhost/intent"

[telemetry]
enabled = true
endpoint = "collector:4317"

[[schedules]]
name = "hourly"
expression = "@hourly"
intent_type = "noop"
tenant_id = "t1"
session_id = "cron"
`)
	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Runtime.DefaultTimeout.Std())
	assert.Equal(t, time.Second, cfg.Runtime.CancelGrace.Std())
	assert.Equal(t, "postgres", cfg.WAL.Backend)
	assert.True(t, cfg.Telemetry.Enabled)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "@hourly", cfg.Schedules[0].Expression)
}

func TestUnknownKeysAreRejected(t *testing.T) {
	yamlPath := writeFile(t, "bad.yaml", "runtime:\n  default_timout: 5s\n")
	_, err := LoadWithEnv(yamlPath, noEnv)
	assert.Equal(t, intent.ErrCodeValidation, intent.ErrorKind(err))

	tomlPath := writeFile(t, "bad.toml", "[wal]\nbackend = \"memory\"\nflavour = \"x\"\n")
	_, err = LoadWithEnv(tomlPath, noEnv)
	assert.Equal(t, intent.ErrCodeValidation, intent.ErrorKind(err))

	_, err = LoadWithEnv(writeFile(t, "conf.ini", "x=1"), noEnv)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "intentd.yaml", "wal:\n  backend: memory\n")
	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"INTENT_WAL_BACKEND":             "redis",
		"INTENT_WAL_REDIS_ADDR":          "redis:6379",
		"INTENT_RUNTIME_DEFAULT_TIMEOUT": "2m",
		"INTENT_ADMISSION_RATE":          "1.5",
		"INTENT_TELEMETRY_ENABLED":       "true",
		"INTENT_RUNTIME_RESTORE":         "false",
	}))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.WAL.Backend)
	assert.Equal(t, "redis:6379", cfg.WAL.RedisAddr)
	assert.Equal(t, 2*time.Minute, cfg.Runtime.DefaultTimeout.Std())
	assert.Equal(t, 1.5, cfg.Admission.RatePerSecond)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Runtime.RestoreEnabled())
}

func TestBadEnvValue(t *testing.T) {
	_, err := LoadWithEnv("", envMap(map[string]string{"INTENT_RUNTIME_MAX_CONCURRENT": "many"}))
	require.Error(t, err)
	assert.Contains(t, intent.ToErrorInfo(err, "").Message, "INTENT_RUNTIME_MAX_CONCURRENT")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Runtime.DefaultTimeout = 0
	cfg.WAL.Backend = "sqlite"
	cfg.Blob.Backend = "minio"
	cfg.Logging.Level = "loud"
	cfg.Schedules = []Schedule{
		{Name: "a", Expression: "@daily", IntentType: "x", TenantID: "t", SessionID: "s"},
		{Name: "a", IntentType: "x"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, intent.ErrCodeValidation, intent.ErrorKind(err))
	for _, want := range []string{
		"runtime.default_timeout",
		"wal.dsn required for sqlite",
		"blob.bucket required for minio",
		"blob.endpoint required for minio",
		"logging.level",
		`schedules[1].name "a" is duplicated`,
		"schedules[1].expression required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestEnvNames(t *testing.T) {
	names := EnvNames()
	assert.Contains(t, names, "INTENT_WAL_BACKEND")
	assert.Contains(t, names, "INTENT_TELEMETRY_SAMPLE_RATE")
}
