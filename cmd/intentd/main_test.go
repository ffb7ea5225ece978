package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intent "github.com/goliatone/go-intent"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, &out)
	return out.String(), err
}

func TestInvokeNoopInMemory(t *testing.T) {
	t.Setenv("INTENT_LOG_LEVEL", "error")

	out, err := runCLI(t, "invoke", "noop", "--tenant", "t1")
	require.NoError(t, err)

	var exec intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, intent.StatusCompleted, exec.Status)
	assert.Equal(t, "t1", exec.Intent.TenantID)
	assert.Equal(t, "cli", exec.Intent.SessionID)
}

func TestInvokeEchoRegistersArtifact(t *testing.T) {
	t.Setenv("INTENT_LOG_LEVEL", "error")

	out, err := runCLI(t, "invoke", "echo", "-p", `{"message":"hello"}`)
	require.NoError(t, err)

	var exec intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, intent.StatusCompleted, exec.Status)
	require.Len(t, exec.Artifacts, 1)
	assert.Equal(t, "hello", exec.Summary["message"])
}

func TestInvokeEchoMaterializesToFileStore(t *testing.T) {
	t.Setenv("INTENT_LOG_LEVEL", "error")
	t.Setenv("INTENT_BLOB_BACKEND", "file")
	t.Setenv("INTENT_BLOB_DIR", t.TempDir())

	out, err := runCLI(t, "invoke", "echo", "-p", `{"message":"stored","materialize":true}`)
	require.NoError(t, err)

	var exec intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, intent.StatusCompleted, exec.Status)
}

func TestInvokeEchoSkipsMaterializeWithoutBlobStore(t *testing.T) {
	t.Setenv("INTENT_LOG_LEVEL", "error")

	out, err := runCLI(t, "invoke", "echo", "-p", `{"message":"kept","materialize":true}`)
	require.NoError(t, err)

	var exec intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, intent.StatusCompleted, exec.Status)
}

func TestInvokeRejectsBadParameters(t *testing.T) {
	t.Setenv("INTENT_LOG_LEVEL", "error")

	_, err := runCLI(t, "invoke", "echo", "-p", `{"message":""}`)
	require.Error(t, err)
	assert.Equal(t, intent.ErrCodeValidation, intent.ErrorKind(err))

	_, err = runCLI(t, "invoke", "echo", "-p", `not json`)
	assert.Error(t, err)
}

func TestInvokeThenReplayFromSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "wal:\n  backend: sqlite\n  dsn: "+filepath.Join(dir, "wal.db")+"\nlogging:\n  level: error\n")

	out, err := runCLI(t, "-c", cfg, "invoke", "noop")
	require.NoError(t, err)
	var exec intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))

	out, err = runCLI(t, "-c", cfg, "streams")
	require.NoError(t, err)
	assert.Contains(t, strings.Fields(out), "exec:"+exec.ID)

	out, err = runCLI(t, "-c", cfg, "replay", exec.ID)
	require.NoError(t, err)
	var replayed intent.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &replayed))
	assert.Equal(t, exec.ID, replayed.ID)
	assert.Equal(t, intent.StatusCompleted, replayed.Status)
	assert.Equal(t, exec.Version, replayed.Version)
}

func TestIntentsListsBuiltins(t *testing.T) {
	out, err := runCLI(t, "intents")
	require.NoError(t, err)
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "noop")
	assert.Contains(t, out, "1.0.0")
	assert.Contains(t, out, "10s")
}

func TestParseErrors(t *testing.T) {
	_, err := runCLI(t, "bogus")
	assert.Error(t, err)

	_, err = runCLI(t, "invoke")
	assert.Error(t, err)

	_, err = runCLI(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "invoke", "noop")
	assert.Error(t, err)
}
