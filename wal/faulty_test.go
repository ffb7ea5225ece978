package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultyLogFailsWritesWhileUnavailable(t *testing.T) {
	log := NewFaultyLog(NewMemoryLog())
	ctx := context.Background()

	first, err := log.Append(ctx, "exec:f", mustRecord(t, "step", nil))
	require.NoError(t, err)

	log.SetUnavailable(true)
	_, err = log.Append(ctx, "exec:f", mustRecord(t, "step", nil))
	assert.True(t, IsUnavailable(err))
	_, err = log.UpdateStatus(ctx, "exec:f", first.Sequence, "acked")
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int64(2), log.Failures())

	entries, err := ReadAll(ctx, log, "exec:f")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	log.SetUnavailable(false)
	second, err := log.Append(ctx, "exec:f", mustRecord(t, "step", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestFaultyLogFailsReads(t *testing.T) {
	log := NewFaultyLog(NewMemoryLog())
	log.SetReadsUnavailable(true)

	_, err := ReadAll(context.Background(), log, "exec:f")
	assert.True(t, IsUnavailable(err))
	_, err = log.Streams(context.Background(), "")
	assert.True(t, IsUnavailable(err))
}

func TestFaultyLogFailsSelectedKinds(t *testing.T) {
	log := NewFaultyLog(NewMemoryLog())
	ctx := context.Background()
	log.FailKind("bad")

	_, err := log.Append(ctx, "exec:f", mustRecord(t, "bad", nil))
	assert.True(t, IsUnavailable(err))
	_, err = log.Append(ctx, "exec:f", mustRecord(t, "good", nil))
	require.NoError(t, err)

	log.ClearKinds()
	_, err = log.Append(ctx, "exec:f", mustRecord(t, "bad", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), log.Failures())
}
