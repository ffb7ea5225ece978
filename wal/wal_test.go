package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRecord(t *testing.T, kind string, payload any) Record {
	t.Helper()
	rec, err := NewRecord(kind, payload, "")
	require.NoError(t, err)
	return rec
}

// runLogContract exercises the behaviour every backend must share.
func runLogContract(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()

	t.Run("sequences start at one and increase", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			entry, err := log.Append(ctx, "exec:a", mustRecord(t, "step", map[string]any{"i": i}))
			require.NoError(t, err)
			assert.Equal(t, uint64(i), entry.Sequence)
		}
		last, err := log.LastSequence(ctx, "exec:a")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), last)
	})

	t.Run("range is inclusive and ordered", func(t *testing.T) {
		var seqs []uint64
		for entry, err := range log.ReadRange(ctx, "exec:a", 2, 4) {
			require.NoError(t, err)
			seqs = append(seqs, entry.Sequence)
		}
		assert.Equal(t, []uint64{2, 3, 4}, seqs)
	})

	t.Run("replay twice yields identical entries", func(t *testing.T) {
		first, err := ReadAll(ctx, log, "exec:a")
		require.NoError(t, err)
		second, err := ReadAll(ctx, log, "exec:a")
		require.NoError(t, err)
		require.Len(t, first, 5)
		assert.Equal(t, first, second)
		assert.NoError(t, Verify(first))
	})

	t.Run("empty and inverted ranges", func(t *testing.T) {
		count := 0
		for range log.ReadRange(ctx, "exec:missing", 1, Latest) {
			count++
		}
		for range log.ReadRange(ctx, "exec:a", 4, 2) {
			count++
		}
		assert.Zero(t, count)
	})

	t.Run("status update appends a marker", func(t *testing.T) {
		rec, err := NewRecord("artifact.lifecycle", map[string]any{"artifact_id": "x"}, "pending")
		require.NoError(t, err)
		pending, err := log.Append(ctx, "exec:b", rec)
		require.NoError(t, err)

		marker, err := log.UpdateStatus(ctx, "exec:b", pending.Sequence, "acked")
		require.NoError(t, err)
		assert.Equal(t, KindStatusUpdate, marker.Kind)
		assert.Equal(t, pending.Sequence, marker.Ref)
		assert.Equal(t, pending.Sequence+1, marker.Sequence)

		entries, err := ReadAll(ctx, log, "exec:b")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "pending", entries[0].Status)
		assert.Equal(t, "acked", EffectiveStatus(entries, pending.Sequence))
	})

	t.Run("status update rejects unknown entries", func(t *testing.T) {
		_, err := log.UpdateStatus(ctx, "exec:b", 99, "acked")
		require.Error(t, err)
		assert.Equal(t, ErrCodeUnknownEntry, errorCode(err))
	})

	t.Run("streams filters by prefix", func(t *testing.T) {
		_, err := log.Append(ctx, "tenant:t1", mustRecord(t, "note", nil))
		require.NoError(t, err)
		streams, err := log.Streams(ctx, "exec:")
		require.NoError(t, err)
		assert.Equal(t, []string{"exec:a", "exec:b"}, streams)
	})
}

func TestMemoryLogContract(t *testing.T) {
	runLogContract(t, NewMemoryLog())
}

func TestAppendValidation(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	_, err := log.Append(ctx, "", Record{Kind: "x"})
	assert.Equal(t, ErrCodeInvalidEntry, errorCode(err))

	_, err = log.Append(ctx, "s", Record{})
	assert.Equal(t, ErrCodeInvalidEntry, errorCode(err))

	_, err = log.Append(ctx, "s", Record{Kind: KindStatusUpdate})
	assert.Equal(t, ErrCodeInvalidEntry, errorCode(err))

	_, err = log.Append(ctx, "s", Record{Kind: "x", Payload: json.RawMessage("{bad")})
	assert.Equal(t, ErrCodeInvalidEntry, errorCode(err))
}

func TestMemoryLogConcurrentAppendsStayContiguous(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := log.Append(ctx, "exec:shared", mustRecord(t, "tick", map[string]any{"w": w, "i": i}))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, err := ReadAll(ctx, log, "exec:shared")
	require.NoError(t, err)
	require.Len(t, entries, 200)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.NoError(t, Verify(entries))
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "exec:t", mustRecord(t, "step", map[string]any{"i": i}))
		require.NoError(t, err)
	}
	entries, err := ReadAll(ctx, log, "exec:t")
	require.NoError(t, err)

	tampered := append([]Entry(nil), entries...)
	tampered[1].Payload = json.RawMessage(`{"i":42}`)
	assert.Equal(t, ErrCodeCorrupt, errorCode(Verify(tampered)))

	gap := []Entry{entries[0], entries[2]}
	assert.Equal(t, ErrCodeCorrupt, errorCode(Verify(gap)))
}

func TestVerifyIgnoresKeyOrder(t *testing.T) {
	log := NewMemoryLog()
	entry, err := log.Append(context.Background(), "exec:k", Record{Kind: "k", Payload: json.RawMessage(`{"b":1,"a":2}`)})
	require.NoError(t, err)

	entry.Payload = json.RawMessage(`{"a":2,"b":1}`)
	assert.NoError(t, Verify([]Entry{entry}))
}

func TestReadRangeStopsEarly(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, "exec:e", mustRecord(t, "step", nil))
		require.NoError(t, err)
	}
	seen := 0
	for entry, err := range log.ReadRange(ctx, "exec:e", 0, Latest) {
		require.NoError(t, err)
		seen++
		if entry.Sequence == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

func TestEntryDecode(t *testing.T) {
	entry := Entry{Payload: json.RawMessage(`{"name":"x","n":2}`)}
	var out struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, entry.Decode(&out))
	assert.Equal(t, "x", out.Name)
	assert.Equal(t, 2, out.N)
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("SELECT a FROM t WHERE b = ? AND c = ?")
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", got)
}

func TestLikePrefixEscapes(t *testing.T) {
	assert.Equal(t, `exec\_1\%%`, likePrefix("exec_1%"))
}

func BenchmarkMemoryAppend(b *testing.B) {
	log := NewMemoryLog()
	ctx := context.Background()
	rec, _ := NewRecord("bench", map[string]any{"k": "v"}, "")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := log.Append(ctx, fmt.Sprintf("exec:%d", i%16), rec); err != nil {
			b.Fatal(err)
		}
	}
}
