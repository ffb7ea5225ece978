package state

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSQLiteArtifacts(t *testing.T) *SQLiteArtifactRegistry {
	t.Helper()
	reg := NewSQLiteArtifactRegistry(newTestDB(t), "")
	require.NoError(t, reg.Init(context.Background()))
	return reg
}

func newSQLiteSessions(t *testing.T) *SQLiteSessionStore {
	t.Helper()
	store := NewSQLiteSessionStore(newTestDB(t), "")
	require.NoError(t, store.Init(context.Background()))
	return store
}

func sampleArtifact(id string) intent.Artifact {
	return intent.Artifact{
		ID:         id,
		Type:       "report",
		TenantID:   "t1",
		SessionID:  "s1",
		ProducedBy: intent.ProducedBy{ExecutionID: "exec-1", IntentType: "noop"},
		Parents:    []string{"root"},
		Descriptor: map[string]any{"title": "quarterly"},
	}
}

func runArtifactContract(t *testing.T, reg ArtifactRegistry) {
	t.Helper()
	ctx := context.Background()

	t.Run("register then resolve round trips", func(t *testing.T) {
		in := sampleArtifact("a-1")
		registered, err := reg.Register(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, intent.LifecyclePending, registered.State)

		resolved, err := reg.Resolve(ctx, "t1", "a-1")
		require.NoError(t, err)
		registered.CreatedAt, registered.UpdatedAt = resolved.CreatedAt, resolved.UpdatedAt
		assert.Equal(t, registered, resolved)
		assert.Equal(t, in.Parents, resolved.Parents)
		assert.Equal(t, in.Descriptor, resolved.Descriptor)
	})

	t.Run("registered materializations are kept", func(t *testing.T) {
		in := sampleArtifact("a-mat")
		in.Materializations = []intent.Materialization{{
			Backend:     "file",
			URI:         "file:///tmp/a-mat",
			ContentType: "application/json",
			Size:        7,
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}}
		_, err := reg.Register(ctx, in)
		require.NoError(t, err)

		resolved, err := reg.Resolve(ctx, "t1", "a-mat")
		require.NoError(t, err)
		assert.Equal(t, in.Materializations, resolved.Materializations)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-1"))
		require.Error(t, err)
		assert.True(t, intent.IsKind(err, intent.ErrCodeDuplicateID))
	})

	t.Run("same id in another tenant is separate", func(t *testing.T) {
		other := sampleArtifact("a-1")
		other.TenantID = "t2"
		_, err := reg.Register(ctx, other)
		require.NoError(t, err)

		_, err = reg.Resolve(ctx, "t3", "a-1")
		assert.True(t, intent.IsKind(err, intent.ErrCodeNotFound))
	})

	t.Run("register rejects non pending state", func(t *testing.T) {
		in := sampleArtifact("a-ready")
		in.State = intent.LifecycleReady
		_, err := reg.Register(ctx, in)
		assert.True(t, intent.IsKind(err, intent.ErrCodeValidation))
	})

	t.Run("legal lifecycle path", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-2"))
		require.NoError(t, err)

		ready, err := reg.UpdateLifecycle(ctx, "t1", "a-2", intent.LifecycleReady)
		require.NoError(t, err)
		assert.Equal(t, intent.LifecycleReady, ready.State)

		archived, err := reg.UpdateLifecycle(ctx, "t1", "a-2", intent.LifecycleArchived)
		require.NoError(t, err)
		assert.Equal(t, intent.LifecycleArchived, archived.State)
		assert.Greater(t, archived.Version, ready.Version)

		deleted, err := reg.UpdateLifecycle(ctx, "t1", "a-2", intent.LifecycleDeleted)
		require.NoError(t, err)
		assert.Equal(t, intent.LifecycleDeleted, deleted.State)
	})

	t.Run("illegal lifecycle moves fail", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-3"))
		require.NoError(t, err)

		_, err = reg.UpdateLifecycle(ctx, "t1", "a-3", intent.LifecycleArchived)
		assert.True(t, intent.IsKind(err, intent.ErrCodeInvalidTransition))

		_, err = reg.UpdateLifecycle(ctx, "t1", "a-3", intent.LifecycleFailed)
		require.NoError(t, err)
		_, err = reg.UpdateLifecycle(ctx, "t1", "a-3", intent.LifecycleReady)
		assert.True(t, intent.IsKind(err, intent.ErrCodeInvalidTransition))
	})

	t.Run("stale compare and swap loses", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-4"))
		require.NoError(t, err)
		_, err = reg.CompareAndSwapLifecycle(ctx, "t1", "a-4", intent.LifecyclePending, intent.LifecycleReady)
		require.NoError(t, err)
		_, err = reg.CompareAndSwapLifecycle(ctx, "t1", "a-4", intent.LifecycleReady, intent.LifecycleArchived)
		require.NoError(t, err)

		// a late "ready" write cannot clobber archived
		_, err = reg.CompareAndSwapLifecycle(ctx, "t1", "a-4", intent.LifecyclePending, intent.LifecycleReady)
		assert.True(t, intent.IsKind(err, intent.ErrCodeVersionConflict))
		current, err := reg.Resolve(ctx, "t1", "a-4")
		require.NoError(t, err)
		assert.Equal(t, intent.LifecycleArchived, current.State)
	})

	t.Run("materializations accumulate", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-5"))
		require.NoError(t, err)
		_, err = reg.AddMaterialization(ctx, "t1", "a-5", intent.Materialization{Backend: "file", URI: "file:///tmp/a", Size: 3})
		require.NoError(t, err)
		updated, err := reg.AddMaterialization(ctx, "t1", "a-5", intent.Materialization{Backend: "s3", URI: "s3://b/a", Size: 3})
		require.NoError(t, err)
		require.Len(t, updated.Materializations, 2)
		assert.Equal(t, "s3", updated.Materializations[1].Backend)

		resolved, err := reg.Resolve(ctx, "t1", "a-5")
		require.NoError(t, err)
		assert.Len(t, resolved.Materializations, 2)
	})

	t.Run("list is tenant scoped and filtered", func(t *testing.T) {
		other := sampleArtifact("a-6")
		other.ProducedBy.ExecutionID = "exec-2"
		other.Type = "chart"
		_, err := reg.Register(ctx, other)
		require.NoError(t, err)

		all, err := reg.List(ctx, intent.ArtifactFilter{TenantID: "t1"})
		require.NoError(t, err)
		for _, a := range all {
			assert.Equal(t, "t1", a.TenantID)
		}

		byExec, err := reg.List(ctx, intent.ArtifactFilter{TenantID: "t1", ExecutionID: "exec-2"})
		require.NoError(t, err)
		require.Len(t, byExec, 1)
		assert.Equal(t, "a-6", byExec[0].ID)

		pending, err := reg.List(ctx, intent.ArtifactFilter{TenantID: "t1", State: intent.LifecyclePending, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		_, err = reg.List(ctx, intent.ArtifactFilter{})
		assert.True(t, intent.IsKind(err, intent.ErrCodeValidation))
	})

	t.Run("concurrent duplicate registration has one winner", func(t *testing.T) {
		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.Register(ctx, sampleArtifact("a-race"))
				switch {
				case err == nil:
					wins.Add(1)
				case intent.IsKind(err, intent.ErrCodeDuplicateID):
					dups.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), dups.Load())
	})

	t.Run("concurrent lifecycle updates resolve to one winner", func(t *testing.T) {
		_, err := reg.Register(ctx, sampleArtifact("a-cas"))
		require.NoError(t, err)

		var readyWins, failedWins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := reg.UpdateLifecycle(ctx, "t1", "a-cas", intent.LifecycleReady); err == nil {
					readyWins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := reg.UpdateLifecycle(ctx, "t1", "a-cas", intent.LifecycleFailed); err == nil {
					failedWins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), readyWins.Load()+failedWins.Load())
	})
}

func TestMemoryArtifactRegistryContract(t *testing.T) {
	runArtifactContract(t, NewMemoryArtifactRegistry())
}

func TestSQLiteArtifactRegistryContract(t *testing.T) {
	runArtifactContract(t, newSQLiteArtifacts(t))
}

func TestSQLiteResolveRejectsCorruptColumns(t *testing.T) {
	ctx := context.Background()
	reg := newSQLiteArtifacts(t)
	_, err := reg.Register(ctx, sampleArtifact("a-bad"))
	require.NoError(t, err)

	for column, clean := range map[string]string{"parents": "[]", "materializations": "[]", "descriptor": "{}"} {
		t.Run(column, func(t *testing.T) {
			_, err := reg.db.ExecContext(ctx, "UPDATE artifacts SET "+column+" = '{not json' WHERE artifact_id = 'a-bad'")
			require.NoError(t, err)
			t.Cleanup(func() {
				_, _ = reg.db.ExecContext(ctx, "UPDATE artifacts SET "+column+" = ? WHERE artifact_id = 'a-bad'", clean)
			})

			_, err = reg.Resolve(ctx, "t1", "a-bad")
			require.Error(t, err)
			assert.True(t, intent.IsKind(err, intent.ErrCodeValidation))
		})
	}
}

func runSessionContract(t *testing.T, store SessionStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty session reads nil", func(t *testing.T) {
		got, err := store.Get(ctx, "t1", "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("set bumps version", func(t *testing.T) {
		first, err := store.Set(ctx, "t1", "s1", map[string]any{"step": "one"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)

		second, err := store.Set(ctx, "t1", "s1", map[string]any{"step": "two"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)

		got, err := store.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "two", got.Values["step"])
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		got, err := store.Get(ctx, "t2", "s1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("compare and set", func(t *testing.T) {
		created, err := store.CompareAndSet(ctx, "t1", "cas", map[string]any{"n": 1}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		_, err = store.CompareAndSet(ctx, "t1", "cas", map[string]any{"n": 2}, 0)
		assert.True(t, intent.IsKind(err, intent.ErrCodeVersionConflict))

		updated, err := store.CompareAndSet(ctx, "t1", "cas", map[string]any{"n": 2}, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		_, err = store.CompareAndSet(ctx, "t1", "cas", map[string]any{"n": 3}, 1)
		assert.True(t, intent.IsKind(err, intent.ErrCodeVersionConflict))
	})

	t.Run("concurrent increments never lose writes", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					cur, err := store.Get(ctx, "t1", "counter")
					if !assert.NoError(t, err) {
						return
					}
					var version int64
					var n float64
					if cur != nil {
						version = cur.Version
						n, _ = cur.Values["n"].(float64)
					}
					_, err = store.CompareAndSet(ctx, "t1", "counter", map[string]any{"n": n + 1}, version)
					if err == nil {
						return
					}
					if !intent.IsKind(err, intent.ErrCodeVersionConflict) {
						assert.NoError(t, err)
						return
					}
				}
			}()
		}
		wg.Wait()
		got, err := store.Get(ctx, "t1", "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(8), got.Version)
	})

	t.Run("missing key parts are rejected", func(t *testing.T) {
		_, err := store.Set(ctx, "", "s1", nil)
		assert.True(t, intent.IsKind(err, intent.ErrCodeValidation))
	})
}

func TestMemorySessionStoreContract(t *testing.T) {
	runSessionContract(t, NewMemorySessionStore())
}

func TestSQLiteSessionStoreContract(t *testing.T) {
	runSessionContract(t, newSQLiteSessions(t))
}

func TestMemorySessionValuesAreCopied(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	values := map[string]any{"k": "v"}
	_, err := store.Set(ctx, "t1", "s1", values)
	require.NoError(t, err)
	values["k"] = "mutated"

	got, err := store.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Values["k"])
}

func TestSurfaceValidate(t *testing.T) {
	assert.Error(t, Surface{}.Validate())
	assert.NoError(t, NewMemorySurface().Validate())
}
