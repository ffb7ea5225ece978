package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/blob"
	"github.com/goliatone/go-intent/logging"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/state"
)

func producer(ctx context.Context, ec *intent.ExecutionContext) (intent.Result, error) {
	report, err := ec.Artifacts().Register(ctx, intent.ArtifactSpec{
		ID:         "report-" + ec.ExecutionID(),
		Type:       "report",
		Descriptor: map[string]any{"pages": 3, "title": "q3"},
	})
	if err != nil {
		return intent.Result{}, err
	}
	if _, err := ec.Artifacts().Materialize(ctx, report.ID, []byte("%PDF"), "application/pdf"); err != nil {
		return intent.Result{}, err
	}
	chart, err := ec.Artifacts().Register(ctx, intent.ArtifactSpec{
		ID:      "chart-" + ec.ExecutionID(),
		Type:    "chart",
		Parents: []string{report.ID},
	})
	if err != nil {
		return intent.Result{}, err
	}
	if _, err := ec.Artifacts().UpdateLifecycle(ctx, chart.ID, intent.LifecycleReady); err != nil {
		return intent.Result{}, err
	}
	if _, err := ec.Artifacts().UpdateLifecycle(ctx, chart.ID, intent.LifecycleArchived); err != nil {
		return intent.Result{}, err
	}
	return intent.Success(report.ID), nil
}

// artifactJSON drops timestamps, which the registry and the log stamp
// independently.
func artifactJSON(t *testing.T, list []intent.Artifact) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, a := range list {
		a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
		raw, err := json.Marshal(a)
		require.NoError(t, err)
		out[a.ID] = string(raw)
	}
	return out
}

func TestReplayArtifactsMatchesRegistry(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, func(t *testing.T, reg *registry.Registry) {
		require.NoError(t, reg.Register("produce", handle(producer)))
	}, WithBlobStore(store))

	id, err := f.m.Submit(context.Background(), baseIntent("produce"))
	require.NoError(t, err)
	exec := waitTerminal(t, f.m, id, "t1")
	require.Equal(t, intent.StatusCompleted, exec.Status, "%+v", exec.Error)

	live, err := f.surface.Artifacts.List(context.Background(), intent.ArtifactFilter{TenantID: "t1", ExecutionID: id})
	require.NoError(t, err)
	require.Len(t, live, 2)

	replayed, err := ReplayArtifacts(context.Background(), f.log, id)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "report-"+id, replayed[0].ID)
	assert.Equal(t, intent.LifecycleReady, replayed[0].State)
	assert.Equal(t, intent.LifecycleArchived, replayed[1].State)

	wantJSON := artifactJSON(t, live)
	gotJSON := artifactJSON(t, replayed)
	require.Len(t, gotJSON, len(wantJSON))
	for artifactID, want := range wantJSON {
		assert.JSONEq(t, want, gotJSON[artifactID], artifactID)
	}
}

func TestRestoreReinstatesLostArtifacts(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, func(t *testing.T, reg *registry.Registry) {
		require.NoError(t, reg.Register("produce", handle(producer)))
	}, WithBlobStore(store))

	id, err := f.m.Submit(context.Background(), baseIntent("produce"))
	require.NoError(t, err)
	require.Equal(t, intent.StatusCompleted, waitTerminal(t, f.m, id, "t1").Status)

	// same log, empty state surface
	fresh := state.NewMemorySurface()
	second, err := New(f.log, fresh, f.reg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	report, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.ElementsMatch(t, []string{"report-" + id, "chart-" + id}, report.Reinstated)

	a, err := fresh.Artifacts.Resolve(context.Background(), "t1", "report-"+id)
	require.NoError(t, err)
	assert.Equal(t, intent.LifecycleReady, a.State)
	assert.Equal(t, intent.ProducedBy{ExecutionID: id, IntentType: "produce"}, a.ProducedBy)
	assert.Equal(t, "s1", a.SessionID)
	assert.Equal(t, "q3", a.Descriptor["title"])
	require.Len(t, a.Materializations, 1)
	assert.Equal(t, blob.Digest([]byte("%PDF")), a.Materializations[0].Digest)

	chart, err := fresh.Artifacts.Resolve(context.Background(), "t1", "chart-"+id)
	require.NoError(t, err)
	assert.Equal(t, intent.LifecycleArchived, chart.State)
	assert.Equal(t, []string{"report-" + id}, chart.Parents)

	restored, err := second.GetStatus(id, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"report-" + id, "chart-" + id}, restored.Artifacts)
}

func TestPromotionFailureKeepsCompletedAndRestoreSettles(t *testing.T) {
	f := newFixture(t, func(t *testing.T, reg *registry.Registry) {
		require.NoError(t, reg.Register("draft", handle(func(ctx context.Context, ec *intent.ExecutionContext) (intent.Result, error) {
			a, err := ec.Artifacts().Register(ctx, intent.ArtifactSpec{ID: "draft", Type: "doc"})
			if err != nil {
				return intent.Result{}, err
			}
			return intent.Success(a.ID), nil
		})))
	})
	f.log.FailKind(KindArtifactLifecycle)

	id, err := f.m.Submit(context.Background(), baseIntent("draft"))
	require.NoError(t, err)
	exec := waitTerminal(t, f.m, id, "t1")
	assert.Equal(t, intent.StatusCompleted, exec.Status)

	a, err := f.surface.Artifacts.Resolve(context.Background(), "t1", "draft")
	require.NoError(t, err)
	assert.Equal(t, intent.LifecyclePending, a.State)

	f.log.ClearKinds()
	second, err := New(f.log, f.surface, f.reg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	report, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Reinstated)

	a, err = f.surface.Artifacts.Resolve(context.Background(), "t1", "draft")
	require.NoError(t, err)
	assert.Equal(t, intent.LifecycleReady, a.State)

	replayed, err := ReplayArtifacts(context.Background(), f.log, id)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, intent.LifecycleReady, replayed[0].State)
}
