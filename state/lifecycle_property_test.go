package state

import (
	"context"
	"fmt"
	"testing"

	intent "github.com/goliatone/go-intent"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allLifecycleStates = []intent.LifecycleState{
	intent.LifecyclePending,
	intent.LifecycleReady,
	intent.LifecycleFailed,
	intent.LifecycleArchived,
	intent.LifecycleDeleted,
}

// Property: whatever sequence of updates is attempted, the observed states
// form a path through the lifecycle DAG and rejected moves change nothing.
func TestArtifactLifecycleFollowsDAG(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("lifecycle updates follow the DAG", prop.ForAll(
		func(moves []int) bool {
			reg := NewMemoryArtifactRegistry()
			ctx := context.Background()
			a := sampleArtifact("prop")
			if _, err := reg.Register(ctx, a); err != nil {
				return false
			}
			current := intent.LifecyclePending
			for i, m := range moves {
				to := allLifecycleStates[m]
				updated, err := reg.UpdateLifecycle(ctx, "t1", "prop", to)
				legal := intent.CanTransitionLifecycle(current, to)
				if legal != (err == nil) {
					t.Logf("move %d %s -> %s legal=%v err=%v", i, current, to, legal, err)
					return false
				}
				if err == nil {
					if updated.State != to {
						return false
					}
					current = to
				}
				resolved, rerr := reg.Resolve(ctx, "t1", "prop")
				if rerr != nil || resolved.State != current {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allLifecycleStates)-1)),
	))

	properties.TestingRun(t)
}

func ExampleMemoryArtifactRegistry_UpdateLifecycle() {
	reg := NewMemoryArtifactRegistry()
	ctx := context.Background()
	_, _ = reg.Register(ctx, intent.Artifact{
		ID:         "report-1",
		Type:       "report",
		TenantID:   "t1",
		ProducedBy: intent.ProducedBy{ExecutionID: "exec-1", IntentType: "build_report"},
	})
	ready, _ := reg.UpdateLifecycle(ctx, "t1", "report-1", intent.LifecycleReady)
	_, err := reg.UpdateLifecycle(ctx, "t1", "report-1", intent.LifecyclePending)
	fmt.Println(ready.State, intent.ErrorKind(err))
	// Output: ready INVALID_TRANSITION
}
