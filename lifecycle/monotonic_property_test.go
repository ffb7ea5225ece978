package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/logging"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/state"
	"github.com/goliatone/go-intent/wal"
)

func statusRank(s intent.Status) int {
	switch s {
	case intent.StatusCreated:
		return 0
	case intent.StatusRunning:
		return 1
	default:
		return 2
	}
}

// Property: whatever a handler does, the statuses a watcher observes only
// move forward through the DAG, the stream ends on exactly one terminal
// status and the WAL replays to the same execution.
func TestExecutionStatusIsMonotonic(t *testing.T) {
	behaviours := []func(ctx context.Context, ec *intent.ExecutionContext) (intent.Result, error){
		func(context.Context, *intent.ExecutionContext) (intent.Result, error) {
			return intent.Success(), nil
		},
		func(context.Context, *intent.ExecutionContext) (intent.Result, error) {
			return intent.Result{}, errors.New("boom")
		},
		func(context.Context, *intent.ExecutionContext) (intent.Result, error) {
			return intent.Failure(nil), nil
		},
		func(ctx context.Context, ec *intent.ExecutionContext) (intent.Result, error) {
			<-ec.Token().Done()
			return intent.Result{}, ec.Token().Cause()
		},
		func(context.Context, *intent.ExecutionContext) (intent.Result, error) {
			panic("boom")
		},
	}

	reg := registry.New()
	for i, b := range behaviours {
		opts := []registry.Option{}
		if i == 3 {
			opts = append(opts, registry.WithTimeout(20*time.Millisecond))
		}
		if err := reg.Register(behaviourType(i), intent.HandlerFunc(b), opts...); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Freeze(); err != nil {
		t.Fatal(err)
	}

	log := wal.NewMemoryLog()
	m, err := New(log, state.NewMemorySurface(), reg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("observed statuses follow the DAG", prop.ForAll(
		func(behaviour int, cancel bool) bool {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()

			id, err := m.Submit(ctx, intent.Intent{Type: behaviourType(behaviour), TenantID: "t1", SessionID: "s1"})
			if err != nil {
				return false
			}
			ch, stop, err := m.Watch(id, "t1")
			if err != nil {
				return false
			}
			defer stop()
			if cancel {
				_ = m.Cancel(ctx, id, "t1")
			}

			var seen []intent.Execution
			for snap := range ch {
				seen = append(seen, snap)
			}
			if len(seen) == 0 || !seen[len(seen)-1].Status.IsTerminal() {
				return false
			}
			for i := 1; i < len(seen); i++ {
				prev, next := seen[i-1], seen[i]
				if prev.Status.IsTerminal() {
					return false
				}
				if statusRank(next.Status) < statusRank(prev.Status) || next.Version <= prev.Version {
					return false
				}
			}

			final := seen[len(seen)-1]
			again, err := m.GetStatus(id, "t1")
			if err != nil || again.Status != final.Status || again.Version != final.Version {
				return false
			}
			replayed, err := Replay(ctx, log, id)
			return err == nil && replayed.Status == final.Status && replayed.Version == final.Version
		},
		gen.IntRange(0, len(behaviours)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func behaviourType(i int) string {
	return "behaviour." + string(rune('a'+i))
}
