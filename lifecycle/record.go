package lifecycle

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/goliatone/go-intent/registry"
	"github.com/goliatone/go-intent/runner"
)

const watchBuffer = 16

// record is the live state of one execution. mu serializes transitions,
// snap is read without locking.
type record struct {
	mu   sync.Mutex
	snap atomic.Pointer[intent.Execution]
	ctl  *runner.Control
	done chan struct{}

	binding registry.Binding
	timeout time.Duration
	// recorded is false when the created entry never reached the WAL, no
	// later entry may be written without it.
	recorded bool

	watchers  map[uint64]chan intent.Execution
	watcherID uint64

	artMu     sync.Mutex
	produced  []string
	artifactN int
}

func newRecord(exec intent.Execution) *record {
	rec := &record{
		ctl:      runner.NewControl(),
		done:     make(chan struct{}),
		watchers: make(map[uint64]chan intent.Execution),
	}
	rec.snap.Store(&exec)
	return rec
}

func (r *record) current() intent.Execution {
	return *r.snap.Load()
}

// view returns a snapshot safe to hand to callers.
func (r *record) view() intent.Execution {
	return r.snap.Load().Clone()
}

// publish must be called with mu held.
func (r *record) publish(next intent.Execution) {
	stored := next.Clone()
	r.snap.Store(&stored)
	for id, ch := range r.watchers {
		offer(ch, stored.Clone())
		if stored.Status.IsTerminal() {
			close(ch)
			delete(r.watchers, id)
		}
	}
	if stored.Status.IsTerminal() {
		close(r.done)
	}
}

// offer never blocks the publisher. A slow reader loses intermediate
// snapshots but always sees the latest one.
func offer(ch chan intent.Execution, snap intent.Execution) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (r *record) watch() (<-chan intent.Execution, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan intent.Execution, watchBuffer)
	cur := r.current()
	ch <- cur.Clone()
	if cur.Status.IsTerminal() {
		close(ch)
		return ch, func() {}
	}
	r.watcherID++
	id := r.watcherID
	r.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if w, ok := r.watchers[id]; ok {
				close(w)
				delete(r.watchers, id)
			}
		})
	}
}

// fenced runs fn under the record lock unless the execution is already
// terminal. Every handle write goes through it, so nothing reaches the
// stream or the stores after the final entry.
func (r *record) fenced(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.current(); cur.Status.IsTerminal() {
		return intent.NewError(intent.ErrInterrupted, "execution is already "+string(cur.Status), nil, map[string]any{
			"execution_id": cur.ID,
		})
	}
	return fn()
}

func (r *record) addProduced(id string) {
	r.artMu.Lock()
	defer r.artMu.Unlock()
	if !slices.Contains(r.produced, id) {
		r.produced = append(r.produced, id)
	}
}

func (r *record) producedIDs() []string {
	r.artMu.Lock()
	defer r.artMu.Unlock()
	return slices.Clone(r.produced)
}

func (r *record) isProduced(id string) bool {
	r.artMu.Lock()
	defer r.artMu.Unlock()
	return slices.Contains(r.produced, id)
}

func (r *record) nextArtifactN() int {
	r.artMu.Lock()
	defer r.artMu.Unlock()
	r.artifactN++
	return r.artifactN
}
