package runner

import (
	"errors"
	"sync"
	"testing"

	intent "github.com/goliatone/go-intent"
)

var _ intent.CancelToken = (*Control)(nil)

func TestControl_CancelOnce(t *testing.T) {
	c := NewControl()
	if c.Cancelled() || c.Cause() != nil {
		t.Fatalf("fresh control must not be cancelled")
	}

	first := errors.New("first")
	if !c.Cancel(first) {
		t.Fatalf("first cancel should win")
	}
	if c.Cancel(errors.New("second")) {
		t.Errorf("second cancel should be a no-op")
	}
	if !errors.Is(c.Cause(), first) {
		t.Errorf("expected first cause, got %v", c.Cause())
	}
	select {
	case <-c.Done():
	default:
		t.Errorf("done channel should be closed")
	}
}

func TestControl_DefaultCause(t *testing.T) {
	c := NewControl()
	c.Cancel(nil)
	if !errors.Is(c.Cause(), ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", c.Cause())
	}
}

func TestControl_ConcurrentCancel(t *testing.T) {
	c := NewControl()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Cancel(nil) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected a single winner, got %d", wins)
	}
}

func TestControl_NilSafe(t *testing.T) {
	var c *Control
	if c.Cancelled() || c.Cause() != nil || c.Done() != nil || c.Cancel(nil) {
		t.Errorf("nil control should be inert")
	}
}
