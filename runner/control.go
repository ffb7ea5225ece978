package runner

import (
	"errors"
	"sync"
)

// ErrCancelled is the cause recorded when Cancel is called without one.
var ErrCancelled = errors.New("execution canceled")

// Control is a cooperative cancellation signal shared between the code
// that started an execution and the handler running it. It satisfies
// intent.CancelToken.
type Control struct {
	mu     sync.RWMutex
	doneCh chan struct{}
	cause  error
}

func NewControl() *Control {
	return &Control{doneCh: make(chan struct{})}
}

func (c *Control) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.doneCh
}

// Cancelled reports whether Cancel was called.
func (c *Control) Cancelled() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

// Cause returns the recorded cancellation cause, nil until cancelled.
func (c *Control) Cause() error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Cancel marks control as done. Only the first call records its cause,
// later calls return false.
func (c *Control) Cancel(cause error) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.doneCh:
		return false
	default:
	}
	if cause == nil {
		cause = ErrCancelled
	}
	c.cause = cause
	close(c.doneCh)
	return true
}
