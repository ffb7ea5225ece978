package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports where a schedule is in its life.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Terminal reports whether no further submissions will happen.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	}
	return false
}

// Handle controls one registered schedule.
type Handle interface {
	ID() int64
	Name() string
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the last failed submission.
	Err() error
	// Done closes once the status is terminal.
	Done() <-chan struct{}
	// Runs counts successful submissions.
	Runs() int
	// LastExecution is the id of the latest submitted execution.
	LastExecution() string
	LastRunAt() time.Time
}

type schedule struct {
	owner   *Scheduler
	id      int64
	name    string
	oneShot bool
	entryID int
	done    chan struct{}

	mu        sync.RWMutex
	status    ScheduleStatus
	err       error
	runs      int
	lastExec  string
	lastRunAt time.Time
	closeOnce sync.Once
}

func newSchedule(owner *Scheduler, id int64, name string, oneShot bool) *schedule {
	return &schedule{
		owner:   owner,
		id:      id,
		name:    name,
		oneShot: oneShot,
		status:  ScheduleStatusScheduled,
		done:    make(chan struct{}),
	}
}

func (h *schedule) ID() int64    { return h.id }
func (h *schedule) Name() string { return h.name }

func (h *schedule) Cancel() {
	if h.owner != nil {
		h.owner.Remove(h.id)
		return
	}
	h.finish(ScheduleStatusCanceled, nil)
}

func (h *schedule) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *schedule) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *schedule) Done() <-chan struct{} { return h.done }

func (h *schedule) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *schedule) LastExecution() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastExec
}

func (h *schedule) LastRunAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRunAt
}

// begin moves the handle to running unless it already finished.
func (h *schedule) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	return true
}

// record stores the outcome of one submission. A recurring schedule goes
// back to idle even after a failure; a one-shot one finishes. A status that
// went terminal while the submission was in flight is kept.
func (h *schedule) record(executionID string, err error, at time.Time) {
	h.mu.Lock()
	h.lastRunAt = at
	if err != nil {
		h.err = err
	} else {
		h.runs++
		h.lastExec = executionID
	}
	next := ScheduleStatusIdle
	if h.oneShot {
		next = ScheduleStatusCompleted
		if err != nil {
			next = ScheduleStatusFailed
		}
	}
	settled := h.status.Terminal()
	if !settled {
		h.status = next
	}
	h.mu.Unlock()

	if !settled && next.Terminal() {
		h.closeDone()
	}
}

func (h *schedule) finish(status ScheduleStatus, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()
	h.closeDone()
}

func (h *schedule) closeDone() {
	h.closeOnce.Do(func() { close(h.done) })
}
