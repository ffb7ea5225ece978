package kernel

import (
	"context"
	"time"

	intent "github.com/goliatone/go-intent"
)

// StatusEvent is one observed status of an execution.
type StatusEvent struct {
	ExecutionID string            `json:"execution_id"`
	Status      intent.Status     `json:"status"`
	Version     int               `json:"version"`
	At          time.Time         `json:"at"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Error       *intent.ErrorInfo `json:"error,omitempty"`
}

func (e StatusEvent) Terminal() bool {
	return e.Status.IsTerminal()
}

func statusEvent(exec intent.Execution) StatusEvent {
	ev := StatusEvent{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Version:     exec.Version,
		At:          exec.UpdatedAt,
		Artifacts:   append([]string(nil), exec.Artifacts...),
	}
	if exec.Error != nil {
		info := *exec.Error
		ev.Error = &info
	}
	return ev
}

// Subscribe pushes status changes of one execution. The first event is
// the current status. The channel closes after the terminal event or
// when ctx ends. Slow readers may miss intermediate statuses but always
// receive the terminal one.
func (k *Kernel) Subscribe(ctx context.Context, executionID, tenantID string) (<-chan StatusEvent, error) {
	snapshots, stop, err := k.manager.Watch(executionID, tenantID)
	if err != nil {
		return nil, err
	}

	out := make(chan StatusEvent, k.subscribeBuf)
	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case exec, ok := <-snapshots:
				if !ok {
					return
				}
				select {
				case out <- statusEvent(exec):
				case <-ctx.Done():
					return
				}
				if exec.Status.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
