package kernel

import (
	"fmt"
	"time"

	"github.com/goliatone/go-intent/lifecycle"
)

type Option func(*Kernel) error

// WithAdmission limits each tenant to perSecond invocations with the
// given burst. A zero rate disables admission control.
func WithAdmission(perSecond float64, burst int) Option {
	return func(k *Kernel) error {
		if perSecond < 0 {
			return fmt.Errorf("admission rate cannot be negative, got %v", perSecond)
		}
		if burst < 0 {
			return fmt.Errorf("admission burst cannot be negative, got %d", burst)
		}
		if perSecond == 0 {
			k.admission = nil
			return nil
		}
		k.admission = newAdmission(perSecond, burst)
		return nil
	}
}

// WithRestore toggles WAL recovery on Start. Enabled by default.
func WithRestore(enabled bool) Option {
	return func(k *Kernel) error {
		k.restore = enabled
		return nil
	}
}

// WithService adds a service started after boot and stopped before the
// lifecycle manager drains.
func WithService(svc Service) Option {
	return func(k *Kernel) error {
		if svc == nil {
			return fmt.Errorf("service cannot be nil")
		}
		k.services = append(k.services, svc)
		return nil
	}
}

// WithManagerOptions forwards options to the lifecycle manager.
func WithManagerOptions(opts ...lifecycle.Option) Option {
	return func(k *Kernel) error {
		k.managerOpts = append(k.managerOpts, opts...)
		return nil
	}
}

func WithSubscribeBuffer(n int) Option {
	return func(k *Kernel) error {
		if n < 1 {
			return fmt.Errorf("subscribe buffer must be at least 1, got %d", n)
		}
		k.subscribeBuf = n
		return nil
	}
}

// WithStopTimeout bounds how long Stop waits for handlers when the
// caller context has no deadline.
func WithStopTimeout(d time.Duration) Option {
	return func(k *Kernel) error {
		if d < 0 {
			return fmt.Errorf("stop timeout cannot be negative, got %s", d)
		}
		k.stopTimeout = d
		return nil
	}
}
