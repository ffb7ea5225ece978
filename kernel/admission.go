package kernel

import (
	"sync"

	"golang.org/x/time/rate"
)

// admission keeps one token bucket per tenant. A nil admission admits
// everything.
type admission struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	tenants map[string]*rate.Limiter
}

func newAdmission(perSecond float64, burst int) *admission {
	if burst < 1 {
		burst = 1
	}
	return &admission{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		tenants: make(map[string]*rate.Limiter),
	}
}

func (a *admission) limiter(tenantID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.tenants[tenantID]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.tenants[tenantID] = l
	}
	return l
}

func (a *admission) allow(tenantID string) bool {
	if a == nil {
		return true
	}
	return a.limiter(tenantID).Allow()
}
