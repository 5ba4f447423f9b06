// Package health tracks the stores a running instance depends on and
// answers readiness from their pings.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one backend's last ping result.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latencyNs"`
}

// Checker pings one backend.
type Checker func(ctx context.Context) Status

// Registry holds the checkers for the stores selected at startup.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
}

// NewRegistry returns an empty registry. With nothing registered the
// instance runs on in-memory stores and is always ready.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds check under name. Registering a name again replaces the
// earlier checker and keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
}

// CheckAll pings every backend in parallel. Statuses come back in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checkers[n]
	}
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Checker) {
			defer wg.Done()
			start := time.Now()
			st := check(ctx)
			st.Name = names[i]
			st.Latency = time.Since(start)
			statuses[i] = st
		}(i, check)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
