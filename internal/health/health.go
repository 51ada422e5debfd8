// Package health aggregates readiness checks for the engine's subsystems.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single subsystem probe so one stuck dependency
// cannot hang the readiness endpoint.
const checkTimeout = 5 * time.Second

// Status is the result of probing a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	probe Checker
}

// Registry holds subsystem checkers in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given name. Later registrations
// with the same name are probed independently, not replaced.
func (r *Registry) Register(name string, probe Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, probe: probe})
}

// CheckAll probes every registered subsystem and reports whether all
// of them are healthy, along with the individual results.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := e.probe(probeCtx)
		cancel()
		if st.Name == "" {
			st.Name = e.name
		}
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}
	return all, statuses
}
