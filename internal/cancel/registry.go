// Package cancel tracks stop requests for in-flight executions.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Registry maps execution IDs to stop flags. A flag exists only while its
// execution is being run by the engine.
type Registry struct {
	tokens sync.Map // execution ID -> *atomic.Bool
	count  atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Begin registers a fresh, unset flag for id, replacing any stale one.
func (r *Registry) Begin(id string) {
	if _, loaded := r.tokens.Swap(id, new(atomic.Bool)); !loaded {
		r.count.Add(1)
	}
}

// RequestStop sets the flag for id. It returns false when id is not
// registered, i.e. the execution already finished or never started here.
func (r *Registry) RequestStop(id string) bool {
	v, ok := r.tokens.Load(id)
	if !ok {
		return false
	}
	v.(*atomic.Bool).Store(true)
	return true
}

// IsStopRequested reports whether a stop was requested for id.
func (r *Registry) IsStopRequested(id string) bool {
	v, ok := r.tokens.Load(id)
	if !ok {
		return false
	}
	return v.(*atomic.Bool).Load()
}

// End removes the flag for id.
func (r *Registry) End(id string) {
	if _, loaded := r.tokens.LoadAndDelete(id); loaded {
		r.count.Add(-1)
	}
}

// Len returns the number of registered executions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
