package strategy

import (
	"fmt"
	"sync"

	"github.com/proxywhirl/proxywhirl/breaker"
)

// Constructor builds a Strategy given the shared breaker set. It is the
// collapsed form of the teacher's (nonexistent) runtime string-to-class
// reflection: a small map of named constructors, per the Design Notes.
type Constructor func(breakers *breaker.Set) Strategy

// Registry is a name -> Constructor table used by the control interface's
// "set-strategy" operation to build strategies by name.
type Registry struct {
	mu   sync.RWMutex
	ctor map[string]Constructor
}

// NewRegistry creates a registry pre-populated with every built-in
// strategy using their spec defaults.
func NewRegistry() *Registry {
	r := &Registry{ctor: make(map[string]Constructor)}
	r.Register("round_robin", func(b *breaker.Set) Strategy { return NewRoundRobin(b) })
	r.Register("random", func(b *breaker.Set) Strategy { return NewRandom(b) })
	r.Register("weighted", func(b *breaker.Set) Strategy { return NewWeighted(b, nil) })
	r.Register("least_used", func(b *breaker.Set) Strategy { return NewLeastUsed(b) })
	r.Register("performance", func(b *breaker.Set) Strategy { return NewPerformance(b, 0) })
	r.Register("session_sticky", func(b *breaker.Set) Strategy { return NewSticky(b, nil, 0, 0) })
	r.Register("geo_targeted", func(b *breaker.Set) Strategy { return NewGeo(b, nil, true) })
	r.Register("cost_aware", func(b *breaker.Set) Strategy { return NewCostAware(b, 0) })
	return r
}

// Register installs (or overrides) a named constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[name] = c
}

// Build constructs a strategy by name.
func (r *Registry) Build(name string, breakers *breaker.Set) (Strategy, error) {
	r.mu.RLock()
	c, ok := r.ctor[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
	return c(breakers), nil
}

// Names lists every registered strategy name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctor))
	for name := range r.ctor {
		out = append(out, name)
	}
	return out
}
