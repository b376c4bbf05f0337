package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// RoundRobin generalizes the teacher's internal/rotator.Rotator.pickNext: a
// monotonically increasing counter under a mutex, indexing into the
// eligible set in stable insertion order (the pool's InsertSeq) instead of
// the teacher's "find current in alive slice" approach, since strategies
// here are stateless w.r.t. any single "current" proxy — every Select call
// picks independently off the shared counter.
type RoundRobin struct {
	breakers *breaker.Set

	mu      sync.Mutex
	counter uint64
}

// NewRoundRobin creates a round-robin strategy. breakers may be nil if
// breaker exclusion is not desired (tests / standalone use).
func NewRoundRobin(breakers *breaker.Set) *RoundRobin {
	return &RoundRobin{breakers: breakers}
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, r.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].InsertSeq() < eligible[j].InsertSeq() })

	r.mu.Lock()
	idx := r.counter % uint64(len(eligible))
	r.counter++
	r.mu.Unlock()

	return eligible[idx], nil
}

func (r *RoundRobin) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}
