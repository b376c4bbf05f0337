package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// Random selects uniformly at random from the eligible set.
type Random struct {
	breakers *breaker.Set

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRandom creates a random-selection strategy.
func NewRandom(breakers *breaker.Set) *Random {
	return &Random{breakers: breakers, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *Random) Name() string { return "random" }

func (r *Random) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, r.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}
	r.mu.Lock()
	idx := r.rand.Intn(len(eligible))
	r.mu.Unlock()
	return eligible[idx], nil
}

func (r *Random) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}
