package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

const defaultFreeBoost = 10.0

// CostAware filters out proxies over ctx.MaxCostPerRequest (when set),
// scores the remainder by inverse cost with a free-proxy boost (cost==0),
// and selects weighted-random by score (§4.2).
type CostAware struct {
	breakers *breaker.Set
	freeBoost float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewCostAware creates a cost-aware strategy. freeBoost<=0 uses the spec
// default of 10x.
func NewCostAware(breakers *breaker.Set, freeBoost float64) *CostAware {
	if freeBoost <= 0 {
		freeBoost = defaultFreeBoost
	}
	return &CostAware{breakers: breakers, freeBoost: freeBoost, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *CostAware) Name() string { return "cost_aware" }

func (c *CostAware) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, c.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}

	filtered := eligible[:0:0]
	for _, p := range eligible {
		if ctx.MaxCostPerRequest != nil && p.CostPerRequest() > *ctx.MaxCostPerRequest {
			continue
		}
		filtered = append(filtered, p)
	}
	if len(filtered) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}

	return weightedPick(filtered, func(p *proxy.Proxy) float64 {
		cost := p.CostPerRequest()
		if cost <= 0 {
			return c.freeBoost
		}
		return 1.0 / cost
	}, c.rand, &c.mu)
}

func (c *CostAware) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}
