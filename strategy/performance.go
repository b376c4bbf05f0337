package strategy

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

const defaultExplorationCount = 5
const epsilonMs = 1.0

// Performance selects weighted by 1/max(epsilon, EMA_ms): faster proxies
// are preferred. New proxies (total < ExplorationCount) are cycled through
// round-robin "exploration" until their EMA is meaningful, thereafter
// weighted-random by inverse EMA, using the same alpha as the Proxy's own
// EMA field (the Proxy already owns that blend; this strategy only scores
// off it, per §4.2).
type Performance struct {
	breakers         *breaker.Set
	explorationCount int64

	mu           sync.Mutex
	rand         *rand.Rand
	explorationN uint64
}

// NewPerformance creates a performance-based strategy. explorationCount<=0
// uses the spec default of 5.
func NewPerformance(breakers *breaker.Set, explorationCount int64) *Performance {
	if explorationCount <= 0 {
		explorationCount = defaultExplorationCount
	}
	return &Performance{breakers: breakers, explorationCount: explorationCount, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *Performance) Name() string { return "performance" }

func (p *Performance) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, p.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}

	var exploring, seasoned []*proxy.Proxy
	for _, px := range eligible {
		if px.Total() < p.explorationCount {
			exploring = append(exploring, px)
		} else {
			seasoned = append(seasoned, px)
		}
	}

	if len(exploring) > 0 {
		sort.Slice(exploring, func(i, j int) bool { return exploring[i].InsertSeq() < exploring[j].InsertSeq() })
		p.mu.Lock()
		idx := p.explorationN % uint64(len(exploring))
		p.explorationN++
		p.mu.Unlock()
		return exploring[idx], nil
	}

	return weightedPick(seasoned, func(px *proxy.Proxy) float64 {
		ema := px.EMAResponseTimeMs()
		if ema < epsilonMs {
			ema = epsilonMs
		}
		return 1.0 / ema
	}, p.rand, &p.mu)
}

func (p *Performance) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}
