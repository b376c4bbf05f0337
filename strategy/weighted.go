package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

const weightFloor = 0.1

// Weighted selects via weighted random: each proxy's weight is an explicit
// override if configured, else max(0.1, success_rate), per §4.2. Weighted
// random uses cumulative-sum + binary search: O(n) build, O(log n) pick.
type Weighted struct {
	breakers *breaker.Set

	mu        sync.Mutex
	rand      *rand.Rand
	overrides map[uuid.UUID]float64
}

// NewWeighted creates a weighted-random strategy. overrides may be nil.
func NewWeighted(breakers *breaker.Set, overrides map[uuid.UUID]float64) *Weighted {
	if overrides == nil {
		overrides = make(map[uuid.UUID]float64)
	}
	return &Weighted{breakers: breakers, rand: rand.New(rand.NewSource(time.Now().UnixNano())), overrides: overrides}
}

// SetWeight installs an explicit weight override for a proxy id.
func (w *Weighted) SetWeight(id uuid.UUID, weight float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.overrides[id] = weight
}

func (w *Weighted) Name() string { return "weighted" }

func (w *Weighted) weightOf(p *proxy.Proxy) float64 {
	w.mu.Lock()
	override, ok := w.overrides[p.ID]
	w.mu.Unlock()
	if ok {
		return override
	}
	rate := p.SuccessRate()
	if rate < weightFloor {
		return weightFloor
	}
	return rate
}

func (w *Weighted) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, w.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}
	return weightedPick(eligible, w.weightOf, w.rand, &w.mu)
}

func (w *Weighted) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}

// weightedPick builds a cumulative-sum table over weightOf(p) and binary
// searches a uniform draw into it — the O(n) build / O(log n) pick scheme
// §4.2 prescribes for the weighted strategy. It is reused by the
// cost-aware and performance-based strategies, which only differ in how
// they score each proxy.
func weightedPick(eligible []*proxy.Proxy, weightOf func(*proxy.Proxy) float64, r *rand.Rand, mu *sync.Mutex) (*proxy.Proxy, error) {
	cum := make([]float64, len(eligible))
	total := 0.0
	for i, p := range eligible {
		total += weightOf(p)
		cum[i] = total
	}
	if total <= 0 {
		// Degenerate: fall back to uniform pick rather than dividing by zero.
		mu.Lock()
		idx := r.Intn(len(eligible))
		mu.Unlock()
		return eligible[idx], nil
	}

	mu.Lock()
	target := r.Float64() * total
	mu.Unlock()

	lo, hi := 0, len(cum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cum[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return eligible[lo], nil
}
