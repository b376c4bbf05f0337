package strategy

import (
	"container/heap"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// LeastUsed selects the eligible proxy with the smallest total request
// count, ties broken by earliest last-used (§4.2). A min-heap is built
// fresh from the eligible snapshot on every Select; since the pool already
// hands strategies a fresh snapshot per call (per the Design Notes'
// "pass pool snapshots, not the live structure, into strategies"), there is
// no persistent heap to "lazy-fix" on metric change — the snapshot itself
// is always current as of selection time.
type LeastUsed struct {
	breakers *breaker.Set
}

func NewLeastUsed(breakers *breaker.Set) *LeastUsed { return &LeastUsed{breakers: breakers} }

func (l *LeastUsed) Name() string { return "least_used" }

type luItem struct {
	p *proxy.Proxy
}

type luHeap []luItem

func (h luHeap) Len() int { return len(h) }
func (h luHeap) Less(i, j int) bool {
	ti, tj := h[i].p.Total(), h[j].p.Total()
	if ti != tj {
		return ti < tj
	}
	return h[i].p.LastUsed().Before(h[j].p.LastUsed())
}
func (h luHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *luHeap) Push(x any)        { *h = append(*h, x.(luItem)) }
func (h *luHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (l *LeastUsed) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, l.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}
	h := make(luHeap, 0, len(eligible))
	for _, p := range eligible {
		h = append(h, luItem{p: p})
	}
	heap.Init(&h)
	return h[0].p, nil
}

func (l *LeastUsed) RecordOutcome(*proxy.Proxy, bool, time.Duration) {}
