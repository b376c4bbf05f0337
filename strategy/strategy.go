// Package strategy implements the pluggable proxy rotation algorithms
// (§4.2): round-robin, random, weighted, least-used, performance-based,
// session-sticky, geo-targeted, cost-aware and composite filter-then-select.
//
// Every strategy shares one contract (Strategy) and the common eligibility
// pipeline described in §4.2: start from the healthy-enough view, exclude
// proxies whose breaker is OPEN, exclude proxies already failed in this
// call's retry chain, then apply strategy-specific filtering and scoring.
// Breaker exclusion and failed-id exclusion live in Eligible, which each
// concrete strategy calls first on the snapshot it receives, so individual
// strategies only implement their own scoring logic — generalizing the
// teacher's single hard-coded round-robin (internal/rotator/rotator.go's
// pickNext) into a swappable registry, per the Design Notes' guidance that
// runtime reflection collapses to a small registry of constructors.
package strategy

import (
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// SelectionContext is the per-call bag passed to strategies (§3).
type SelectionContext struct {
	SessionID        string
	TargetCountry    string
	TargetRegion     string
	MaxCostPerRequest *float64
	FailedProxyIDs   map[uuid.UUID]struct{}
	Metadata         map[string]any
}

// Strategy is the common contract every rotation algorithm implements.
type Strategy interface {
	// Select picks one proxy from the pool's snapshot given ctx, or returns
	// a PoolEmpty/NoEligibleProxy *errs.Error when nothing qualifies.
	Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error)
	// RecordOutcome is an optional hook for strategy-local state (sticky
	// sessions, counters, etc; per-proxy EMA already lives on the Proxy
	// itself and does not need to be duplicated here).
	RecordOutcome(p *proxy.Proxy, success bool, responseTime time.Duration)
	// Name identifies the strategy, e.g. for logging and the control
	// interface's "set-strategy" operation.
	Name() string
}

// Eligible applies the universal filtering pipeline of §4.2 steps 1-3:
// healthy-enough status, open-breaker exclusion, and already-failed
// exclusion. Concrete strategies call this first, then apply their own
// filtering/scoring over the result.
//
// This is a coarse State()-based filter only: a HALF_OPEN breaker is left
// eligible here since it admits one trial, but which concurrent caller
// actually wins that trial is decided downstream, by retry.Execute calling
// breaker.Breaker.ShouldAdmit() on the one proxy a strategy actually
// selects — never here, where evaluating every HALF_OPEN candidate would
// needlessly reserve trial slots on proxies that end up not being chosen.
func Eligible(snapshot []*proxy.Proxy, breakers *breaker.Set, ctx SelectionContext) []*proxy.Proxy {
	out := make([]*proxy.Proxy, 0, len(snapshot))
	for _, px := range snapshot {
		if !px.Status().HealthyEnough() {
			continue
		}
		if _, failed := ctx.FailedProxyIDs[px.ID]; failed {
			continue
		}
		if breakers != nil && breakers.Get(px.ID).State() == breaker.Open {
			continue
		}
		out = append(out, px)
	}
	return out
}

// NoEligibleError builds the correct terminal error for an empty eligible
// set: PoolEmpty when the snapshot itself was empty or nothing has failed
// yet this call, NoEligibleProxy once the call has already tried and
// failed through at least one proxy (§4.4.c).
func NoEligibleError(snapshot []*proxy.Proxy, ctx SelectionContext) error {
	if len(snapshot) == 0 {
		return errs.New(errs.KindPoolEmpty, "pool has no proxies configured")
	}
	if len(ctx.FailedProxyIDs) > 0 {
		return errs.New(errs.KindNoEligibleProxy, "no eligible proxy remains after exclusions")
	}
	return errs.New(errs.KindPoolEmpty, "no proxy is healthy enough to use")
}
