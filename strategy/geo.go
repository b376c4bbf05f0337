package strategy

import (
	"strings"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// Geo narrows the eligible set to proxies matching ctx.TargetCountry (or
// TargetRegion), falling back to a secondary strategy over the full
// eligible set when the match is empty and fallback is enabled (§4.2).
type Geo struct {
	breakers        *breaker.Set
	fallback        Strategy
	fallbackEnabled bool
}

// NewGeo creates a geo-targeted strategy. fallback is used when no proxy
// matches the target country/region; pass fallbackEnabled=false to instead
// fail with NoMatch.
func NewGeo(breakers *breaker.Set, fallback Strategy, fallbackEnabled bool) *Geo {
	if fallback == nil {
		fallback = NewRoundRobin(breakers)
	}
	return &Geo{breakers: breakers, fallback: fallback, fallbackEnabled: fallbackEnabled}
}

func (g *Geo) Name() string { return "geo_targeted" }

func (g *Geo) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	eligible := Eligible(snapshot, g.breakers, ctx)
	if len(eligible) == 0 {
		return nil, NoEligibleError(snapshot, ctx)
	}

	if ctx.TargetCountry == "" && ctx.TargetRegion == "" {
		return g.fallback.Select(snapshot, ctx)
	}

	matched := make([]*proxy.Proxy, 0, len(eligible))
	for _, p := range eligible {
		if ctx.TargetCountry != "" && strings.EqualFold(p.Country(), ctx.TargetCountry) {
			matched = append(matched, p)
			continue
		}
		if ctx.TargetRegion != "" && strings.EqualFold(p.Region(), ctx.TargetRegion) {
			matched = append(matched, p)
		}
	}

	if len(matched) == 0 {
		if !g.fallbackEnabled {
			return nil, errs.New(errs.KindNoEligibleProxy, "no proxy matches the requested geo target")
		}
		return g.fallback.Select(snapshot, ctx)
	}
	return g.fallback.Select(matched, ctx)
}

func (g *Geo) RecordOutcome(p *proxy.Proxy, success bool, rt time.Duration) {
	g.fallback.RecordOutcome(p, success, rt)
}
