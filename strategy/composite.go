package strategy

import (
	"time"

	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// Filter narrows an eligible set; used by Composite ahead of its selector.
// Strategies that already implement Strategy (e.g. Geo, CostAware) can be
// reused as filters by calling Select and treating a non-empty result's
// containing set as the filter's output — but Composite works over simple
// predicate filters for clarity and composability.
type Filter interface {
	Apply(candidates []*proxy.Proxy, ctx SelectionContext) []*proxy.Proxy
	Name() string
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc struct {
	FnName string
	Fn     func(candidates []*proxy.Proxy, ctx SelectionContext) []*proxy.Proxy
}

func (f FilterFunc) Apply(candidates []*proxy.Proxy, ctx SelectionContext) []*proxy.Proxy {
	return f.Fn(candidates, ctx)
}
func (f FilterFunc) Name() string { return f.FnName }

// Composite chains an ordered list of filters followed by one selector
// strategy: each filter restricts the eligible set, the selector picks
// from the survivor set. If any filter empties the set, Select fails (§4.2).
type Composite struct {
	filters  []Filter
	selector Strategy
}

// NewComposite creates a composite strategy.
func NewComposite(selector Strategy, filters ...Filter) *Composite {
	return &Composite{filters: filters, selector: selector}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	// The selector applies the universal eligibility pipeline itself; here
	// we only need a healthy-enough/unfiltered base for filters to narrow.
	candidates := snapshot
	for _, f := range c.filters {
		candidates = f.Apply(candidates, ctx)
		if len(candidates) == 0 {
			return nil, errs.New(errs.KindNoEligibleProxy, "composite filter \""+f.Name()+"\" eliminated every candidate")
		}
	}
	return c.selector.Select(candidates, ctx)
}

func (c *Composite) RecordOutcome(p *proxy.Proxy, success bool, rt time.Duration) {
	c.selector.RecordOutcome(p, success, rt)
}
