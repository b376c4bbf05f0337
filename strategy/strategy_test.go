package strategy

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

func makeProxies(t *testing.T, n int) []*proxy.Proxy {
	t.Helper()
	out := make([]*proxy.Proxy, n)
	for i := 0; i < n; i++ {
		u, err := url.Parse("http://10.0.0." + string(rune('1'+i)) + ":8080")
		require.NoError(t, err)
		p := proxy.New(u, nil, proxy.DefaultThresholds())
		p.RecordOutcome(true, time.Millisecond) // move to HEALTHY, stable insertion order below
		out[i] = p
	}
	for i, p := range out {
		p.SetInsertSeq(int64(i))
	}
	return out
}

func TestRoundRobin_EvenDistribution(t *testing.T) {
	proxies := makeProxies(t, 3)
	rr := NewRoundRobin(nil)

	counts := map[string]int{}
	var seq []string
	for i := 0; i < 9; i++ {
		p, err := rr.Select(proxies, SelectionContext{})
		require.NoError(t, err)
		counts[p.ID.String()]++
		seq = append(seq, p.URL.Host)
	}
	for _, c := range counts {
		assert.Equal(t, 3, c)
	}
	// first 3 picks should be in insertion order, then repeat
	assert.Equal(t, seq[0:3], seq[3:6])
	assert.Equal(t, seq[0:3], seq[6:9])
}

func TestRoundRobin_PoolEmpty(t *testing.T) {
	rr := NewRoundRobin(nil)
	_, err := rr.Select(nil, SelectionContext{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPoolEmpty))
}

func TestEligible_ExcludesOpenBreaker(t *testing.T) {
	proxies := makeProxies(t, 2)
	bset := breaker.NewSet(breaker.Config{FailureThreshold: 1, WindowDuration: time.Minute, OpenTimeout: time.Minute})
	bset.Get(proxies[0].ID).RecordFailure()

	eligible := Eligible(proxies, bset, SelectionContext{})
	require.Len(t, eligible, 1)
	assert.Equal(t, proxies[1].ID, eligible[0].ID)
}

func TestEligible_ExcludesFailedIDs(t *testing.T) {
	proxies := makeProxies(t, 2)
	ctx := SelectionContext{FailedProxyIDs: map[uuid.UUID]struct{}{proxies[0].ID: {}}}

	eligible := Eligible(proxies, nil, ctx)
	require.Len(t, eligible, 1)
	assert.Equal(t, proxies[1].ID, eligible[0].ID)
}

func TestWeighted_HigherSuccessRateSelectedMoreOften(t *testing.T) {
	proxies := makeProxies(t, 2)
	// proxy 0: perfect record; proxy 1: poor record (but not yet degraded/dead)
	for i := 0; i < 10; i++ {
		proxies[0].RecordOutcome(true, time.Millisecond)
	}
	proxies[1].RecordOutcome(true, time.Millisecond)
	for i := 0; i < 2; i++ {
		proxies[1].RecordOutcome(false, time.Millisecond)
	}

	w := NewWeighted(nil, nil)
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		p, err := w.Select(proxies, SelectionContext{})
		require.NoError(t, err)
		counts[p.ID.String()]++
	}
	assert.Greater(t, counts[proxies[0].ID.String()], counts[proxies[1].ID.String()])
}

func TestLeastUsed_PicksSmallestTotal(t *testing.T) {
	proxies := makeProxies(t, 3)
	proxies[0].RecordOutcome(true, time.Millisecond)
	proxies[0].RecordOutcome(true, time.Millisecond)
	proxies[1].RecordOutcome(true, time.Millisecond)
	// proxies[2] has only the one RecordOutcome from makeProxies -> smallest total

	l := NewLeastUsed(nil)
	p, err := l.Select(proxies, SelectionContext{})
	require.NoError(t, err)
	assert.Equal(t, proxies[2].ID, p.ID)
}

func TestSticky_SameSessionSameProxy(t *testing.T) {
	proxies := makeProxies(t, 3)
	s := NewSticky(nil, NewRoundRobin(nil), time.Hour, 0)

	first, err := s.Select(proxies, SelectionContext{SessionID: "s1"})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		p, err := s.Select(proxies, SelectionContext{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, p.ID)
	}
}

func TestSticky_RequiresSessionID(t *testing.T) {
	proxies := makeProxies(t, 1)
	s := NewSticky(nil, nil, 0, 0)
	_, err := s.Select(proxies, SelectionContext{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestSticky_ExpiresAfterTTL(t *testing.T) {
	proxies := makeProxies(t, 3)
	s := NewSticky(nil, NewRoundRobin(nil), 20*time.Millisecond, 0)
	first, err := s.Select(proxies, SelectionContext{SessionID: "s1"})
	require.NoError(t, err)
	_ = first
	time.Sleep(30 * time.Millisecond)
	// force a fresh round robin pick post-expiry; can't assert different
	// proxy deterministically (pool could wrap to the same one). The expired
	// binding is still in the map until it is next accessed; Select then
	// ignores it and goes through the fallback again.
	s.mu.Lock()
	_, stillBound := s.bindings["s1"]
	s.mu.Unlock()
	_, err = s.Select(proxies, SelectionContext{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, stillBound, "binding only expires on next access, not eagerly")
}

func TestGeo_FiltersByCountry(t *testing.T) {
	proxies := makeProxies(t, 2)
	proxies[0].SetCountry("US")
	proxies[1].SetCountry("DE")

	g := NewGeo(nil, NewRoundRobin(nil), true)
	p, err := g.Select(proxies, SelectionContext{TargetCountry: "DE"})
	require.NoError(t, err)
	assert.Equal(t, proxies[1].ID, p.ID)
}

func TestGeo_NoMatchFailsWhenFallbackDisabled(t *testing.T) {
	proxies := makeProxies(t, 2)
	proxies[0].SetCountry("US")
	proxies[1].SetCountry("US")

	g := NewGeo(nil, NewRoundRobin(nil), false)
	_, err := g.Select(proxies, SelectionContext{TargetCountry: "FR"})
	require.Error(t, err)
}

func TestCostAware_FiltersByMaxCost(t *testing.T) {
	proxies := makeProxies(t, 2)
	proxies[0].SetCostPerRequest(0)
	proxies[1].SetCostPerRequest(5.0)

	max := 1.0
	c := NewCostAware(nil, 0)
	for i := 0; i < 20; i++ {
		p, err := c.Select(proxies, SelectionContext{MaxCostPerRequest: &max})
		require.NoError(t, err)
		assert.Equal(t, proxies[0].ID, p.ID)
	}
}

func TestComposite_FailsWhenFilterEmptiesSet(t *testing.T) {
	proxies := makeProxies(t, 2)
	alwaysEmpty := FilterFunc{FnName: "deny-all", Fn: func(c []*proxy.Proxy, ctx SelectionContext) []*proxy.Proxy { return nil }}
	comp := NewComposite(NewRoundRobin(nil), alwaysEmpty)
	_, err := comp.Select(proxies, SelectionContext{})
	require.Error(t, err)
}

func TestRegistry_BuildsKnownStrategies(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"round_robin", "random", "weighted", "least_used", "performance", "session_sticky", "geo_targeted", "cost_aware"} {
		s, err := r.Build(name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}
	_, err := r.Build("nonexistent", nil)
	assert.Error(t, err)
}
