package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/cache"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/ratelimit"
	"github.com/proxywhirl/proxywhirl/strategy"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pl := pool.New("test")
	registry := strategy.NewRegistry()
	breakers := breaker.NewSet(breaker.DefaultConfig())
	cacheMgr, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { cacheMgr.Close() })
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	return NewManager(pl, registry, breakers, cacheMgr, limiter, nil)
}

func TestManager_AddListRemoveProxy(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AddProxy("http://10.0.0.1:8080", nil, []string{"fast"}, "US", "seed")
	require.NoError(t, err)

	snaps := m.ListProxies(pool.Filter{})
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)

	assert.True(t, m.RemoveProxy(id))
	assert.Empty(t, m.ListProxies(pool.Filter{}))
}

func TestManager_HealthReportBucketsByStatus(t *testing.T) {
	m := newTestManager(t)
	m.AddProxy("http://10.0.0.1:8080", nil, nil, "", "seed")
	m.AddProxy("http://10.0.0.2:8080", nil, nil, "", "seed")

	report := m.HealthReport()
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.ByStatus["UNKNOWN"])
}

func TestManager_SetStrategySwapsActiveStrategy(t *testing.T) {
	var active strategy.Strategy
	pl := pool.New("test")
	registry := strategy.NewRegistry()
	breakers := breaker.NewSet(breaker.DefaultConfig())
	cacheMgr, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	defer cacheMgr.Close()
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	m := NewManager(pl, registry, breakers, cacheMgr, limiter, func(s strategy.Strategy) { active = s })
	require.NoError(t, m.SetStrategy("random"))
	require.NotNil(t, active)
	assert.Equal(t, "random", active.Name())
}

func TestManager_RateLimitStatusForReportsResolvedTier(t *testing.T) {
	m := newTestManager(t)
	cfg := ratelimit.DefaultConfig()
	cfg.TierDefaults = map[string]ratelimit.Tier{"paid": {Name: "paid", Limit: 10, Window: time.Minute}}
	m.ReplaceRateLimitConfig(cfg)

	before := m.RateLimitStatusFor("client-a")
	assert.Equal(t, "", before.Tier)

	_, err := m.Limiter.Check("client-a", "/get", "paid")
	require.NoError(t, err)

	after := m.RateLimitStatusFor("client-a")
	assert.Equal(t, "paid", after.Tier)
}

func TestManager_ResetBreakerClearsState(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AddProxy("http://10.0.0.1:8080", nil, nil, "", "seed")
	require.NoError(t, err)

	m.Breakers.Get(id).RecordFailure()
	m.ResetBreaker(id)
	assert.Equal(t, breaker.Closed, m.BreakerStates()[id])
}
