// Package control defines the control interface (§6) consumed by CLI/API
// front ends — themselves out of scope for this engine. It is the
// generalization of the teacher's internal/api (a bare net/http control
// server) into a plain Go interface with no listening server attached;
// a caller wires it to HTTP, gRPC, or a CLI as it sees fit.
package control

import (
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/cache"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
	"github.com/proxywhirl/proxywhirl/ratelimit"
	"github.com/proxywhirl/proxywhirl/strategy"
)

// HealthReport summarizes pool health for the control interface's
// "health report" operation.
type HealthReport struct {
	Total     int
	ByStatus  map[string]int
	Degraded  []uuid.UUID
}

// RateLimitStatus reports one identifier's current standing.
type RateLimitStatus struct {
	Identifier string
	Tier       string
}

// Control groups every operation the spec's control interface names:
// pool ops, cache ops, rate-limit ops, and circuit-breaker ops.
type Control interface {
	// Pool ops.
	AddProxy(rawURL string, creds *proxy.Credentials, tags []string, country, source string) (uuid.UUID, error)
	RemoveProxy(id uuid.UUID) bool
	ListProxies(filter pool.Filter) []proxy.Snapshot
	ClearPool()
	SetStrategy(name string) error
	HealthReport() HealthReport
	PoolStatistics() map[string]int

	// Cache ops.
	WarmCacheFromFile(path string, format cache.Format, defaultTTL time.Duration) (int, error)
	ExportCacheToFile(path string, format cache.Format) (int, error)
	ClearCache() error
	CacheStatistics() cache.Stats

	// Rate-limit ops.
	RateLimitConfig() ratelimit.Config
	ReplaceRateLimitConfig(cfg ratelimit.Config)
	RateLimitStatusFor(identifier string) RateLimitStatus

	// Circuit-breaker ops.
	BreakerStates() map[uuid.UUID]breaker.State
	ResetBreaker(id uuid.UUID)
}

// Manager is the default Control implementation, wiring a pool, a
// strategy registry, a breaker set, a cache manager and a rate limiter
// together behind the interface above.
type Manager struct {
	Pool      *pool.Pool
	Registry  *strategy.Registry
	Breakers  *breaker.Set
	Cache     *cache.Manager
	Limiter   *ratelimit.Limiter

	setActiveStrategy func(strategy.Strategy)
}

// NewManager builds a control Manager. setActiveStrategy is called
// whenever SetStrategy succeeds, typically Dispatcher.SetStrategy.
func NewManager(pl *pool.Pool, registry *strategy.Registry, breakers *breaker.Set, cacheMgr *cache.Manager, limiter *ratelimit.Limiter, setActiveStrategy func(strategy.Strategy)) *Manager {
	return &Manager{Pool: pl, Registry: registry, Breakers: breakers, Cache: cacheMgr, Limiter: limiter, setActiveStrategy: setActiveStrategy}
}

func (m *Manager) AddProxy(rawURL string, creds *proxy.Credentials, tags []string, country, source string) (uuid.UUID, error) {
	return m.Pool.Add(rawURL, creds, tags, country, source)
}

func (m *Manager) RemoveProxy(id uuid.UUID) bool {
	if m.Breakers != nil {
		m.Breakers.Remove(id)
	}
	return m.Pool.Remove(id)
}

func (m *Manager) ListProxies(filter pool.Filter) []proxy.Snapshot {
	proxies := m.Pool.List(filter)
	out := make([]proxy.Snapshot, len(proxies))
	for i, p := range proxies {
		out[i] = p.Snapshot()
	}
	return out
}

func (m *Manager) ClearPool() {
	m.Pool.Clear()
}

func (m *Manager) SetStrategy(name string) error {
	s, err := m.Registry.Build(name, m.Breakers)
	if err != nil {
		return err
	}
	if m.setActiveStrategy != nil {
		m.setActiveStrategy(s)
	}
	return nil
}

func (m *Manager) HealthReport() HealthReport {
	proxies := m.Pool.All()
	report := HealthReport{Total: len(proxies), ByStatus: map[string]int{}}
	for _, p := range proxies {
		snap := p.Snapshot()
		report.ByStatus[snap.Status.String()]++
		if snap.Status == proxy.StatusDegraded || snap.Status == proxy.StatusUnhealthy {
			report.Degraded = append(report.Degraded, snap.ID)
		}
	}
	return report
}

func (m *Manager) PoolStatistics() map[string]int {
	proxies := m.Pool.All()
	stats := map[string]int{"total": len(proxies)}
	for _, p := range proxies {
		stats[p.Status().String()]++
	}
	return stats
}

func (m *Manager) WarmCacheFromFile(path string, format cache.Format, defaultTTL time.Duration) (int, error) {
	return m.Cache.WarmFromFile(path, format, defaultTTL, cache.DuplicateMerge)
}

func (m *Manager) ExportCacheToFile(path string, format cache.Format) (int, error) {
	return m.Cache.ExportToFile(path, format)
}

func (m *Manager) ClearCache() error {
	return m.Cache.Clear()
}

func (m *Manager) CacheStatistics() cache.Stats {
	return m.Cache.Statistics()
}

func (m *Manager) RateLimitConfig() ratelimit.Config {
	return m.Limiter.Config()
}

func (m *Manager) ReplaceRateLimitConfig(cfg ratelimit.Config) {
	m.Limiter.Replace(cfg)
}

func (m *Manager) RateLimitStatusFor(identifier string) RateLimitStatus {
	return RateLimitStatus{Identifier: identifier, Tier: m.Limiter.LastTier(identifier)}
}

func (m *Manager) BreakerStates() map[uuid.UUID]breaker.State {
	return m.Breakers.States()
}

func (m *Manager) ResetBreaker(id uuid.UUID) {
	if b := m.Breakers.Get(id); b != nil {
		b.Reset()
	}
}
