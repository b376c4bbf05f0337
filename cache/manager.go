package cache

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultTTLCleanupInterval           = 60 * time.Second
	defaultTierConsecutiveFailThreshold = 3
	defaultTierDegradationWindow        = time.Minute
)

// TierName identifies one of the three cache tiers for statistics and
// degradation reporting.
type TierName string

const (
	TierL1 TierName = "l1"
	TierL2 TierName = "l2"
	TierL3 TierName = "l3"
)

// EvictionReason tags why an entry left a tier, for statistics.
type EvictionReason string

const (
	EvictionTTL    EvictionReason = "ttl"
	EvictionLRU    EvictionReason = "lru"
	EvictionHealth EvictionReason = "health"
	EvictionManual EvictionReason = "manual"
)

// Config configures the Manager's tiers and background sweeper.
type Config struct {
	L1Capacity            int
	EnableL2              bool
	L2Dir                 string
	L2Shards              int
	L2CapacityPerShard    int
	EnableL3              bool
	L3DSN                 string
	Sealer                *Sealer
	TTLCleanupInterval    time.Duration
	FailureThreshold      int64 // health-based invalidation, per proxy
	TierFailureThreshold  int   // tier degradation
	TierDegradationWindow time.Duration
}

// DefaultConfig returns an L1-only configuration (the only tier that
// requires no filesystem/db setup); callers enable L2/L3 explicitly.
func DefaultConfig() Config {
	return Config{
		L1Capacity:            defaultL1Capacity,
		L2Shards:              defaultL2Shards,
		TTLCleanupInterval:    defaultTTLCleanupInterval,
		FailureThreshold:      20,
		TierFailureThreshold:  defaultTierConsecutiveFailThreshold,
		TierDegradationWindow: defaultTierDegradationWindow,
	}
}

// tierHealth tracks consecutive failures for degradation per §4.6's "tier
// degradation" rule.
type tierHealth struct {
	mu                  sync.Mutex
	consecutiveFailures int
	disabled            bool
	lastFailure         time.Time
	threshold           int
	window              time.Duration
}

func (h *tierHealth) recordResult(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.consecutiveFailures = 0
		h.disabled = false
		return
	}
	now := time.Now()
	if h.lastFailure.IsZero() || now.Sub(h.lastFailure) > h.window {
		h.consecutiveFailures = 0
	}
	h.consecutiveFailures++
	h.lastFailure = now
	if h.consecutiveFailures >= h.threshold {
		h.disabled = true
	}
}

func (h *tierHealth) isDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disabled
}

func (h *tierHealth) probe(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		h.disabled = false
		h.consecutiveFailures = 0
	}
}

// Stats is the immutable statistics snapshot returned by Statistics().
type Stats struct {
	Hits        map[TierName]int64
	Misses      map[TierName]int64
	Evictions   map[TierName]map[EvictionReason]int64
	Size        map[TierName]int
	Degraded    map[TierName]bool
	OverallHitRate float64
}

// Manager is the cache manager (C6): one interface cascading reads across
// L1 -> L2 -> L3, writing through to every enabled tier, with a
// background TTL sweeper and per-tier degradation tracking.
type Manager struct {
	cfg Config

	l1 *l1Tier
	l2 *l2Tier
	l3 *l3Tier

	l2Health *tierHealth
	l3Health *tierHealth

	mu        sync.Mutex
	hits      map[TierName]int64
	misses    map[TierName]int64
	evictions map[TierName]map[EvictionReason]int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Manager and starts its background sweeper. Close must
// be called to stop the sweeper and flush/close file and DB handles.
func New(cfg Config) (*Manager, error) {
	l1, err := newL1Tier(cfg.L1Capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: init L1: %w", err)
	}

	if (cfg.EnableL2 || cfg.EnableL3) && cfg.Sealer == nil {
		s, err := NewSealerFromEnv()
		if err != nil {
			return nil, fmt.Errorf("cache: init credential sealer: %w", err)
		}
		cfg.Sealer = s
	}

	m := &Manager{
		cfg: cfg,
		l1:  l1,
		hits: map[TierName]int64{}, misses: map[TierName]int64{},
		evictions: map[TierName]map[EvictionReason]int64{
			TierL1: {}, TierL2: {}, TierL3: {},
		},
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	threshold := cfg.TierFailureThreshold
	if threshold <= 0 {
		threshold = defaultTierConsecutiveFailThreshold
	}
	window := cfg.TierDegradationWindow
	if window <= 0 {
		window = defaultTierDegradationWindow
	}

	if cfg.EnableL2 {
		l2, err := openL2Tier(cfg.L2Dir, cfg.L2Shards, cfg.L2CapacityPerShard, cfg.Sealer)
		if err != nil {
			return nil, fmt.Errorf("cache: init L2: %w", err)
		}
		m.l2 = l2
		m.l2Health = &tierHealth{threshold: threshold, window: window}
	}
	if cfg.EnableL3 {
		l3, err := openL3Tier(cfg.L3DSN, cfg.Sealer)
		if err != nil {
			return nil, fmt.Errorf("cache: init L3: %w", err)
		}
		m.l3 = l3
		m.l3Health = &tierHealth{threshold: threshold, window: window}
	}

	interval := cfg.TTLCleanupInterval
	if interval <= 0 {
		interval = defaultTTLCleanupInterval
	}
	go m.sweepLoop(interval)

	return m, nil
}

// Get cascades L1 -> L2 -> L3, promoting a tier-2/3 hit back up to L1 (and
// L2, if the hit came from L3) per §4.6. Expired entries are treated as
// absent and evicted lazily.
func (m *Manager) Get(key string) (*Entry, bool) {
	now := time.Now()

	if e, ok := m.l1.get(key); ok {
		if e.Expired(now) {
			m.l1.remove(key)
			m.recordEviction(TierL1, EvictionTTL)
		} else {
			m.recordHit(TierL1)
			e.LastAccessedAt = now
			e.AccessCount++
			return e.clone(), true
		}
	}
	m.recordMiss(TierL1)

	if m.l2 != nil && !m.l2Health.isDisabled() {
		if e, ok := m.l2.get(key); ok {
			if e.Expired(now) {
				_ = m.l2.remove(key)
				m.recordEviction(TierL2, EvictionTTL)
			} else {
				m.recordHit(TierL2)
				e.LastAccessedAt = now
				e.AccessCount++
				m.l1.put(e)
				return e.clone(), true
			}
		}
		m.recordMiss(TierL2)
	}

	if m.l3 != nil && !m.l3Health.isDisabled() {
		if e, ok := m.l3.get(key); ok {
			if e.Expired(now) {
				_ = m.l3.remove(key)
				m.recordEviction(TierL3, EvictionTTL)
			} else {
				m.recordHit(TierL3)
				e.LastAccessedAt = now
				e.AccessCount++
				m.l1.put(e)
				if m.l2 != nil && !m.l2Health.isDisabled() {
					if err := m.l2.put(e); err != nil {
						m.l2Health.recordResult(err)
					}
				}
				return e.clone(), true
			}
		}
		m.recordMiss(TierL3)
	}

	return nil, false
}

// Put writes through to every enabled, non-degraded tier.
func (m *Manager) Put(e *Entry) error {
	m.l1.put(e.clone())

	if m.l2 != nil && !m.l2Health.isDisabled() {
		err := m.l2.put(e.clone())
		m.l2Health.recordResult(err)
		if err != nil {
			return fmt.Errorf("cache: L2 write-through failed: %w", err)
		}
	}
	if m.l3 != nil && !m.l3Health.isDisabled() {
		err := m.l3.put(e.clone())
		m.l3Health.recordResult(err)
		if err != nil {
			return fmt.Errorf("cache: L3 write-through failed: %w", err)
		}
	}
	return nil
}

// Invalidate removes a key from every tier (explicit invalidation).
func (m *Manager) Invalidate(key string) {
	m.l1.remove(key)
	m.recordEviction(TierL1, EvictionManual)
	if m.l2 != nil {
		if err := m.l2.remove(key); err == nil {
			m.recordEviction(TierL2, EvictionManual)
		}
	}
	if m.l3 != nil {
		if err := m.l3.remove(key); err == nil {
			m.recordEviction(TierL3, EvictionManual)
		}
	}
}

// InvalidateWhere removes every key across L1 for which pred returns
// true (predicate invalidation is scoped to the in-memory view, which is
// always a superset of what is actively being read).
func (m *Manager) InvalidateWhere(pred func(*Entry) bool) int {
	count := 0
	for _, k := range m.l1.keys() {
		if e, ok := m.l1.get(k); ok && pred(e) {
			m.Invalidate(k)
			count++
		}
	}
	return count
}

// InvalidateByHealth implements the health-based invalidation rule:
// called by the pool once a proxy accumulates FailureThreshold
// consecutive failures, it removes the cached entry for that key from
// every tier.
func (m *Manager) InvalidateByHealth(key string, consecutiveFailures int64) {
	if consecutiveFailures < m.cfg.FailureThreshold {
		return
	}
	m.l1.remove(key)
	m.recordEviction(TierL1, EvictionHealth)
	if m.l2 != nil {
		if err := m.l2.remove(key); err == nil {
			m.recordEviction(TierL2, EvictionHealth)
		}
	}
	if m.l3 != nil {
		if err := m.l3.remove(key); err == nil {
			m.recordEviction(TierL3, EvictionHealth)
		}
	}
}

// Clear empties every enabled tier.
func (m *Manager) Clear() error {
	m.l1.clear()
	if m.l2 != nil {
		if err := m.l2.clear(); err != nil {
			return fmt.Errorf("cache: clear L2: %w", err)
		}
	}
	if m.l3 != nil {
		if err := m.l3.clear(); err != nil {
			return fmt.Errorf("cache: clear L3: %w", err)
		}
	}
	return nil
}

// Statistics returns an immutable snapshot of hit/miss/eviction counters,
// current sizes, and degradation flags.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := copyCounts(m.hits)
	misses := copyCounts(m.misses)
	evictions := map[TierName]map[EvictionReason]int64{}
	for tier, byReason := range m.evictions {
		evictions[tier] = copyReasonCounts(byReason)
	}

	size := map[TierName]int{TierL1: m.l1.len()}
	degraded := map[TierName]bool{TierL1: false}
	if m.l2 != nil {
		size[TierL2] = m.l2.len()
		degraded[TierL2] = m.l2Health.isDisabled()
	}
	if m.l3 != nil {
		size[TierL3] = m.l3.len()
		degraded[TierL3] = m.l3Health.isDisabled()
	}

	var totalHits, totalAttempts int64
	for _, v := range hits {
		totalHits += v
		totalAttempts += v
	}
	for _, v := range misses {
		totalAttempts += v
	}
	rate := 0.0
	if totalAttempts > 0 {
		rate = float64(totalHits) / float64(totalAttempts)
	}

	return Stats{Hits: hits, Misses: misses, Evictions: evictions, Size: size, Degraded: degraded, OverallHitRate: rate}
}

func copyCounts(m map[TierName]int64) map[TierName]int64 {
	out := make(map[TierName]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyReasonCounts(m map[EvictionReason]int64) map[EvictionReason]int64 {
	out := make(map[EvictionReason]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *Manager) recordHit(tier TierName) {
	m.mu.Lock()
	m.hits[tier]++
	m.mu.Unlock()
}

func (m *Manager) recordMiss(tier TierName) {
	m.mu.Lock()
	m.misses[tier]++
	m.mu.Unlock()
}

func (m *Manager) recordEviction(tier TierName, reason EvictionReason) {
	m.mu.Lock()
	m.evictions[tier][reason]++
	m.mu.Unlock()
}

// sweepLoop runs the background TTL sweeper every interval until Close.
func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	for _, k := range m.l1.keys() {
		if e, ok := m.l1.get(k); ok && e.Expired(now) {
			m.l1.remove(k)
			m.recordEviction(TierL1, EvictionTTL)
		}
	}
	if m.l3 != nil && !m.l3Health.isDisabled() {
		n, err := m.l3.deleteExpired(now)
		m.l3Health.recordResult(err)
		if err == nil && n > 0 {
			m.mu.Lock()
			m.evictions[TierL3][EvictionTTL] += n
			m.mu.Unlock()
		}
	}
}

// Close stops the sweeper and releases tier resources.
func (m *Manager) Close() error {
	close(m.stopSweep)
	<-m.sweepDone

	var firstErr error
	if m.l2 != nil {
		if err := m.l2.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.l3 != nil {
		if err := m.l3.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
