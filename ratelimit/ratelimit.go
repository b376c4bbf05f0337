// Package ratelimit implements the sliding-window rate limiter (C7):
// counters keyed by (identifier, endpoint), a per-endpoint/per-tier/global
// limit hierarchy, an optional shared backend, and a whitelist bypass.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/errs"
)

// Tier names a class of caller (e.g. "free", "paid") with its own default
// limit, overridden per-endpoint when configured.
type Tier struct {
	Name         string
	Limit        int
	Window        time.Duration
}

// Decision is the result of a Check call.
type Decision struct {
	Admitted    bool
	Limit       int
	Remaining   int
	ResetAt     time.Time
	RetryAfter  time.Duration
}

// BackendFailurePolicy controls admission when a shared Backend errors.
type BackendFailurePolicy int

const (
	// FailOpen admits the request when the backend is unreachable.
	FailOpen BackendFailurePolicy = iota
	// FailClosed denies the request when the backend is unreachable.
	FailClosed
)

// Backend is the optional shared, out-of-process limiter store; when set,
// Limiter delegates the drop-count-append sequence to it atomically
// instead of using its in-process map. A Redis-backed Lua script or
// equivalent single round-trip implementation satisfies this contract.
type Backend interface {
	// CheckAndAdmit atomically drops entries older than now-window, counts
	// survivors, and appends now if count < limit. Returns the resulting
	// count (including the just-admitted entry, if admitted) and whether
	// admission occurred.
	CheckAndAdmit(key string, now time.Time, window time.Duration, limit int) (admitted bool, count int, oldestInWindow time.Time, err error)
}

// Config configures a Limiter.
//
// EndpointOverrides is keyed by the exact endpoint string, not a pattern,
// so the §4.7/§9 "most restrictive wins among multiple matching endpoint
// patterns" ambiguity never structurally arises here: each endpoint has at
// most one override, resolved before falling back to a per-tier or the
// global default. This narrows that ambiguity rather than resolving it —
// pattern-based overrides (e.g. glob or prefix matching) would reopen it.
type Config struct {
	GlobalDefault    Tier
	TierDefaults     map[string]Tier
	EndpointOverrides map[string]Tier // endpoint -> tier; exact match only, see above
	Whitelist        map[string]struct{}
	Backend          Backend
	BackendFailurePolicy BackendFailurePolicy
}

// DefaultConfig returns a single global tier of 100 requests/minute, no
// per-tier overrides, no whitelist, no shared backend (fail-open is moot
// without one).
func DefaultConfig() Config {
	return Config{
		GlobalDefault: Tier{Name: "default", Limit: 100, Window: time.Minute},
		TierDefaults:  map[string]Tier{},
		EndpointOverrides: map[string]Tier{},
		Whitelist:     map[string]struct{}{},
		BackendFailurePolicy: FailOpen,
	}
}

// bucket is the in-process sliding window for one (identifier, endpoint)
// key: a timestamp-ordered slice of admit events within the window.
type bucket struct {
	mu     sync.Mutex
	events []time.Time
}

// Limiter is the rate limiter (C7). Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	fallback *tokenFallback

	lastTierMu sync.Mutex
	lastTier   map[string]string // identifier -> name of the tier Check last resolved for it

	now func() time.Time // overridable for tests; must be monotonic
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.TierDefaults == nil {
		cfg.TierDefaults = map[string]Tier{}
	}
	if cfg.EndpointOverrides == nil {
		cfg.EndpointOverrides = map[string]Tier{}
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = map[string]struct{}{}
	}
	return &Limiter{
		cfg: cfg, buckets: make(map[string]*bucket), fallback: newTokenFallback(),
		lastTier: make(map[string]string), now: time.Now,
	}
}

// recordLastTier remembers the tier name Check most recently resolved for
// identifier, for the control interface's status-introspection operation.
func (l *Limiter) recordLastTier(identifier, tierName string) {
	l.lastTierMu.Lock()
	l.lastTier[identifier] = tierName
	l.lastTierMu.Unlock()
}

// LastTier returns the tier name most recently resolved for identifier by
// Check, or "" if Check has never been called for it.
func (l *Limiter) LastTier(identifier string) string {
	l.lastTierMu.Lock()
	defer l.lastTierMu.Unlock()
	return l.lastTier[identifier]
}

// resolveTier applies the resolution order of §4.7: per-endpoint override
// > per-tier default > global default.
func (l *Limiter) resolveTier(endpoint, tierName string) Tier {
	if t, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		return t
	}
	if tierName != "" {
		if t, ok := l.cfg.TierDefaults[tierName]; ok {
			return t
		}
	}
	return l.cfg.GlobalDefault
}

func bucketKey(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

// Check evaluates one admission request for (identifier, endpoint) under
// the given tier name (looked up against TierDefaults; "" uses the global
// default directly).
func (l *Limiter) Check(identifier, endpoint, tierName string) (Decision, error) {
	if _, whitelisted := l.cfg.Whitelist[identifier]; whitelisted {
		l.recordLastTier(identifier, "whitelisted")
		return Decision{Admitted: true, Limit: -1, Remaining: -1}, nil
	}

	tier := l.resolveTier(endpoint, tierName)
	l.recordLastTier(identifier, tier.Name)
	key := bucketKey(identifier, endpoint)
	now := l.now()

	if l.cfg.Backend != nil {
		return l.checkBackend(key, now, tier)
	}
	return l.checkLocal(key, now, tier), nil
}

func (l *Limiter) checkLocal(key string, now time.Time, tier Tier) Decision {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-tier.Window)
	survivors := b.events[:0]
	for _, ts := range b.events {
		if ts.After(cutoff) {
			survivors = append(survivors, ts)
		}
	}
	b.events = survivors

	if len(b.events) >= tier.Limit {
		retryAfter := tier.Window
		if len(b.events) > 0 {
			retryAfter = b.events[0].Add(tier.Window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Admitted: false, Limit: tier.Limit, RetryAfter: retryAfter}
	}

	b.events = append(b.events, now)
	remaining := tier.Limit - len(b.events)
	return Decision{
		Admitted:  true,
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(tier.Window),
	}
}

func (l *Limiter) checkBackend(key string, now time.Time, tier Tier) (Decision, error) {
	admitted, count, oldest, err := l.cfg.Backend.CheckAndAdmit(key, now, tier.Window, tier.Limit)
	if err != nil {
		switch l.cfg.BackendFailurePolicy {
		case FailClosed:
			return Decision{Admitted: false, Limit: tier.Limit}, errs.Wrap(errs.KindRateLimited, "rate limit backend unavailable, failing closed", err)
		default:
			// Fail open, but shaped: a flapping backend degrades to a
			// local token bucket instead of admitting every request.
			if l.fallback.allow(key, now, tier) {
				return Decision{Admitted: true, Limit: tier.Limit, Remaining: tier.Limit}, nil
			}
			return Decision{Admitted: false, Limit: tier.Limit, RetryAfter: tier.Window}, nil
		}
	}
	if !admitted {
		retryAfter := oldest.Add(tier.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Admitted: false, Limit: tier.Limit, RetryAfter: retryAfter}, nil
	}
	remaining := tier.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Admitted: true, Limit: tier.Limit, Remaining: remaining, ResetAt: now.Add(tier.Window)}, nil
}

// Admit is a convenience wrapper that returns a *errs.Error of kind
// RateLimited (carrying RetryAfter) instead of a Decision when denied.
func (l *Limiter) Admit(identifier, endpoint, tierName string) error {
	d, err := l.Check(identifier, endpoint, tierName)
	if err != nil {
		return err
	}
	if !d.Admitted {
		e := errs.New(errs.KindRateLimited, fmt.Sprintf("rate limit exceeded for %q on %q", identifier, endpoint))
		e.RetryAfter = d.RetryAfter
		return e
	}
	return nil
}

// SetWhitelist replaces the whitelist set wholesale.
func (l *Limiter) SetWhitelist(identifiers []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		set[id] = struct{}{}
	}
	l.cfg.Whitelist = set
}

// SetEndpointOverride installs or replaces a per-endpoint tier override.
func (l *Limiter) SetEndpointOverride(endpoint string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.EndpointOverrides[endpoint] = tier
}

// Reset drops all local bucket state (used by tests and admin resets).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Config returns the limiter's current configuration, for the control
// interface's "read config" operation.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Replace atomically swaps in a new configuration, for the control
// interface's "replace config atomically" operation. Existing bucket
// state is kept; only the tier/whitelist/backend rules change.
func (l *Limiter) Replace(cfg Config) {
	if cfg.TierDefaults == nil {
		cfg.TierDefaults = map[string]Tier{}
	}
	if cfg.EndpointOverrides == nil {
		cfg.EndpointOverrides = map[string]Tier{}
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = map[string]struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}
