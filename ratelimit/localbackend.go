package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenFallback shapes the fail-open path of a shared Backend: when the
// backend itself is unreachable, blind fail-open lets a retry storm
// through at whatever rate callers retry; tokenFallback instead admits
// through a local token bucket sized to the tier limit, so a flapping
// backend degrades to "best-effort local rate limiting" rather than "no
// rate limiting at all". It is never consulted on the primary path —
// the sliding window in checkLocal remains the spec's required admit
// algorithm.
type tokenFallback struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTokenFallback() *tokenFallback {
	return &tokenFallback{limiters: make(map[string]*rate.Limiter)}
}

func (f *tokenFallback) allow(key string, now time.Time, tier Tier) bool {
	f.mu.Lock()
	lim, ok := f.limiters[key]
	if !ok {
		perSecond := float64(tier.Limit) / tier.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), tier.Limit)
		f.limiters[key] = lim
	}
	f.mu.Unlock()

	return lim.AllowN(now, 1)
}
