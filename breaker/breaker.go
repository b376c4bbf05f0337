// Package breaker implements the per-proxy circuit breaker set (§4.3): a
// 3-state machine (CLOSED, OPEN, HALF_OPEN) backed by a rolling window of
// failure timestamps. Breakers are ephemeral across process restarts —
// every breaker always starts CLOSED, as the spec requires.
//
// Naming and the half-open single-trial-admission shape are grounded on the
// circuit-breaker integration tests in the retrieval pack (the
// modern_reverse_proxy outlier/breaker-persist-swap suite), since the
// teacher repo has no breaker of its own — its rotation triggers
// (conn-error / http-error counters in internal/rotator) drive
// unconditional rotation rather than a stateful breaker.
package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config controls a breaker's thresholds (§4.3 defaults).
type Config struct {
	FailureThreshold int           // default 5
	WindowDuration   time.Duration // default 60s
	OpenTimeout      time.Duration // default 30s
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, WindowDuration: 60 * time.Second, OpenTimeout: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = d.WindowDuration
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

// Breaker is a single proxy's circuit breaker. All transitions are
// serialized under mu; failure appends and ShouldAdmit reads are both
// mutex-protected, per the concurrency model in §4.3/§5.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    []time.Time // timestamp-ordered deque, oldest first
	openUntil   time.Time
	halfOpenBusy bool // a trial request is currently in flight
}

// New creates a CLOSED breaker with the given config.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// State returns the breaker's current state, resolving an expired OPEN
// window into HALF_OPEN as a side effect (transitions are observed lazily
// on access, matching §4.3's "at that point, transition to HALF_OPEN").
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()
	return b.state
}

// ShouldAdmit reports whether a selection attempt may proceed through this
// proxy right now. CLOSED always admits. OPEN never admits until
// open_until elapses, at which point exactly one concurrent caller is
// admitted as the HALF_OPEN trial; other concurrent callers are blocked
// until the trial completes.
func (b *Breaker) ShouldAdmit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenBusy {
			return false
		}
		b.halfOpenBusy = true
		return true
	default: // Open
		return false
	}
}

// maybeExpireOpen must be called with mu held.
func (b *Breaker) maybeExpireOpen() {
	if b.state == Open && !b.openUntil.IsZero() && !time.Now().Before(b.openUntil) {
		b.state = HalfOpen
		b.halfOpenBusy = false
	}
}

// RecordSuccess reports a successful request through this proxy.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = nil
		b.halfOpenBusy = false
	case Closed:
		// drop the window on a clean success streak start is not required by
		// spec; only failures are tracked, so nothing to do here.
	}
}

// RecordFailure reports a failed request through this proxy, appending a
// failure timestamp and evaluating the threshold/trial-failure rules.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case HalfOpen:
		// Trial failed: back to OPEN with a fresh open_until.
		b.state = Open
		b.openUntil = now.Add(b.cfg.OpenTimeout)
		b.halfOpenBusy = false
		return
	case Open:
		return
	}

	b.failures = append(b.failures, now)
	b.pruneWindow(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = Open
		b.openUntil = now.Add(b.cfg.OpenTimeout)
		b.failures = nil
	}
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// Reset forces the breaker back to CLOSED, clearing its window. Used by the
// control interface's "reset a breaker by proxy id" operation (§6).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = nil
	b.openUntil = time.Time{}
	b.halfOpenBusy = false
}

// OpenUntil returns the instant this breaker will move from OPEN to
// HALF_OPEN, or the zero Time if not currently OPEN.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.openUntil
}

// Set is a registry of breakers keyed by proxy id, created lazily.
type Set struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[uuid.UUID]*Breaker
}

// NewSet creates an empty breaker registry using cfg for every breaker it
// lazily creates.
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg.withDefaults(), breakers: make(map[uuid.UUID]*Breaker)}
}

// Get returns (creating if necessary) the breaker for a proxy id.
func (s *Set) Get(id uuid.UUID) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[id]; ok {
		return b
	}
	b = New(s.cfg)
	s.breakers[id] = b
	return b
}

// Remove drops a breaker from the set (e.g. when its proxy is removed from
// the pool).
func (s *Set) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, id)
}

// AllOpen reports whether every breaker currently tracked for the given ids
// is OPEN — used by the retry executor's AllBreakersOpen fast-fail check.
// An empty id list is not "all open" (there is nothing to be open).
func (s *Set) AllOpen(ids []uuid.UUID) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if s.Get(id).State() != Open {
			return false
		}
	}
	return true
}

// States returns a snapshot of every known breaker's state, for the control
// interface's "list states" operation (§6).
func (s *Set) States() map[uuid.UUID]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]State, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
