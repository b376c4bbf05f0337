package strategy

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

const (
	defaultStickyTTL        = time.Hour
	defaultMaxSessions       = 10_000
	defaultCleanupEveryNOps = 128
)

// stickyBinding is one entry in the sticky session table.
type stickyBinding struct {
	sessionID  string
	proxyID    uuid.UUID
	createdAt  time.Time
	lastUsedAt time.Time
	elem       *list.Element // position in the LRU list
}

// Sticky generalizes the teacher's domain-pinning logic in
// internal/rotator.Rotator (the pins map and ProxyFor/extractDomain
// machinery) from "pin by destination domain, forever, cleared only when
// the pinned proxy rotates out" into the spec's session-id-keyed
// stickiness with a TTL, LRU eviction, and a configurable fallback
// strategy used for the first bind of a session.
type Sticky struct {
	breakers *breaker.Set
	fallback Strategy
	ttl      time.Duration
	maxSize  int

	mu          sync.Mutex
	bindings    map[string]*stickyBinding
	lru         *list.List // front = most recently used
	opsSinceGC  int
}

// NewSticky creates a session-sticky strategy. fallback is used to pick a
// proxy the first time a session is seen (default round-robin if nil).
// ttl<=0 uses the spec default of 1 hour; maxSessions<=0 uses 10,000.
func NewSticky(breakers *breaker.Set, fallback Strategy, ttl time.Duration, maxSessions int) *Sticky {
	if fallback == nil {
		fallback = NewRoundRobin(breakers)
	}
	if ttl <= 0 {
		ttl = defaultStickyTTL
	}
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Sticky{
		breakers: breakers,
		fallback: fallback,
		ttl:      ttl,
		maxSize:  maxSessions,
		bindings: make(map[string]*stickyBinding),
		lru:      list.New(),
	}
}

func (s *Sticky) Name() string { return "session_sticky" }

func (s *Sticky) Select(snapshot []*proxy.Proxy, ctx SelectionContext) (*proxy.Proxy, error) {
	if ctx.SessionID == "" {
		return nil, errs.New(errs.KindValidation, "session-sticky strategy requires a session_id")
	}

	s.mu.Lock()
	s.maybeCleanupLocked()
	binding, ok := s.bindings[ctx.SessionID]
	s.mu.Unlock()

	byID := make(map[uuid.UUID]*proxy.Proxy, len(snapshot))
	for _, p := range snapshot {
		byID[p.ID] = p
	}

	if ok && !s.expired(binding) {
		if px, exists := byID[binding.proxyID]; exists && px.Status().HealthyEnough() {
			_, failed := ctx.FailedProxyIDs[px.ID]
			if !failed && (s.breakers == nil || s.breakers.Get(px.ID).State() != breaker.Open) {
				s.touch(binding)
				return px, nil
			}
		}
	}

	px, err := s.fallback.Select(snapshot, ctx)
	if err != nil {
		return nil, err
	}
	s.bind(ctx.SessionID, px.ID)
	return px, nil
}

func (s *Sticky) expired(b *stickyBinding) bool {
	return time.Since(b.lastUsedAt) > s.ttl
}

func (s *Sticky) touch(b *stickyBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.lastUsedAt = time.Now()
	s.lru.MoveToFront(b.elem)
}

func (s *Sticky) bind(sessionID string, proxyID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.bindings[sessionID]; ok {
		existing.proxyID = proxyID
		existing.lastUsedAt = now
		s.lru.MoveToFront(existing.elem)
		return
	}

	b := &stickyBinding{sessionID: sessionID, proxyID: proxyID, createdAt: now, lastUsedAt: now}
	b.elem = s.lru.PushFront(b)
	s.bindings[sessionID] = b

	for len(s.bindings) > s.maxSize {
		back := s.lru.Back()
		if back == nil {
			break
		}
		evict := back.Value.(*stickyBinding)
		s.lru.Remove(back)
		delete(s.bindings, evict.sessionID)
	}
}

// Close explicitly expires a session's binding (the spec's "explicit
// close").
func (s *Sticky) Close(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[sessionID]; ok {
		s.lru.Remove(b.elem)
		delete(s.bindings, sessionID)
	}
}

// maybeCleanupLocked lazily sweeps expired bindings every N operations;
// caller must hold s.mu.
func (s *Sticky) maybeCleanupLocked() {
	s.opsSinceGC++
	if s.opsSinceGC < defaultCleanupEveryNOps {
		return
	}
	s.opsSinceGC = 0
	now := time.Now()
	for id, b := range s.bindings {
		if now.Sub(b.lastUsedAt) > s.ttl {
			s.lru.Remove(b.elem)
			delete(s.bindings, id)
		}
	}
}

func (s *Sticky) RecordOutcome(p *proxy.Proxy, success bool, rt time.Duration) {
	s.fallback.RecordOutcome(p, success, rt)
}
