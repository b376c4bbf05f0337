// Package pool implements the concurrent proxy pool (§3/§4.1): a named,
// ordered set of proxies with O(1) lookup by id or canonical URL, filtered
// views, and atomic snapshots. It generalizes the teacher's file-backed
// pool (internal/pool/pool.go in the retrieval pack) from a flat slice of
// liveness-only proxies into a fully health-accounted entity pool.
package pool

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// Filter narrows a List/snapshot call. Tag, Country and Region are optional
// (empty means "no constraint"); Status is always matched unless AnyStatus
// is set, so the zero Filter matches UNKNOWN proxies only.
type Filter struct {
	Status  proxy.Status
	AnyStatus bool // when true, Status is ignored
	Tag     string
	Country string
	Region  string
}

// Pool is a named, process-local ordered set of proxies.
type Pool struct {
	Name string

	mu        sync.RWMutex
	byID      map[uuid.UUID]*proxy.Proxy
	byURL     map[string]*proxy.Proxy
	ordered   []*proxy.Proxy // insertion order, for deterministic iteration
	nextSeq   atomic.Int64
	maxSize   int // 0 = unbounded

	thresholds proxy.Thresholds
}

// Option configures a new Pool.
type Option func(*Pool)

// WithMaxSize caps the pool's size (policy, not correctness, per §3).
func WithMaxSize(n int) Option { return func(p *Pool) { p.maxSize = n } }

// WithThresholds overrides the default health-transition thresholds for
// every proxy added to this pool.
func WithThresholds(t proxy.Thresholds) Option { return func(p *Pool) { p.thresholds = t } }

// New creates an empty, named pool.
func New(name string, opts ...Option) *Pool {
	p := &Pool{
		Name:       name,
		byID:       make(map[uuid.UUID]*proxy.Proxy),
		byURL:      make(map[string]*proxy.Proxy),
		thresholds: proxy.DefaultThresholds(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add parses and inserts a proxy URL (optionally with credentials, tags,
// country and source), returning its id. Malformed URLs are rejected with
// a ValidationError. On a duplicate canonical URL the existing entry's
// metadata is merged (tags unioned, most-recent source wins) rather than
// creating a second entry.
func (p *Pool) Add(rawURL string, creds *proxy.Credentials, tags []string, country, source string) (uuid.UUID, error) {
	u, err := proxy.ValidateURL(rawURL)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.KindValidation, "invalid proxy URL", err)
	}

	key := proxy.CanonicalKey(u)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byURL[key]; ok {
		existing.AddTags(tags...)
		if country != "" {
			existing.SetCountry(country)
		}
		if source != "" {
			existing.SetSource(source)
		}
		return existing.ID, nil
	}

	if p.maxSize > 0 && len(p.ordered) >= p.maxSize {
		return uuid.Nil, errs.New(errs.KindValidation, fmt.Sprintf("pool %q is at capacity (%d)", p.Name, p.maxSize))
	}

	px := proxy.New(u, creds, p.thresholds)
	px.AddTags(tags...)
	px.SetCountry(country)
	px.SetSource(source)
	px.SetInsertSeq(p.nextSeq.Add(1))

	p.byID[px.ID] = px
	p.byURL[key] = px
	p.ordered = append(p.ordered, px)
	return px.ID, nil
}

// Remove deletes a proxy by id. Idempotent: returns whether an entry was
// present.
func (p *Pool) Remove(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	delete(p.byURL, px.Canonical())
	for i, o := range p.ordered {
		if o.ID == id {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
	return true
}

// GetByID looks up a proxy by id.
func (p *Pool) GetByID(id uuid.UUID) (*proxy.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.byID[id]
	return px, ok
}

// GetByURL looks up a proxy by its canonical URL (as produced by
// proxy.CanonicalKey), e.g. "http://1.2.3.4:8080".
func (p *Pool) GetByURL(canonicalURL string) (*proxy.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.byURL[strings.ToLower(canonicalURL)]
	return px, ok
}

// List returns a filtered snapshot slice; the returned slice is a copy, so
// iterating over it never holds the pool lock.
func (p *Pool) List(f Filter) []*proxy.Proxy {
	p.mu.RLock()
	src := make([]*proxy.Proxy, len(p.ordered))
	copy(src, p.ordered)
	p.mu.RUnlock()

	out := src[:0:0]
	for _, px := range src {
		if !f.AnyStatus && px.Status() != f.Status {
			continue
		}
		if f.Tag != "" {
			found := false
			for _, t := range px.Tags() {
				if t == f.Tag {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if f.Country != "" && !strings.EqualFold(px.Country(), f.Country) {
			continue
		}
		if f.Region != "" && !strings.EqualFold(px.Region(), f.Region) {
			continue
		}
		out = append(out, px)
	}
	return out
}

// All returns a snapshot of every proxy in the pool, alive or not.
func (p *Pool) All() []*proxy.Proxy {
	return p.List(Filter{AnyStatus: true})
}

// HealthyEnough returns a snapshot of proxies whose status is eligible for
// selection (UNKNOWN, HEALTHY, DEGRADED), ordered by insertion sequence.
func (p *Pool) HealthyEnough() []*proxy.Proxy {
	all := p.All()
	out := all[:0:0]
	for _, px := range all {
		if px.Status().HealthyEnough() {
			out = append(out, px)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertSeq() < out[j].InsertSeq() })
	return out
}

// Len returns the total number of proxies in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ordered)
}

// Clear removes every proxy from the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID = make(map[uuid.UUID]*proxy.Proxy)
	p.byURL = make(map[string]*proxy.Proxy)
	p.ordered = nil
}

// RecordOutcome is the only entry point pool callers should use to report a
// request's outcome; it delegates to the proxy's own RecordOutcome. Kept on
// Pool (rather than requiring callers to hold a *proxy.Proxy) so callers
// that only have an id can still record outcomes.
func (p *Pool) RecordOutcome(id uuid.UUID, success bool, responseTime time.Duration) error {
	px, ok := p.GetByID(id)
	if !ok {
		return errs.New(errs.KindValidation, "unknown proxy id")
	}
	px.RecordOutcome(success, responseTime)
	return nil
}

// LoadFile parses a proxy list file (one URI per line, '#'-prefixed and
// blank lines ignored) and ingests each into the pool, mirroring the
// teacher's LoadFile but going through Add (and therefore full validation
// and dedup) instead of a bespoke parser.
func (p *Pool) LoadFile(path, source string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := p.Add(line, nil, nil, "", source); err != nil {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read proxy file: %w", err)
	}
	return count, nil
}
