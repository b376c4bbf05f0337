// Package proxy defines the Proxy entity: identity, credentials, metadata,
// health status and the rolling metrics used to drive it. A Proxy is
// exclusively owned by one Pool and never shared across pools.
package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the health state of a Proxy. Transitions are computed
// exclusively by RecordOutcome.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusUnhealthy:
		return "UNHEALTHY"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// HealthyEnough reports whether a proxy in this status is eligible for
// selection ("healthy enough to use" per §3).
func (s Status) HealthyEnough() bool {
	switch s {
	case StatusUnknown, StatusHealthy, StatusDegraded:
		return true
	default:
		return false
	}
}

// Thresholds configures the health-status transition table (§4.1). Zero
// values are replaced with the spec's defaults by withDefaults when New
// builds a Proxy.
type Thresholds struct {
	// DegradeConsecutiveFailures: HEALTHY -> DEGRADED after this many
	// consecutive failures.
	DegradeConsecutiveFailures int64
	// DegradeWindowSize and DegradeWindowRate: HEALTHY -> DEGRADED when the
	// success rate over the last DegradeWindowSize requests drops below
	// DegradeWindowRate.
	DegradeWindowSize int
	DegradeWindowRate float64
	// UnhealthyConsecutiveFailures: DEGRADED -> UNHEALTHY after this many
	// cumulative consecutive failures since entering DEGRADED.
	UnhealthyConsecutiveFailures int64
	// DeadConsecutiveFailures: UNHEALTHY -> DEAD after this long an unbroken
	// failure streak.
	DeadConsecutiveFailures int64
	// EMAAlpha is the smoothing factor for the response-time EMA.
	EMAAlpha float64
}

// DefaultThresholds returns the spec's default values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradeConsecutiveFailures:   3,
		DegradeWindowSize:            20,
		DegradeWindowRate:            0.5,
		UnhealthyConsecutiveFailures: 5,
		DeadConsecutiveFailures:      20,
		EMAAlpha:                     0.2,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.DegradeConsecutiveFailures <= 0 {
		t.DegradeConsecutiveFailures = d.DegradeConsecutiveFailures
	}
	if t.DegradeWindowSize <= 0 {
		t.DegradeWindowSize = d.DegradeWindowSize
	}
	if t.DegradeWindowRate <= 0 {
		t.DegradeWindowRate = d.DegradeWindowRate
	}
	if t.UnhealthyConsecutiveFailures <= 0 {
		t.UnhealthyConsecutiveFailures = d.UnhealthyConsecutiveFailures
	}
	if t.DeadConsecutiveFailures <= 0 {
		t.DeadConsecutiveFailures = d.DeadConsecutiveFailures
	}
	if t.EMAAlpha <= 0 {
		t.EMAAlpha = d.EMAAlpha
	}
	return t
}

// Credentials is a secret-carrying struct. Proxy.String, RedactedURL and
// Snapshot never include it; Credentials itself has no String method, so
// formatting the struct directly prints its fields.
type Credentials struct {
	Username string
	Password string
}

// Proxy represents one upstream proxy endpoint, per §3.
type Proxy struct {
	ID  uuid.UUID
	URL *url.URL // canonical URL; userinfo given in the raw URL stays here (String masks it), explicit credentials live in Credentials

	Credentials *Credentials // nil if anonymous

	mu      sync.Mutex
	tags    map[string]struct{}
	country string
	region  string
	cost    float64
	source  string

	status        atomic.Int32 // Status
	total         atomic.Int64
	success       atomic.Int64
	consecFail    atomic.Int64
	degradedSince atomic.Int64 // consecutive failures counted since entering DEGRADED

	emaMu       sync.Mutex
	emaMs       float64
	emaInit     bool
	lastUsed    atomic.Int64 // unix nano
	lastChecked atomic.Int64 // unix nano

	thresholds Thresholds

	// insertSeq gives the pool a stable, monotonically increasing ordering
	// for deterministic round-robin iteration, independent of map order.
	insertSeq int64
}

// New constructs a Proxy from a parsed, canonical URL. Callers normally go
// through Pool.Add (directly or via ingest.PoolIngester) rather than
// calling New directly.
func New(u *url.URL, creds *Credentials, thresholds Thresholds) *Proxy {
	p := &Proxy{
		ID:         uuid.New(),
		URL:        u,
		Credentials: creds,
		tags:       make(map[string]struct{}),
		thresholds: thresholds.withDefaults(),
	}
	p.status.Store(int32(StatusUnknown))
	return p
}

// CanonicalKey returns the dedup key: lower-cased scheme://host:port.
func CanonicalKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	return scheme + "://" + host
}

// Canonical returns this proxy's dedup key.
func (p *Proxy) Canonical() string { return CanonicalKey(p.URL) }

// InsertSeq returns the stable per-insert sequence number assigned by the
// pool, used by strategies (e.g. round-robin) that need deterministic
// ordering over the eligible set.
func (p *Proxy) InsertSeq() int64 { return p.insertSeq }

// SetInsertSeq is called exactly once by Pool.Add.
func (p *Proxy) SetInsertSeq(n int64) { p.insertSeq = n }

// Status returns the current health status.
func (p *Proxy) Status() Status { return Status(p.status.Load()) }

// SetStatus forcibly overrides the health status (administrative action,
// e.g. marking DEAD or clearing it after an explicit probe succeeds).
func (p *Proxy) SetStatus(s Status) { p.status.Store(int32(s)) }

// Tags returns a copy of the tag set.
func (p *Proxy) Tags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tags))
	for t := range p.tags {
		out = append(out, t)
	}
	return out
}

// AddTags unions new tags into the set.
func (p *Proxy) AddTags(tags ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tags {
		p.tags[t] = struct{}{}
	}
}

// Country, Region, Cost, Source: metadata accessors/mutators.
func (p *Proxy) Country() string { p.mu.Lock(); defer p.mu.Unlock(); return p.country }
func (p *Proxy) SetCountry(c string) { p.mu.Lock(); p.country = c; p.mu.Unlock() }
func (p *Proxy) Region() string { p.mu.Lock(); defer p.mu.Unlock(); return p.region }
func (p *Proxy) SetRegion(r string) { p.mu.Lock(); p.region = r; p.mu.Unlock() }
func (p *Proxy) CostPerRequest() float64 { p.mu.Lock(); defer p.mu.Unlock(); return p.cost }
func (p *Proxy) SetCostPerRequest(c float64) { p.mu.Lock(); p.cost = c; p.mu.Unlock() }
func (p *Proxy) Source() string { p.mu.Lock(); defer p.mu.Unlock(); return p.source }
func (p *Proxy) SetSource(s string) { p.mu.Lock(); p.source = s; p.mu.Unlock() }

// Total, Success, ConsecutiveFailures: metric accessors.
func (p *Proxy) Total() int64             { return p.total.Load() }
func (p *Proxy) Success() int64           { return p.success.Load() }
func (p *Proxy) ConsecutiveFailures() int64 { return p.consecFail.Load() }

// SuccessRate returns success / max(1, total).
func (p *Proxy) SuccessRate() float64 {
	total := p.total.Load()
	if total < 1 {
		total = 1
	}
	return float64(p.success.Load()) / float64(total)
}

// EMAResponseTimeMs returns the current exponential moving average of
// observed response time, or 0 if no sample has been recorded yet.
func (p *Proxy) EMAResponseTimeMs() float64 {
	p.emaMu.Lock()
	defer p.emaMu.Unlock()
	return p.emaMs
}

// LastUsed / LastChecked.
func (p *Proxy) LastUsed() time.Time {
	n := p.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *Proxy) LastChecked() time.Time {
	n := p.lastChecked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *Proxy) touchChecked() { p.lastChecked.Store(time.Now().UnixNano()) }

// RecordOutcome is the single mutator for health metrics (§4.1). It updates
// totals, EMA, last-used, and computes the next health-status transition.
func (p *Proxy) RecordOutcome(success bool, responseTime time.Duration) {
	p.total.Add(1)
	p.lastUsed.Store(time.Now().UnixNano())
	p.touchChecked()

	if success {
		p.success.Add(1)
		p.consecFail.Store(0)
		p.degradedSince.Store(0)
		p.blendEMA(responseTime)
		// "Any state -> HEALTHY on a successful request after any sequence",
		// except DEAD, which is absorbing until an explicit probe/clear.
		if p.Status() != StatusDead {
			p.status.Store(int32(StatusHealthy))
		}
		return
	}

	consec := p.consecFail.Add(1)
	p.blendEMA(responseTime)

	switch p.Status() {
	case StatusUnknown, StatusHealthy:
		if consec >= p.thresholds.DegradeConsecutiveFailures || p.windowUnhealthy() {
			p.status.Store(int32(StatusDegraded))
			p.degradedSince.Store(0)
		}
	case StatusDegraded:
		since := p.degradedSince.Add(1)
		if since >= p.thresholds.UnhealthyConsecutiveFailures {
			p.status.Store(int32(StatusUnhealthy))
		}
	case StatusUnhealthy:
		if consec >= p.thresholds.DeadConsecutiveFailures {
			p.status.Store(int32(StatusDead))
		}
	case StatusDead:
		// absorbing; no further automatic transition
	}
}

// windowUnhealthy approximates "success rate over the last M requests drops
// below T" using the lifetime success rate once at least M requests have
// been made. A true sliding window would require per-proxy history beyond
// the counters this type keeps; lifetime rate is a reasonable proxy once
// enough volume has accumulated, and consecutive-failure transitions already
// catch the sharp-drop case that matters for correctness.
func (p *Proxy) windowUnhealthy() bool {
	if p.total.Load() < int64(p.thresholds.DegradeWindowSize) {
		return false
	}
	return p.SuccessRate() < p.thresholds.DegradeWindowRate
}

func (p *Proxy) blendEMA(sample time.Duration) {
	ms := float64(sample.Microseconds()) / 1000.0
	p.emaMu.Lock()
	defer p.emaMu.Unlock()
	if !p.emaInit {
		p.emaMs = ms
		p.emaInit = true
		return
	}
	a := p.thresholds.EMAAlpha
	p.emaMs = a*ms + (1-a)*p.emaMs
}

// String returns a human-readable, credential-redacted representation.
func (p *Proxy) String() string {
	u := *p.URL
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// RedactedURL is an alias for String kept for call sites that want to be
// explicit about why the value is safe to log.
func (p *Proxy) RedactedURL() string { return p.String() }

// Snapshot is an immutable, serializable view of a Proxy's public state.
// It never includes credentials.
type Snapshot struct {
	ID                  string
	URL                 string // redacted
	Scheme              string
	Host                string
	Status              string
	Tags                []string
	Country             string
	Region              string
	CostPerRequest      float64
	Source              string
	Total               int64
	Success             int64
	ConsecutiveFailures int64
	SuccessRate         float64
	EMAResponseTimeMs   float64
	LastUsed            time.Time
	LastChecked         time.Time
}

// Snapshot takes an immutable, point-in-time copy of this proxy's state.
func (p *Proxy) Snapshot() Snapshot {
	return Snapshot{
		ID:                  p.ID.String(),
		URL:                 p.String(),
		Scheme:              strings.ToLower(p.URL.Scheme),
		Host:                p.URL.Host,
		Status:              p.Status().String(),
		Tags:                p.Tags(),
		Country:             p.Country(),
		Region:              p.Region(),
		CostPerRequest:      p.CostPerRequest(),
		Source:              p.Source(),
		Total:               p.Total(),
		Success:             p.Success(),
		ConsecutiveFailures: p.ConsecutiveFailures(),
		SuccessRate:         p.SuccessRate(),
		EMAResponseTimeMs:   p.EMAResponseTimeMs(),
		LastUsed:            p.LastUsed(),
		LastChecked:         p.LastChecked(),
	}
}

// ValidateURL checks that a raw proxy URL string has an acceptable scheme
// and a non-empty host, normalizing bare host:port into http://.
func ValidateURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL missing host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u, nil
}
