// Package healthcheck implements an active prober that periodically
// re-probes DEAD proxies, since §4.1 marks DEAD absorbing "until an
// explicit probe succeeds or the entry is cleared" — something the
// passive, request-driven pool.RecordOutcome path can never do on its
// own (a DEAD proxy is never selected by any strategy, so it would
// never receive another real request to revive it). This is grounded on
// the teacher's internal/monitor.Monitor, generalized from its own
// raw-socket liveness probe into a dispatcher-issued HTTP GET, and
// narrowed from "probe everything on an interval" to "probe only DEAD
// proxies" since every other status already recovers passively through
// ordinary traffic.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/dispatcher"
	"github.com/proxywhirl/proxywhirl/internal/xlog"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
	"github.com/proxywhirl/proxywhirl/retry"
	"github.com/proxywhirl/proxywhirl/strategy"
)

const (
	defaultCheckURL    = "http://connectivitycheck.gstatic.com/generate_204"
	defaultInterval    = time.Minute
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 10
)

// Config controls the prober.
type Config struct {
	Interval    time.Duration
	CheckURL    string
	Timeout     time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CheckURL == "" {
		c.CheckURL = defaultCheckURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Prober periodically re-probes DEAD proxies in a pool directly (bypassing
// rotation strategies, since DEAD proxies are never selected), reviving
// any that answer successfully.
type Prober struct {
	pool *pool.Pool
	cfg  Config

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Prober; call Start to begin background probing.
func New(pl *pool.Pool, cfg Config) *Prober {
	return &Prober{pool: pl, cfg: cfg.withDefaults(), stop: make(chan struct{})}
}

// Start launches the background probing loop.
func (pr *Prober) Start() {
	pr.wg.Add(1)
	go pr.loop()
}

// Stop shuts down the prober and waits for the goroutine to exit.
func (pr *Prober) Stop() {
	close(pr.stop)
	pr.wg.Wait()
}

func (pr *Prober) loop() {
	defer pr.wg.Done()
	ticker := time.NewTicker(pr.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pr.RunOnce()
		case <-pr.stop:
			return
		}
	}
}

// RunOnce probes every currently-DEAD proxy once, concurrency-bounded.
func (pr *Prober) RunOnce() {
	log := xlog.Component("healthcheck")
	dead := pr.deadProxies()
	if len(dead) == 0 {
		return
	}
	log.Infow("probing dead proxies", "count", len(dead))

	sem := make(chan struct{}, pr.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, px := range dead {
		wg.Add(1)
		sem <- struct{}{}
		go func(px *proxy.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			pr.probeOne(px)
		}(px)
	}
	wg.Wait()
}

func (pr *Prober) deadProxies() []*proxy.Proxy {
	all := pr.pool.List(pool.Filter{Status: proxy.StatusDead})
	return all
}

func (pr *Prober) probeOne(px *proxy.Proxy) {
	log := xlog.Component("healthcheck")

	ctx, cancel := context.WithTimeout(context.Background(), pr.cfg.Timeout)
	defer cancel()

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 1

	d := dispatcher.New(dispatcher.Config{
		Pool: singleProxyPool(px), Strategy: strategy.NewRoundRobin(nil), Policy: policy, DefaultTimeout: pr.cfg.Timeout,
	})
	_ = d.Open()
	defer d.Close()

	start := time.Now()
	resp, err := d.Get(ctx, pr.cfg.CheckURL)
	latency := time.Since(start)

	if err != nil {
		return // stays DEAD; no further automatic transition
	}
	resp.Body.Close()

	log.Infow("dead proxy revived", "proxy", px.RedactedURL(), "latency", latency)
	// Exit the DEAD absorbing state explicitly, then let RecordOutcome
	// re-derive HEALTHY and reset the failure counters exactly as a
	// normal successful request would.
	px.SetStatus(proxy.StatusUnknown)
	px.RecordOutcome(true, latency)
}

// singleProxyPool wraps one already-registered proxy, credentials
// included, in a throwaway one-entry pool so the probe can reuse
// dispatcher's transport/retry machinery for a single targeted request
// instead of duplicating its dialing logic here.
func singleProxyPool(px *proxy.Proxy) *pool.Pool {
	pl := pool.New("healthcheck-probe")
	_, _ = pl.Add(px.URL.String(), px.Credentials, nil, px.Country(), px.Source())
	return pl
}
