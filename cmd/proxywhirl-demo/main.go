// Command proxywhirl-demo is a thin runnable example wiring the library
// end to end: it ingests a proxy list, dispatches a handful of requests
// through the rotation/retry/cache stack, and prints pool and cache
// statistics. It stands in for the spec's out-of-scope CLI/API front
// ends (§1 Non-goals) purely so the ambient stack (config, logging,
// cobra) has somewhere concrete to run, following the shape of the
// teacher's own cmd/root.go without its CONNECT proxy server or
// management API listener.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/cache"
	"github.com/proxywhirl/proxywhirl/control"
	"github.com/proxywhirl/proxywhirl/dispatcher"
	"github.com/proxywhirl/proxywhirl/ingest"
	"github.com/proxywhirl/proxywhirl/internal/config"
	"github.com/proxywhirl/proxywhirl/internal/xlog"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/ratelimit"
	"github.com/proxywhirl/proxywhirl/retry"
	"github.com/proxywhirl/proxywhirl/strategy"
)

var (
	flagFile     string
	flagStrategy string
	flagURL      string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "proxywhirl-demo",
	Short: "Exercise the ProxyWhirl engine against a proxy list and a target URL",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagFile, "file", "f", "", "Path to proxy list file (one URI per line, required)")
	_ = rootCmd.MarkFlagRequired("file")
	f.StringVar(&flagStrategy, "strategy", "round_robin", "Rotation strategy to use")
	f.StringVar(&flagURL, "url", "http://connectivitycheck.gstatic.com/generate_204", "Target URL to fetch through the pool")
	f.BoolVar(&flagVerbose, "verbose", false, "Enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	if flagVerbose {
		devLogger, err := zap.NewDevelopment()
		if err == nil {
			xlog.SetBase(devLogger)
		}
	}
	defer xlog.Sync()
	log := xlog.Component("demo")

	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pl := pool.New("demo")
	raw, err := os.ReadFile(flagFile)
	if err != nil {
		return fmt.Errorf("read proxy file: %w", err)
	}
	ing := ingest.New(pl)
	report := ing.Ingest(parseProxyFile(string(raw)))
	log.Infow("ingested proxy list", "accepted", report.Accepted, "duplicates", report.Duplicates, "rejected", len(report.Rejected))
	for _, r := range report.Rejected {
		log.Warnw("rejected proxy record", "url", r.Record.URL, "reason", r.Reason)
	}

	breakers := breaker.NewSet(breaker.DefaultConfig())
	registry := strategy.NewRegistry()
	strat, err := registry.Build(flagStrategy, breakers)
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}

	cacheMgr, err := cache.New(cacheConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheMgr.Close()

	limiter := ratelimit.New(rateLimitConfigFrom(cfg))

	retryPolicy := retryPolicyFrom(cfg)
	d := dispatcher.New(dispatcher.Config{
		Pool: pl, Strategy: strat, Breakers: breakers, Policy: retryPolicy, Limiter: limiter,
		DefaultTimeout: 10 * time.Second,
	})
	if err := d.Open(); err != nil {
		return fmt.Errorf("open dispatcher: %w", err)
	}
	defer d.Close()

	ctl := control.NewManager(pl, registry, breakers, cacheMgr, limiter, d.SetStrategy)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := d.Get(ctx, flagURL)
	if err != nil {
		log.Errorw("request failed", "url", flagURL, "error", err)
	} else {
		log.Infow("request succeeded", "url", flagURL, "status", resp.StatusCode)
		resp.Body.Close()
	}

	health := ctl.HealthReport()
	log.Infow("pool health", "total", health.Total, "by_status", health.ByStatus)

	stats := ctl.CacheStatistics()
	log.Infow("cache statistics", "hits", stats.Hits, "misses", stats.Misses, "hit_rate", stats.OverallHitRate)

	return nil
}

func parseProxyFile(contents string) []ingest.Record {
	var records []ingest.Record
	start := 0
	for i := 0; i <= len(contents); i++ {
		if i == len(contents) || contents[i] == '\n' {
			line := contents[start:i]
			start = i + 1
			line = trimSpace(line)
			if line == "" || line[0] == '#' {
				continue
			}
			records = append(records, ingest.Record{URL: line, Source: "file"})
		}
	}
	return records
}

func trimSpace(s string) string {
	lo, hi := 0, len(s)
	for lo < hi && (s[lo] == ' ' || s[lo] == '\t' || s[lo] == '\r') {
		lo++
	}
	for hi > lo && (s[hi-1] == ' ' || s[hi-1] == '\t' || s[hi-1] == '\r') {
		hi--
	}
	return s[lo:hi]
}

func retryPolicyFrom(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		p.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.Multiplier > 0 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxBackoffDelay > 0 {
		p.MaxBackoffDelay = cfg.Retry.MaxBackoffDelay
	}
	p.Jitter = cfg.Retry.Jitter
	if len(cfg.Retry.RetryableStatusCodes) > 0 {
		codes := make(map[int]struct{}, len(cfg.Retry.RetryableStatusCodes))
		for _, c := range cfg.Retry.RetryableStatusCodes {
			codes[c] = struct{}{}
		}
		p.RetryableStatusCodes = codes
	}
	p.AllowNonIdempotentRetry = cfg.Retry.AllowNonIdempotentRetry
	p.TotalDeadline = cfg.Retry.TotalDeadline
	switch cfg.Retry.Backoff {
	case "linear":
		p.Backoff = retry.BackoffLinear
	case "fixed":
		p.Backoff = retry.BackoffFixed
	}
	return p
}

func cacheConfigFrom(cfg *config.Config) cache.Config {
	c := cache.DefaultConfig()
	if cfg.Cache.L1Capacity > 0 {
		c.L1Capacity = cfg.Cache.L1Capacity
	}
	c.EnableL2 = cfg.Cache.EnableL2
	c.L2Dir = cfg.Cache.L2Dir
	if cfg.Cache.L2Shards > 0 {
		c.L2Shards = cfg.Cache.L2Shards
	}
	if cfg.Cache.L2CapacityPerShard > 0 {
		c.L2CapacityPerShard = cfg.Cache.L2CapacityPerShard
	}
	c.EnableL3 = cfg.Cache.EnableL3
	c.L3DSN = cfg.Cache.L3DSN
	if cfg.Cache.TTLCleanupInterval > 0 {
		c.TTLCleanupInterval = cfg.Cache.TTLCleanupInterval
	}
	if cfg.Cache.FailureThreshold > 0 {
		c.FailureThreshold = cfg.Cache.FailureThreshold
	}
	if cfg.Cache.TierFailureThreshold > 0 {
		c.TierFailureThreshold = cfg.Cache.TierFailureThreshold
	}
	if cfg.Cache.TierDegradationWindow > 0 {
		c.TierDegradationWindow = cfg.Cache.TierDegradationWindow
	}
	return c
}

func rateLimitConfigFrom(cfg *config.Config) ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	if cfg.RateLimit.GlobalDefault.Limit > 0 {
		rc.GlobalDefault = ratelimit.Tier{
			Name: "default", Limit: cfg.RateLimit.GlobalDefault.Limit, Window: cfg.RateLimit.GlobalDefault.Window,
		}
	}
	for name, t := range cfg.RateLimit.TierDefaults {
		rc.TierDefaults[name] = ratelimit.Tier{Name: name, Limit: t.Limit, Window: t.Window}
	}
	for endpoint, t := range cfg.RateLimit.EndpointOverrides {
		rc.EndpointOverrides[endpoint] = ratelimit.Tier{Name: endpoint, Limit: t.Limit, Window: t.Window}
	}
	for _, id := range cfg.RateLimit.Whitelist {
		rc.Whitelist[id] = struct{}{}
	}
	if cfg.RateLimit.BackendFailurePolicy == "closed" {
		rc.BackendFailurePolicy = ratelimit.FailClosed
	}
	return rc
}
