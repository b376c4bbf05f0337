// Package config loads ProxyWhirl's runtime defaults — pool thresholds,
// retry policy, cache tiers, rate-limit tiers — from a YAML file and the
// environment, following the teacher's pack-mate thushan-olla's
// viper-plus-fsnotify convention rather than the teacher's own bare-flag
// cmd/root.go (the teacher never had a config file; it took everything
// as CLI flags).
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvCacheKey and EnvCacheKeyPrevious name the cache credential-sealing
// key environment variables (§8/§6): current key and, for rotation, the
// previous one.
const (
	EnvCacheKey         = "PROXYWHIRL_CACHE_KEY"
	EnvCacheKeyPrevious = "PROXYWHIRL_CACHE_KEY_PREVIOUS"
	EnvRateLimitFile    = "PROXYWHIRL_RATELIMIT_CONFIG"
	EnvRateLimitBackend = "PROXYWHIRL_RATELIMIT_BACKEND_URL"
)

// PoolConfig holds the pool section of the config file. Its fields do not
// correspond to proxy.Thresholds, and nothing in this module applies them
// to a pool.Pool.
type PoolConfig struct {
	MaxSize                   int     `mapstructure:"max_size"`
	DegradedSuccessRate       float64 `mapstructure:"degraded_success_rate"`
	UnhealthySuccessRate      float64 `mapstructure:"unhealthy_success_rate"`
	UnhealthyConsecutiveFails int64   `mapstructure:"unhealthy_consecutive_fails"`
	MinSamplesForRate         int64   `mapstructure:"min_samples_for_rate"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts             int           `mapstructure:"max_attempts"`
	BaseDelay               time.Duration `mapstructure:"base_delay"`
	Multiplier              float64       `mapstructure:"multiplier"`
	MaxBackoffDelay         time.Duration `mapstructure:"max_backoff_delay"`
	Jitter                  bool          `mapstructure:"jitter"`
	Backoff                 string        `mapstructure:"backoff"`
	RetryableStatusCodes    []int         `mapstructure:"retryable_status_codes"`
	AllowNonIdempotentRetry bool          `mapstructure:"allow_non_idempotent_retry"`
	TotalDeadline           time.Duration `mapstructure:"total_deadline"`
}

// CacheConfig mirrors cache.Config's file-facing knobs.
type CacheConfig struct {
	L1Capacity             int           `mapstructure:"l1_capacity"`
	EnableL2                bool          `mapstructure:"enable_l2"`
	L2Dir                   string        `mapstructure:"l2_dir"`
	L2Shards                int           `mapstructure:"l2_shards"`
	L2CapacityPerShard      int           `mapstructure:"l2_capacity_per_shard"`
	EnableL3                bool          `mapstructure:"enable_l3"`
	L3DSN                   string        `mapstructure:"l3_dsn"`
	TTLCleanupInterval      time.Duration `mapstructure:"ttl_cleanup_interval"`
	FailureThreshold        int64         `mapstructure:"failure_threshold"`
	TierFailureThreshold    int           `mapstructure:"tier_failure_threshold"`
	TierDegradationWindow   time.Duration `mapstructure:"tier_degradation_window"`
}

// RateLimitTierConfig mirrors ratelimit.Tier.
type RateLimitTierConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig mirrors ratelimit.Config's file-facing knobs.
type RateLimitConfig struct {
	GlobalDefault        RateLimitTierConfig            `mapstructure:"global_default"`
	TierDefaults         map[string]RateLimitTierConfig `mapstructure:"tier_defaults"`
	EndpointOverrides    map[string]RateLimitTierConfig `mapstructure:"endpoint_overrides"`
	Whitelist            []string                       `mapstructure:"whitelist"`
	BackendFailurePolicy string                         `mapstructure:"backend_failure_policy"`
}

// Config is the full set of file/env-loaded defaults, unmarshalled
// straight into the domain packages' own Config structs by callers.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// Default returns the built-in defaults, used when no config file is
// present.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxSize: 0, DegradedSuccessRate: 0.7, UnhealthySuccessRate: 0.3,
			UnhealthyConsecutiveFails: 5, MinSamplesForRate: 5,
		},
		Retry: RetryConfig{
			MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxBackoffDelay: 30 * time.Second,
			Jitter: true, Backoff: "exponential", RetryableStatusCodes: []int{502, 503, 504, 429, 408},
		},
		Cache: CacheConfig{
			L1Capacity: 1000, L2Shards: 4, L2CapacityPerShard: 5000,
			TTLCleanupInterval: time.Minute, FailureThreshold: 20,
			TierFailureThreshold: 3, TierDegradationWindow: time.Minute,
		},
		RateLimit: RateLimitConfig{
			GlobalDefault:        RateLimitTierConfig{Limit: 100, Window: time.Minute},
			BackendFailurePolicy: "open",
		},
	}
}

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Load reads config.yaml from "." or "./config", overlays PROXYWHIRL_*
// environment variables, and unmarshals into a Config seeded with
// Default()'s values. onConfigChange, if non-nil, is invoked (debounced)
// whenever the config file changes on disk — wiring §6's "rate-limit
// configuration file path" hot-reload requirement through viper's
// fsnotify watch rather than a hand-rolled poll loop.
func Load(onConfigChange func(*Config)) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PROXYWHIRL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if path := os.Getenv(EnvRateLimitFile); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if onConfigChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(_ fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			reloaded := Default()
			if err := v.Unmarshal(reloaded); err != nil {
				return
			}
			onConfigChange(reloaded)
		})
	}

	return cfg, nil
}

// CacheSealKeys reads the current and (optionally) previous cache
// sealing keys from the environment.
func CacheSealKeys() (current, previous string) {
	return os.Getenv(EnvCacheKey), os.Getenv(EnvCacheKeyPrevious)
}
