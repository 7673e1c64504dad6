// Package config holds the recognized configuration surface of the
// coordination layer. Values come from an optional YAML file with
// environment variable overrides; durations accept human-friendly forms
// like "1500ms" or "2m30s".
package config

import (
	"fmt"
	"os"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Policy selects behavior when the coordination store is unreachable on a
// read path.
type Policy string

const (
	// PolicyFailOpen degrades reads to direct loader calls.
	PolicyFailOpen Policy = "fail-open"
	// PolicyFailClosed surfaces store outages as retryable errors.
	PolicyFailClosed Policy = "fail-closed"
)

// Config is the resolved configuration for the coordination layer.
type Config struct {
	// CacheTTL is the default lifetime of cache entries.
	CacheTTL time.Duration
	// LockLeaseDuration bounds how long a crashed lock holder keeps
	// others out.
	LockLeaseDuration time.Duration
	// LockMaxWait bounds how long an acquisition retries before timing
	// out.
	LockMaxWait time.Duration
	// RateLimitWindow and RateLimitThreshold admit at most Threshold
	// requests per identity per Window.
	RateLimitWindow    time.Duration
	RateLimitThreshold int64
	// StoreConnectionString is the coordination store URL.
	StoreConnectionString string
	// StoreUnavailablePolicy picks fail-open or fail-closed reads.
	StoreUnavailablePolicy Policy
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		CacheTTL:               10 * time.Minute,
		LockLeaseDuration:      10 * time.Second,
		LockMaxWait:            5 * time.Second,
		RateLimitWindow:        time.Second,
		RateLimitThreshold:     10,
		StoreConnectionString:  "redis://127.0.0.1:6379/",
		StoreUnavailablePolicy: PolicyFailOpen,
	}
}

// fileConfig is the YAML shape; durations are strings so the file can say
// "90s" or "2m".
type fileConfig struct {
	CacheTTL               string `yaml:"cacheTtl"`
	LockLeaseDuration      string `yaml:"lockLeaseDuration"`
	LockMaxWait            string `yaml:"lockMaxWait"`
	RateLimitWindow        string `yaml:"rateLimitWindow"`
	RateLimitThreshold     *int64 `yaml:"rateLimitThreshold"`
	StoreConnectionString  string `yaml:"storeConnectionString"`
	StoreUnavailablePolicy string `yaml:"storeUnavailablePolicy"`
}

// Load reads path (if it exists), applies environment overrides, and
// validates the result. A missing file is not an error — defaults plus
// environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			buf, err := os.ReadFile(path)
			if err != nil {
				return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
			var fc fileConfig
			if err := yaml.Unmarshal(buf, &fc); err != nil {
				return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
			if err := fc.apply(&cfg); err != nil {
				return Config{}, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if err := setDuration(&cfg.CacheTTL, fc.CacheTTL); err != nil {
		return fmt.Errorf("cacheTtl: %w", err)
	}
	if err := setDuration(&cfg.LockLeaseDuration, fc.LockLeaseDuration); err != nil {
		return fmt.Errorf("lockLeaseDuration: %w", err)
	}
	if err := setDuration(&cfg.LockMaxWait, fc.LockMaxWait); err != nil {
		return fmt.Errorf("lockMaxWait: %w", err)
	}
	if err := setDuration(&cfg.RateLimitWindow, fc.RateLimitWindow); err != nil {
		return fmt.Errorf("rateLimitWindow: %w", err)
	}
	if fc.RateLimitThreshold != nil {
		cfg.RateLimitThreshold = *fc.RateLimitThreshold
	}
	if fc.StoreConnectionString != "" {
		cfg.StoreConnectionString = fc.StoreConnectionString
	}
	if fc.StoreUnavailablePolicy != "" {
		cfg.StoreUnavailablePolicy = Policy(fc.StoreUnavailablePolicy)
	}
	return nil
}

func setDuration(dst *time.Duration, val string) error {
	if val == "" {
		return nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func applyEnv(cfg *Config) error {
	envDurations := []struct {
		key string
		dst *time.Duration
	}{
		{"COORD_CACHE_TTL", &cfg.CacheTTL},
		{"COORD_LOCK_LEASE_DURATION", &cfg.LockLeaseDuration},
		{"COORD_LOCK_MAX_WAIT", &cfg.LockMaxWait},
		{"COORD_RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
	}
	for _, e := range envDurations {
		if val, ok := os.LookupEnv(e.key); ok && val != "" {
			if err := setDuration(e.dst, val); err != nil {
				return fmt.Errorf("config: %s: %w", e.key, err)
			}
		}
	}
	if val, ok := os.LookupEnv("COORD_RATE_LIMIT_THRESHOLD"); ok && val != "" {
		var n int64
		if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
			return fmt.Errorf("config: COORD_RATE_LIMIT_THRESHOLD: %w", err)
		}
		cfg.RateLimitThreshold = n
	}
	if val, ok := os.LookupEnv("COORD_STORE_URL"); ok && val != "" {
		cfg.StoreConnectionString = val
	}
	if val, ok := os.LookupEnv("COORD_STORE_UNAVAILABLE_POLICY"); ok && val != "" {
		cfg.StoreUnavailablePolicy = Policy(val)
	}
	return nil
}

// Validate rejects configurations the layer cannot honor.
func (c Config) Validate() error {
	switch c.StoreUnavailablePolicy {
	case PolicyFailOpen, PolicyFailClosed:
	default:
		return fmt.Errorf("config: unrecognized storeUnavailablePolicy %q", c.StoreUnavailablePolicy)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cacheTtl must be positive, got %s", c.CacheTTL)
	}
	if c.LockLeaseDuration <= 0 {
		return fmt.Errorf("config: lockLeaseDuration must be positive, got %s", c.LockLeaseDuration)
	}
	if c.LockMaxWait < 0 {
		return fmt.Errorf("config: lockMaxWait must not be negative, got %s", c.LockMaxWait)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rateLimitWindow must be positive, got %s", c.RateLimitWindow)
	}
	if c.RateLimitThreshold <= 0 {
		return fmt.Errorf("config: rateLimitThreshold must be positive, got %d", c.RateLimitThreshold)
	}
	return nil
}
