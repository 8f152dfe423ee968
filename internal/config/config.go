// Package config loads and validates the YAML configuration that drives
// a traversal run.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything required to run the traversal engine.
type Config struct {
	Crawl    CrawlConfig    `yaml:"crawl"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Pool     PoolConfig     `yaml:"pool"`
	Robots   RobotsConfig   `yaml:"robots"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Storage  StorageConfig  `yaml:"storage"`
	RunState RunStateConfig `yaml:"run_state"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SeedConfig declares an initial URL with an optional depth override.
type SeedConfig struct {
	URL      string `yaml:"url"`
	MaxDepth int    `yaml:"max_depth"`
}

// CrawlConfig controls the frontier, budgets, filtering, and politeness.
type CrawlConfig struct {
	Seeds                []SeedConfig    `yaml:"seeds"`
	MaxDepth             int             `yaml:"max_depth"`
	MaxPages             int             `yaml:"max_pages"`
	MaxConcurrent        int             `yaml:"max_concurrent"`
	MaxRetries           int             `yaml:"max_retries"`
	RetryBackoff         Duration        `yaml:"retry_backoff"`
	RetryMaxBackoff      Duration        `yaml:"retry_max_backoff"`
	MinCrawlDelay        Duration        `yaml:"min_crawl_delay"`
	RateLimitPerDomain   RateLimitConfig `yaml:"rate_limit_per_domain"`
	RequestTimeout       Duration        `yaml:"request_timeout"`
	MaxBodyBytes         int64           `yaml:"max_body_bytes"`
	ProcessExternalLinks bool            `yaml:"process_external_links"`
	AllowedDomains       []string        `yaml:"allowed_domains"`
	ExcludedDomains      []string        `yaml:"excluded_domains"`
	IncludePatterns      []string        `yaml:"include_patterns"`
	ExcludePatterns      []string        `yaml:"exclude_patterns"`
	AllowedContentTypes  []string        `yaml:"allowed_content_types"`
	MaxLinksPerPage      int             `yaml:"max_links_per_page"`
	RespectNofollow      bool            `yaml:"respect_nofollow"`
	ExpectedURLs         int             `yaml:"expected_urls"`
}

// RateLimitConfig applies a token bucket per domain on top of the
// minimum crawl delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// FetchConfig is the fetch profile: every field here participates in the
// execution-context signature.
type FetchConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	Locale         string            `yaml:"locale"`
	ViewportWidth  int               `yaml:"viewport_width"`
	ViewportHeight int               `yaml:"viewport_height"`
	Stealth        bool              `yaml:"stealth"`
	Render         bool              `yaml:"render"`
	WaitSelector   string            `yaml:"wait_for_selector"`
	WaitDOMReady   bool              `yaml:"wait_for_dom_ready"`
	CaptureDelay   Duration          `yaml:"capture_delay"`
}

// PoolConfig sizes the execution-context pool.
type PoolConfig struct {
	Capacity      int      `yaml:"capacity"`
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	Overrides []string `yaml:"overrides"`
}

// ScoringConfig declares the weighted components of the URL scorer.
type ScoringConfig struct {
	Keywords          []string `yaml:"keywords"`
	KeywordWeight     float64  `yaml:"keyword_weight"`
	PathDepthOptimal  int      `yaml:"path_depth_optimal"`
	PathDepthWeight   float64  `yaml:"path_depth_weight"`
	FreshnessHalfLife Duration `yaml:"freshness_half_life"`
	FreshnessWeight   float64  `yaml:"freshness_weight"`
}

// StorageConfig describes the optional relational result sink.
type StorageConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether the result sink should be constructed.
func (s StorageConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}

// RunStateConfig describes the optional Redis run-state store.
type RunStateConfig struct {
	Addr          string   `yaml:"addr"`
	Password      string   `yaml:"password"`
	DB            int      `yaml:"db"`
	KeyPrefix     string   `yaml:"key_prefix"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Enabled reports whether run-state snapshots should be written.
func (r RunStateConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxDepth:        3,
			MaxPages:        1000,
			MaxConcurrent:   8,
			MaxRetries:      3,
			RetryBackoff:    DurationFrom(500 * time.Millisecond),
			RetryMaxBackoff: DurationFrom(30 * time.Second),
			MinCrawlDelay:   DurationFrom(250 * time.Millisecond),
			RequestTimeout:  DurationFrom(10 * time.Second),
			MaxBodyBytes:    6 * 1024 * 1024,
			AllowedContentTypes: []string{
				"text/html",
				"application/xhtml+xml",
			},
			MaxLinksPerPage: 200,
			RespectNofollow: true,
			ExpectedURLs:    100_000,
		},
		Fetch: FetchConfig{
			UserAgent: "webtraverse-bot/1.0",
			Headers:   map[string]string{},
			Locale:    "en-US",
		},
		Pool: PoolConfig{
			Capacity:      4,
			IdleTTL:       DurationFrom(5 * time.Minute),
			SweepInterval: DurationFrom(time.Minute),
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "webtraverse-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
			Overrides: []string{},
		},
		Scoring: ScoringConfig{
			KeywordWeight:     1.0,
			PathDepthOptimal:  2,
			PathDepthWeight:   0.5,
			FreshnessHalfLife: DurationFrom(7 * 24 * time.Hour),
			FreshnessWeight:   0.5,
		},
		RunState: RunStateConfig{
			KeyPrefix:     "webtraverse:runs",
			FlushInterval: DurationFrom(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the run invariants; violations are configuration
// errors and abort before any crawling starts.
func (c Config) Validate() error {
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i := range c.Crawl.Seeds {
		if c.Crawl.Seeds[i].URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
		if c.Crawl.Seeds[i].MaxDepth < 0 {
			return fmt.Errorf("seed %q has invalid max_depth %d", c.Crawl.Seeds[i].URL, c.Crawl.Seeds[i].MaxDepth)
		}
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxConcurrent < 1 {
		return fmt.Errorf("crawl.max_concurrent must be >= 1 (got %d)", c.Crawl.MaxConcurrent)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0 (got %d)", c.Crawl.MaxRetries)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be >= 1 (got %d)", c.Pool.Capacity)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if w := c.Scoring.KeywordWeight; w < 0 {
		return fmt.Errorf("scoring.keyword_weight must be >= 0 (got %v)", w)
	}
	if w := c.Scoring.PathDepthWeight; w < 0 {
		return fmt.Errorf("scoring.path_depth_weight must be >= 0 (got %v)", w)
	}
	if w := c.Scoring.FreshnessWeight; w < 0 {
		return fmt.Errorf("scoring.freshness_weight must be >= 0 (got %v)", w)
	}
	return nil
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
	}
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}

	c.Crawl.AllowedDomains = dedupeLower(c.Crawl.AllowedDomains)
	c.Crawl.ExcludedDomains = dedupeLower(c.Crawl.ExcludedDomains)
	c.Crawl.AllowedContentTypes = dedupeLower(c.Crawl.AllowedContentTypes)
	c.Robots.Overrides = dedupeLower(c.Robots.Overrides)

	cleaned := make([]string, 0, len(c.Scoring.Keywords))
	for _, kw := range c.Scoring.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			cleaned = append(cleaned, kw)
		}
	}
	c.Scoring.Keywords = cleaned
}

func dedupeLower(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
