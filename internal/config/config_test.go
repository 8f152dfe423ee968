package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderMergesDefaults(t *testing.T) {
	yaml := `
crawl:
  seeds:
    - url: https://example.com
  max_depth: 2
  min_crawl_delay: 50ms
fetch:
  user_agent: custom-bot/2.0
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Crawl.MaxDepth != 2 {
		t.Errorf("expected max_depth 2, got %d", cfg.Crawl.MaxDepth)
	}
	if cfg.Crawl.MinCrawlDelay.Duration != 50*time.Millisecond {
		t.Errorf("expected 50ms delay, got %v", cfg.Crawl.MinCrawlDelay)
	}
	if cfg.Fetch.UserAgent != "custom-bot/2.0" {
		t.Errorf("expected overridden user agent, got %q", cfg.Fetch.UserAgent)
	}
	// Defaults survive partial overrides.
	if cfg.Crawl.MaxConcurrent != 8 {
		t.Errorf("expected default max_concurrent 8, got %d", cfg.Crawl.MaxConcurrent)
	}
	if cfg.Pool.Capacity != 4 {
		t.Errorf("expected default pool capacity 4, got %d", cfg.Pool.Capacity)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := `
crawl:
  seeds:
    - url: https://example.com
  max_deep: 5
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected strict decoding to reject unknown field")
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	yaml := `
crawl:
  seeds:
    - url: https://example.com
  request_timeout: 30
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Crawl.RequestTimeout.Duration != 30*time.Second {
		t.Fatalf("expected 30s, got %v", cfg.Crawl.RequestTimeout)
	}
}

func TestValidateFailsFast(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no seeds", func(c *Config) { c.Crawl.Seeds = nil }},
		{"negative depth", func(c *Config) { c.Crawl.MaxDepth = -1 }},
		{"zero concurrency", func(c *Config) { c.Crawl.MaxConcurrent = 0 }},
		{"negative retries", func(c *Config) { c.Crawl.MaxRetries = -1 }},
		{"zero pool", func(c *Config) { c.Pool.Capacity = 0 }},
		{"empty user agent", func(c *Config) { c.Fetch.UserAgent = " " }},
		{"negative weight", func(c *Config) { c.Scoring.KeywordWeight = -0.5 }},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com"}}
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateAllowsDepthZero(t *testing.T) {
	cfg := Default()
	cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com"}}
	cfg.Crawl.MaxDepth = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("depth 0 (seed only) should be valid: %v", err)
	}
}

func TestNormaliseDedupesDomains(t *testing.T) {
	yaml := `
crawl:
  seeds:
    - url: https://example.com
  allowed_domains: [" Example.COM ", "example.com", "b.org"]
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b.org", "example.com"}
	if len(cfg.Crawl.AllowedDomains) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Crawl.AllowedDomains)
	}
	for i := range want {
		if cfg.Crawl.AllowedDomains[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.Crawl.AllowedDomains)
		}
	}
}

func TestStorageAndRunStateToggles(t *testing.T) {
	cfg := Default()
	if cfg.Storage.Enabled() || cfg.RunState.Enabled() {
		t.Fatal("optional sinks must be disabled by default")
	}
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = "postgres://localhost/crawl"
	cfg.RunState.Addr = "localhost:6379"
	if !cfg.Storage.Enabled() || !cfg.RunState.Enabled() {
		t.Fatal("expected sinks to report enabled")
	}
}
