package robots

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func serveRobots(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if hits != nil {
				hits.Add(1)
			}
			io.WriteString(w, body)
			return
		}
		io.WriteString(w, "page")
	}))
}

func target(t *testing.T, base, path string) *url.URL {
	t.Helper()
	u, err := url.Parse(base + path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return u
}

func TestAllowedHonoursDisallow(t *testing.T) {
	srv := serveRobots(t, "User-agent: *\nDisallow: /private/\n", nil)
	defer srv.Close()

	agent := NewAgent(Options{Respect: true, UserAgent: "webtraverse-bot"}, srv.Client())
	ctx := context.Background()

	if !agent.Allowed(ctx, target(t, srv.URL, "/public/page")) {
		t.Error("expected /public/page to be allowed")
	}
	if agent.Allowed(ctx, target(t, srv.URL, "/private/page")) {
		t.Error("expected /private/page to be denied")
	}
}

func TestAllowedCachesPerHost(t *testing.T) {
	var hits atomic.Int64
	srv := serveRobots(t, "User-agent: *\nDisallow:\n", &hits)
	defer srv.Close()

	agent := NewAgent(Options{Respect: true, CacheTTL: time.Hour}, srv.Client())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agent.Allowed(ctx, target(t, srv.URL, "/page"))
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one robots fetch per host per run, got %d", hits.Load())
	}
}

func TestAllowedFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	agent := NewAgent(Options{Respect: true}, srv.Client())
	if !agent.Allowed(context.Background(), target(t, srv.URL, "/anything")) {
		t.Fatal("robots errors should fail open")
	}
}

func TestRespectDisabledAllowsAll(t *testing.T) {
	agent := NewAgent(Options{Respect: false}, nil)
	if !agent.Allowed(context.Background(), target(t, "https://example.com", "/private")) {
		t.Fatal("respect=false must allow everything without fetching")
	}
}

func TestOverrideHostSkipsRobots(t *testing.T) {
	srv := serveRobots(t, "User-agent: *\nDisallow: /\n", nil)
	defer srv.Close()

	u := target(t, srv.URL, "/blocked")
	agent := NewAgent(Options{Respect: true, Overrides: []string{u.Hostname()}}, srv.Client())
	if !agent.Allowed(context.Background(), u) {
		t.Fatal("override host should bypass robots rules")
	}
}

func TestPurgeForcesRefetch(t *testing.T) {
	var hits atomic.Int64
	srv := serveRobots(t, "User-agent: *\nDisallow:\n", &hits)
	defer srv.Close()

	agent := NewAgent(Options{Respect: true, CacheTTL: time.Hour}, srv.Client())
	ctx := context.Background()
	u := target(t, srv.URL, "/page")

	agent.Allowed(ctx, u)
	agent.Purge(u.Hostname() + ":" + u.Port())
	agent.Purge(u.Host)
	agent.Allowed(ctx, u)

	if hits.Load() != 2 {
		t.Fatalf("expected refetch after purge, got %d fetches", hits.Load())
	}
}

func TestNilOrRelativeURLDenied(t *testing.T) {
	agent := NewAgent(Options{Respect: true}, nil)
	if agent.Allowed(context.Background(), nil) {
		t.Error("nil url must be denied")
	}
	rel := &url.URL{Path: "/relative"}
	if agent.Allowed(context.Background(), rel) {
		t.Error("relative url must be denied")
	}
}
