package extract

import (
	"net/url"
	"testing"
)

func baseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func extract(t *testing.T, e *HTMLExtractor, html, base string) []string {
	t.Helper()
	links, err := e.ExtractLinks([]byte(html), baseURL(t, base))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.String()
	}
	return out
}

func TestExtractResolvesRelative(t *testing.T) {
	html := `<html><body>
		<a href="/about">About</a>
		<a href="news/today">Today</a>
		<a href="https://other.org/page">Other</a>
	</body></html>`

	got := extract(t, NewHTMLExtractor(), html, "https://example.com/section/")
	want := []string{
		"https://example.com/about",
		"https://example.com/section/news/today",
		"https://other.org/page",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d links, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("link %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractSkipsNonHTTP(t *testing.T) {
	html := `<html><body>
		<a href="javascript:void(0)">js</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="tel:+123">tel</a>
		<a href="ftp://example.com/file">ftp</a>
		<a href="#top">anchor</a>
		<a href="/real">real</a>
	</body></html>`

	got := extract(t, NewHTMLExtractor(), html, "https://example.com/")
	if len(got) != 1 || got[0] != "https://example.com/real" {
		t.Fatalf("expected only the real link, got %v", got)
	}
}

func TestExtractDeduplicatesAndStripsFragment(t *testing.T) {
	html := `<html><body>
		<a href="/page#intro">one</a>
		<a href="/page#details">two</a>
	</body></html>`

	got := extract(t, NewHTMLExtractor(), html, "https://example.com/")
	if len(got) != 1 || got[0] != "https://example.com/page" {
		t.Fatalf("expected deduplicated fragment-free link, got %v", got)
	}
}

func TestExtractHonoursBaseTag(t *testing.T) {
	html := `<html><head><base href="https://cdn.example.com/app/"></head>
	<body><a href="doc">doc</a></body></html>`

	got := extract(t, NewHTMLExtractor(), html, "https://example.com/")
	if len(got) != 1 || got[0] != "https://cdn.example.com/app/doc" {
		t.Fatalf("expected base-tag resolution, got %v", got)
	}
}

func TestExtractMaxLinks(t *testing.T) {
	html := `<html><body>
		<a href="/a">a</a><a href="/b">b</a><a href="/c">c</a>
	</body></html>`

	got := extract(t, NewHTMLExtractor(WithMaxLinks(2)), html, "https://example.com/")
	if len(got) != 2 {
		t.Fatalf("expected cap at 2 links, got %v", got)
	}
}

func TestExtractRespectsNofollow(t *testing.T) {
	html := `<html><body>
		<a href="/follow">yes</a>
		<a href="/ignore" rel="nofollow">no</a>
	</body></html>`

	got := extract(t, NewHTMLExtractor(WithRespectNofollow(true)), html, "https://example.com/")
	if len(got) != 1 || got[0] != "https://example.com/follow" {
		t.Fatalf("expected nofollow to be skipped, got %v", got)
	}
}

func TestExtractEmptyBody(t *testing.T) {
	links, err := NewHTMLExtractor().ExtractLinks(nil, baseURL(t, "https://example.com/"))
	if err != nil || links != nil {
		t.Fatalf("empty body should yield nothing, got %v/%v", links, err)
	}
}
