package score

import (
	"math"
	"net/url"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestKeywordRelevance(t *testing.T) {
	k := NewKeyword([]string{"golang", "crawler"})

	full := k.Score(mustParse(t, "https://example.com/golang/crawler-guide"), nil)
	half := k.Score(mustParse(t, "https://example.com/golang/intro"), nil)
	none := k.Score(mustParse(t, "https://example.com/cooking/pasta"), nil)

	if full >= half || half >= none {
		t.Fatalf("expected more keyword hits to score better: full=%v half=%v none=%v", full, half, none)
	}
	if full != 0 {
		t.Fatalf("all keywords present should score 0, got %v", full)
	}
	if none != 1 {
		t.Fatalf("no keywords present should score 1, got %v", none)
	}
}

func TestKeywordDeterministic(t *testing.T) {
	k := NewKeyword([]string{"news"})
	u := mustParse(t, "https://example.com/news/today")
	if k.Score(u, nil) != k.Score(u, nil) {
		t.Fatal("component must be deterministic")
	}
}

func TestPathDepthPrefersOptimal(t *testing.T) {
	p := NewPathDepth(2)

	atOptimal := p.Score(mustParse(t, "https://example.com/a/b"), nil)
	shallow := p.Score(mustParse(t, "https://example.com/"), nil)
	deep := p.Score(mustParse(t, "https://example.com/a/b/c/d/e/f"), nil)

	if atOptimal != 0 {
		t.Fatalf("optimal depth should score 0, got %v", atOptimal)
	}
	if shallow <= atOptimal || deep <= atOptimal {
		t.Fatalf("off-optimal depths should score worse: shallow=%v deep=%v", shallow, deep)
	}
}

func TestFreshnessDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFreshness(24 * time.Hour)

	fresh := f.Score(nil, &Signals{LastModified: now.Add(-time.Minute), Now: now})
	aged := f.Score(nil, &Signals{LastModified: now.Add(-24 * time.Hour), Now: now})
	stale := f.Score(nil, &Signals{LastModified: now.Add(-30 * 24 * time.Hour), Now: now})

	if !(fresh < aged && aged < stale) {
		t.Fatalf("expected staleness to increase score: %v %v %v", fresh, aged, stale)
	}
	if math.Abs(aged-0.5) > 0.01 {
		t.Fatalf("one half-life should score ~0.5, got %v", aged)
	}
}

func TestFreshnessFallsBackToDiscovery(t *testing.T) {
	now := time.Now()
	f := NewFreshness(time.Hour)
	got := f.Score(nil, &Signals{DiscoveredAt: now, Now: now})
	if got != 0 {
		t.Fatalf("just-discovered should score 0, got %v", got)
	}
	if v := f.Score(nil, &Signals{Now: now}); v != 0.5 {
		t.Fatalf("no signal should score neutral 0.5, got %v", v)
	}
}

func TestCompositeWeightsAndComponents(t *testing.T) {
	c := NewComposite(
		Weighted{Component: NewKeyword([]string{"news"}), Weight: 2},
		Weighted{Component: NewPathDepth(1), Weight: 1},
	)

	u := mustParse(t, "https://example.com/archive/2020/old")
	res := c.Score(u, &Signals{})

	if len(res.Components) != 2 {
		t.Fatalf("expected 2 component contributions, got %d", len(res.Components))
	}
	sum := 0.0
	for _, v := range res.Components {
		sum += v
	}
	if math.Abs(sum-res.Value) > 1e-9 {
		t.Fatalf("value %v should equal component sum %v", res.Value, sum)
	}
	if res.Components["keyword"] != 2 {
		t.Fatalf("keyword miss with weight 2 should contribute 2, got %v", res.Components["keyword"])
	}
}

func TestCompositeDropsInvalidParts(t *testing.T) {
	c := NewComposite(
		Weighted{Component: nil, Weight: 1},
		Weighted{Component: NewKeyword([]string{"x"}), Weight: 0},
	)
	res := c.Score(mustParse(t, "https://example.com/"), nil)
	if res.Value != 0 || len(res.Components) != 0 {
		t.Fatalf("expected empty composite result, got %+v", res)
	}
}
