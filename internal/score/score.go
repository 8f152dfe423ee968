// Package score assigns priority values to discovered URLs. Component
// scorers are pure functions returning values in [0,1] where 0 is the
// most desirable; the composite combines them by declared weight, so the
// frontier's min-heap dequeues the best candidate first.
package score

import (
	"math"
	"net/url"
	"strings"
	"time"
)

// Signals carries crawl-time context available at scoring time. All
// fields are optional; components must tolerate zero values.
type Signals struct {
	Depth        int
	DiscoveredAt time.Time
	LastModified time.Time
	Now          time.Time
}

func (s *Signals) now() time.Time {
	if s != nil && !s.Now.IsZero() {
		return s.Now
	}
	return time.Now()
}

// Result is the priority value with its per-component breakdown.
type Result struct {
	Value      float64
	Components map[string]float64
}

// Component is a single pure scoring function.
type Component interface {
	Name() string
	Score(u *url.URL, sig *Signals) float64
}

// Weighted pairs a component with its contribution weight.
type Weighted struct {
	Component Component
	Weight    float64
}

// Composite combines weighted components into one priority value.
type Composite struct {
	parts []Weighted
}

// NewComposite builds a composite scorer. Non-positive weights are
// dropped.
func NewComposite(parts ...Weighted) *Composite {
	kept := make([]Weighted, 0, len(parts))
	for _, p := range parts {
		if p.Component != nil && p.Weight > 0 {
			kept = append(kept, p)
		}
	}
	return &Composite{parts: kept}
}

// Score evaluates every component and returns the weighted sum together
// with each component's contribution. An empty composite scores 0 for
// everything, which degrades ordering to discovery order.
func (c *Composite) Score(u *url.URL, sig *Signals) Result {
	res := Result{Components: make(map[string]float64, len(c.parts))}
	if c == nil {
		return res
	}
	for _, p := range c.parts {
		v := clamp01(p.Component.Score(u, sig))
		contribution := p.Weight * v
		res.Components[p.Component.Name()] = contribution
		res.Value += contribution
	}
	return res
}

// Keyword scores by lexical relevance: the fewer target keywords appear
// in the URL, the worse the score.
type Keyword struct {
	keywords []string
}

// NewKeyword builds a keyword relevance component from a target
// vocabulary. Keywords are matched case-insensitively against the URL
// path and query.
func NewKeyword(keywords []string) *Keyword {
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			cleaned = append(cleaned, k)
		}
	}
	return &Keyword{keywords: cleaned}
}

func (k *Keyword) Name() string { return "keyword" }

func (k *Keyword) Score(u *url.URL, _ *Signals) float64 {
	if u == nil || len(k.keywords) == 0 {
		return 0.5
	}
	haystack := strings.ToLower(u.Path)
	if u.RawQuery != "" {
		haystack += "?" + strings.ToLower(u.RawQuery)
	}
	hits := 0
	for _, kw := range k.keywords {
		if strings.Contains(haystack, kw) {
			hits++
		}
	}
	return 1 - float64(hits)/float64(len(k.keywords))
}

// PathDepth prefers URLs whose path depth is close to an optimal number
// of segments. Landing pages and deeply nested archive pages both score
// worse than mid-level content.
type PathDepth struct {
	optimal int
}

// NewPathDepth builds a path-depth preference component; optimal values
// below 1 default to 1.
func NewPathDepth(optimal int) *PathDepth {
	if optimal < 1 {
		optimal = 1
	}
	return &PathDepth{optimal: optimal}
}

func (p *PathDepth) Name() string { return "path_depth" }

func (p *PathDepth) Score(u *url.URL, _ *Signals) float64 {
	if u == nil {
		return 1
	}
	segments := 0
	for _, part := range strings.Split(u.EscapedPath(), "/") {
		if part != "" {
			segments++
		}
	}
	distance := math.Abs(float64(segments - p.optimal))
	return clamp01(distance / (distance + 2))
}

// Freshness favours recently modified or recently discovered content.
// The half-life controls how fast staleness decays the score.
type Freshness struct {
	halfLife time.Duration
}

// NewFreshness builds a freshness component; non-positive half-lives
// default to one week.
func NewFreshness(halfLife time.Duration) *Freshness {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return &Freshness{halfLife: halfLife}
}

func (f *Freshness) Name() string { return "freshness" }

func (f *Freshness) Score(u *url.URL, sig *Signals) float64 {
	if sig == nil {
		return 0.5
	}
	reference := sig.LastModified
	if reference.IsZero() {
		reference = sig.DiscoveredAt
	}
	if reference.IsZero() {
		return 0.5
	}
	age := sig.now().Sub(reference)
	if age <= 0 {
		return 0
	}
	// Exponential decay: a page one half-life old scores 0.5.
	return clamp01(1 - math.Exp2(-float64(age)/float64(f.halfLife)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
