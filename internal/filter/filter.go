// Package filter implements the ordered predicate chain that decides
// whether a discovered URL is admitted to the crawl.
package filter

import (
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"strings"
)

// Reason classifies why a candidate was denied.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonDomainDenied  Reason = "domain_denied"
	ReasonPatternDenied Reason = "pattern_denied"
	ReasonDepthExceeded Reason = "depth_exceeded"
	ReasonContentType   Reason = "content_type"
)

// Candidate carries everything a filter may inspect. ContentType is empty
// before the fetch; content-type filtering only applies once it is known.
type Candidate struct {
	URL         *url.URL
	Depth       int
	ContentType string
}

// Decision is the immutable outcome of evaluating a candidate.
type Decision struct {
	Allow  bool
	Filter string
	Reason Reason
}

var allowed = Decision{Allow: true}

// Filter is a single admission predicate.
type Filter interface {
	Name() string
	Test(c Candidate) bool
}

// Chain evaluates filters in order and stops at the first deny.
type Chain struct {
	filters []Filter
}

// NewChain composes filters into an ordered chain. A nil or empty chain
// allows everything.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Append returns a chain extended with more filters; existing filters are
// never modified.
func (c *Chain) Append(filters ...Filter) *Chain {
	if c == nil {
		return NewChain(filters...)
	}
	combined := make([]Filter, 0, len(c.filters)+len(filters))
	combined = append(combined, c.filters...)
	combined = append(combined, filters...)
	return &Chain{filters: combined}
}

// Evaluate runs the chain, returning the first deny with its reason or an
// allow when every filter passes.
func (c *Chain) Evaluate(cand Candidate) Decision {
	if c == nil {
		return allowed
	}
	for _, f := range c.filters {
		if !f.Test(cand) {
			return Decision{Allow: false, Filter: f.Name(), Reason: reasonFor(f)}
		}
	}
	return allowed
}

func reasonFor(f Filter) Reason {
	switch f.(type) {
	case *DomainFilter:
		return ReasonDomainDenied
	case *PatternFilter:
		return ReasonPatternDenied
	case *DepthFilter:
		return ReasonDepthExceeded
	case *ContentTypeFilter:
		return ReasonContentType
	default:
		return Reason(f.Name())
	}
}

// DomainFilter admits hosts on the allow list (when non-empty) and
// rejects hosts on the deny list. Matching covers subdomains: deny of
// "example.com" also denies "sub.example.com".
type DomainFilter struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewDomainFilter builds a domain filter from allow/deny host lists.
func NewDomainFilter(allow, deny []string) *DomainFilter {
	return &DomainFilter{allow: hostSet(allow), deny: hostSet(deny)}
}

func hostSet(hosts []string) map[string]struct{} {
	if len(hosts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

func (f *DomainFilter) Name() string { return "domain" }

func (f *DomainFilter) Test(c Candidate) bool {
	if c.URL == nil {
		return false
	}
	host := strings.ToLower(c.URL.Hostname())
	if matchHost(f.deny, host) {
		return false
	}
	if f.allow != nil && !matchHost(f.allow, host) {
		return false
	}
	return true
}

func matchHost(set map[string]struct{}, host string) bool {
	if set == nil {
		return false
	}
	if _, ok := set[host]; ok {
		return true
	}
	for i := strings.IndexByte(host, '.'); i >= 0; i = strings.IndexByte(host, '.') {
		host = host[i+1:]
		if _, ok := set[host]; ok {
			return true
		}
	}
	return false
}

// PatternFilter admits URLs matching at least one include pattern (when
// any are configured) and rejects URLs matching any exclude pattern.
// Patterns may be regular expressions or simple globs using '*'.
type PatternFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewPatternFilter compiles include/exclude patterns. A pattern
// containing no regexp metacharacters beyond '*' is treated as a glob.
func NewPatternFilter(include, exclude []string) (*PatternFilter, error) {
	inc, err := compilePatterns(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exc, err := compilePatterns(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &PatternFilter{include: inc, exclude: exc}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		expr := raw
		if isGlob(raw) {
			expr = globToRegexp(raw)
		}
		pat, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", raw, err)
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}

func isGlob(pattern string) bool {
	return !strings.ContainsAny(pattern, "^$()[]{}+\\|") && strings.Contains(pattern, "*")
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '.', '?':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (f *PatternFilter) Name() string { return "pattern" }

func (f *PatternFilter) Test(c Candidate) bool {
	if c.URL == nil {
		return false
	}
	target := c.URL.String()
	for _, pat := range f.exclude {
		if pat.MatchString(target) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pat := range f.include {
		if pat.MatchString(target) {
			return true
		}
	}
	return false
}

// DepthFilter rejects candidates beyond the configured maximum depth.
type DepthFilter struct {
	maxDepth int
}

// NewDepthFilter bounds candidate depth at maxDepth.
func NewDepthFilter(maxDepth int) *DepthFilter {
	return &DepthFilter{maxDepth: maxDepth}
}

func (f *DepthFilter) Name() string { return "depth" }

func (f *DepthFilter) Test(c Candidate) bool {
	return c.Depth <= f.maxDepth
}

// ContentTypeFilter admits responses whose media type is on the allow
// list. It passes candidates whose content type is not known yet, so it
// gates link scheduling after a fetch rather than the fetch itself.
type ContentTypeFilter struct {
	allowed map[string]struct{}
}

// NewContentTypeFilter builds a post-fetch media type allow list.
func NewContentTypeFilter(types []string) *ContentTypeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &ContentTypeFilter{allowed: set}
}

func (f *ContentTypeFilter) Name() string { return "content_type" }

func (f *ContentTypeFilter) Test(c Candidate) bool {
	if c.ContentType == "" {
		return true
	}
	if len(f.allowed) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(c.ContentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(c.ContentType))
	}
	_, ok := f.allowed[strings.ToLower(mediaType)]
	return ok
}
