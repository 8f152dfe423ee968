// Package extract discovers candidate links in fetched content. It is a
// pure collaborator: no frontier or visited-set knowledge lives here.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkExtractor turns a fetched body into candidate URLs resolved
// against the page's base URL.
type LinkExtractor interface {
	ExtractLinks(body []byte, base *url.URL) ([]*url.URL, error)
}

// HTMLExtractor pulls anchor hrefs out of HTML documents.
type HTMLExtractor struct {
	maxLinks        int
	respectNofollow bool
}

// Option configures an HTMLExtractor.
type Option func(*HTMLExtractor)

// WithMaxLinks bounds how many links a single page may contribute.
func WithMaxLinks(n int) Option {
	return func(e *HTMLExtractor) {
		if n > 0 {
			e.maxLinks = n
		}
	}
}

// WithRespectNofollow skips anchors carrying rel="nofollow".
func WithRespectNofollow(respect bool) Option {
	return func(e *HTMLExtractor) { e.respectNofollow = respect }
}

// NewHTMLExtractor builds an extractor with a default page link cap.
func NewHTMLExtractor(opts ...Option) *HTMLExtractor {
	e := &HTMLExtractor{maxLinks: 200}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractLinks parses the body and returns deduplicated, resolved http(s)
// links. Fragments are stripped; javascript:, mailto:, tel:, and data:
// targets are ignored.
func (e *HTMLExtractor) ExtractLinks(body []byte, base *url.URL) ([]*url.URL, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if base == nil {
		return nil, fmt.Errorf("extract links: nil base url")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	// <base href> overrides the document URL for relative resolution.
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	links := make([]*url.URL, 0, 32)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") ||
			strings.HasPrefix(lower, "data:") {
			return true
		}
		if e.respectNofollow {
			if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
				return true
			}
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return true
		}

		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < e.maxLinks
	})

	return links, nil
}
