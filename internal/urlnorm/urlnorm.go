// Package urlnorm canonicalises and validates candidate URLs so the rest
// of the crawler can treat equivalent URLs as one unit of work.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// MaxURLLength caps accepted URLs; anything longer is rejected outright.
const MaxURLLength = 2083

var (
	// ErrUnsupportedScheme is returned for anything other than http/https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrMissingHost is returned when a URL has no host component.
	ErrMissingHost = errors.New("url missing host")
	// ErrTooLong is returned when a URL exceeds MaxURLLength.
	ErrTooLong = errors.New("url exceeds maximum length")
)

// Parse trims, parses, and validates a raw URL string. A missing scheme
// defaults to https, mirroring how seeds are commonly written.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if err := Validate(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate enforces the scheme, host, and length rules on a parsed URL.
func Validate(u *url.URL) error {
	if u == nil {
		return errors.New("nil url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return ErrMissingHost
	}
	if len(u.String()) > MaxURLLength {
		return ErrTooLong
	}
	return nil
}

// Key produces the canonical deduplication key for a URL: lowercased
// scheme and host, default ports stripped, fragment dropped, empty path
// normalised to "/". Query strings are kept verbatim since they usually
// select distinct content.
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

// RegistrableDomain returns the eTLD+1 for a host, falling back to the
// host itself when the public suffix list cannot resolve it (IPs,
// localhost, single-label hosts).
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// SameSite reports whether two URLs share a registrable domain. Used to
// decide whether a discovered link counts as external.
func SameSite(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return RegistrableDomain(a.Hostname()) == RegistrableDomain(b.Hostname())
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
