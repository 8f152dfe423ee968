package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Profile holds every fetch-affecting setting. Two requests with equal
// profiles may safely share an execution context. Ephemeral values
// (request ids, timestamps) deliberately have no place here.
type Profile struct {
	UserAgent      string
	Headers        map[string]string
	ProxyURL       string
	Locale         string
	ViewportWidth  int
	ViewportHeight int
	Stealth        bool
	Render         bool
}

// Signature is the deterministic pool reuse key derived from a Profile.
type Signature string

// Signature hashes the profile's canonical encoding. Header order does
// not affect the result.
func (p Profile) Signature() Signature {
	var b strings.Builder
	fmt.Fprintf(&b, "ua=%s\n", p.UserAgent)
	fmt.Fprintf(&b, "proxy=%s\n", p.ProxyURL)
	fmt.Fprintf(&b, "locale=%s\n", p.Locale)
	fmt.Fprintf(&b, "viewport=%dx%d\n", p.ViewportWidth, p.ViewportHeight)
	fmt.Fprintf(&b, "stealth=%t\n", p.Stealth)
	fmt.Fprintf(&b, "render=%t\n", p.Render)

	keys := make([]string, 0, len(p.Headers))
	for k := range p.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "header:%s=%s\n", strings.ToLower(k), p.Headers[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Signature(hex.EncodeToString(sum[:]))
}
