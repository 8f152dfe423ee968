// Package fetcher retrieves pages through execution contexts borrowed
// from the session pool: a configured HTTP client for plain fetches, or
// a persistent headless browser when the profile asks for rendering.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"webtraverse/internal/session"
	"webtraverse/pkg/types"
)

// Fetcher retrieves a page using a borrowed execution context.
type Fetcher interface {
	Fetch(ctx context.Context, node types.Node, sess *session.Session) (*types.Page, error)
}

// Options controls fetch behaviour shared across execution contexts.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	Browser      BrowserOptions
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 6 * 1024 * 1024
	}
}

// Client dispatches fetches to whichever handle type the session holds.
type Client struct {
	opts   Options
	logger *slog.Logger
}

// NewClient builds a fetch client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger}
}

// Factory returns the session factory that materialises handles for the
// pool: browser contexts for rendering profiles, HTTP clients otherwise.
func (c *Client) Factory() session.Factory {
	return func(ctx context.Context, profile session.Profile) (session.Handle, error) {
		if profile.Render {
			return newBrowserHandle(ctx, profile, c.opts)
		}
		return newHTTPHandle(profile, c.opts)
	}
}

// Fetch downloads the node's URL through the session's handle.
func (c *Client) Fetch(ctx context.Context, node types.Node, sess *session.Session) (*types.Page, error) {
	if node.URL == nil {
		return nil, errors.New("fetch node has nil URL")
	}
	if sess == nil || sess.Handle() == nil {
		return nil, ErrContextInvalid
	}
	switch h := sess.Handle().(type) {
	case *HTTPHandle:
		return c.fetchHTTP(ctx, node, h)
	case *BrowserHandle:
		return h.fetch(ctx, node, c.opts)
	default:
		return nil, fmt.Errorf("%w: unsupported handle %T", ErrContextInvalid, h)
	}
}

// HTTPHandle is the plain execution context: a configured http.Client
// whose connection pool is the reusable state worth sharing.
type HTTPHandle struct {
	client  *http.Client
	profile session.Profile
}

func newHTTPHandle(profile session.Profile, opts Options) (*HTTPHandle, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(profile.ProxyURL) != "" {
		proxyURL, err := url.Parse(profile.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &HTTPHandle{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		profile: profile,
	}, nil
}

// Close releases pooled connections.
func (h *HTTPHandle) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (c *Client) fetchHTTP(ctx context.Context, node types.Node, h *HTTPHandle) (*types.Page, error) {
	target := node.URL.String()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	profile := h.profile
	if profile.UserAgent != "" {
		httpReq.Header.Set("User-Agent", profile.UserAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if profile.Locale != "" {
		httpReq.Header.Set("Accept-Language", profile.Locale)
	}
	for k, v := range profile.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classify(target, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := c.readBody(resp, target)
	if err != nil {
		return nil, err
	}

	finalURL := node.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &types.Page{
		URL:             node.URL,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

func (c *Client) readBody(resp *http.Response, target string) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/") {
		decoded, err := charset.NewReader(reader, contentType)
		if err == nil {
			reader = decoded
		}
	}

	limited := io.LimitReader(reader, c.opts.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		// The connection can fail mid-body (reset, or the per-fetch
		// timeout firing during the read); those stay retryable.
		return nil, classify(target, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.opts.MaxBodyBytes)
	}
	return body, nil
}
