package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"webtraverse/internal/session"
	"webtraverse/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acquire(t *testing.T, pool *session.Pool, profile session.Profile) *session.Session {
	t.Helper()
	sess, err := pool.Acquire(context.Background(), profile)
	if err != nil {
		t.Fatalf("acquire session: %v", err)
	}
	return sess
}

func newHTTPPool(t *testing.T, client *Client) *session.Pool {
	t.Helper()
	pool, err := session.NewPool(2, client.Factory(), testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func nodeFor(t *testing.T, raw string) types.Node {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return types.Node{URL: u, Key: raw}
}

func TestFetchHTTPBasic(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	client := NewClient(Options{Timeout: 5 * time.Second}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{UserAgent: "webtraverse-test/1.0"})
	defer pool.Release(sess)

	page, err := client.Fetch(context.Background(), nodeFor(t, srv.URL+"/index"), sess)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", page.StatusCode)
	}
	if gotUA != "webtraverse-test/1.0" {
		t.Fatalf("expected profile user agent, got %q", gotUA)
	}
	if string(page.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected body %q", page.Body)
	}
}

func TestFetchDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "<html>compressed</html>")
		gz.Close()
	}))
	defer srv.Close()

	client := NewClient(Options{}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	page, err := client.Fetch(context.Background(), nodeFor(t, srv.URL), sess)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != "<html>compressed</html>" {
		t.Fatalf("gzip body not decoded: %q", page.Body)
	}
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	client := NewClient(Options{MaxBodyBytes: 1024}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	if _, err := client.Fetch(context.Background(), nodeFor(t, srv.URL), sess); err == nil {
		t.Fatal("expected oversize body to fail")
	}
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Options{}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	_, err := client.Fetch(context.Background(), nodeFor(t, srv.URL), sess)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", statusErr.StatusCode)
	}
	if !Retryable(err) {
		t.Fatal("server errors must be retryable")
	}
}

func TestFetchNotFoundIsResult(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewClient(Options{}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	page, err := client.Fetch(context.Background(), nodeFor(t, srv.URL+"/missing"), sess)
	if err != nil {
		t.Fatalf("404 should be a regular result, got %v", err)
	}
	if page.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", page.StatusCode)
	}
}

func TestFetchConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	client := NewClient(Options{Timeout: 2 * time.Second}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	_, err := client.Fetch(context.Background(), nodeFor(t, target), sess)
	if err == nil {
		t.Fatal("expected network error")
	}
	if !Retryable(err) {
		t.Fatalf("connection refused should be retryable, got %v", err)
	}
}

func TestFetchTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(Options{Timeout: 50 * time.Millisecond}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	_, err := client.Fetch(context.Background(), nodeFor(t, srv.URL), sess)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !Retryable(err) {
		t.Fatalf("timeout should be retryable, got %v", err)
	}
}

func TestFetchTimeoutMidBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>partial")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Stall past the fetch deadline with the body unfinished.
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Timeout: 5 * time.Second}, testLogger())
	pool := newHTTPPool(t, client)
	sess := acquire(t, pool, session.Profile{})
	defer pool.Release(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Fetch(ctx, nodeFor(t, srv.URL), sess)
	if err == nil {
		t.Fatal("expected an error when the body read times out")
	}
	if !Retryable(err) {
		t.Fatalf("timeout during body read should be retryable, got %v", err)
	}
}

func TestFetchNilSession(t *testing.T) {
	client := NewClient(Options{}, testLogger())
	_, err := client.Fetch(context.Background(), nodeFor(t, "https://example.com"), nil)
	if !errors.Is(err, ErrContextInvalid) {
		t.Fatalf("expected ErrContextInvalid, got %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&NetworkError{URL: "u", Err: errors.New("reset")}, true},
		{&TimeoutError{URL: "u", Err: errors.New("deadline")}, true},
		{&StatusError{URL: "u", StatusCode: 503}, true},
		{ErrContextInvalid, true},
		{errors.New("config missing"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
