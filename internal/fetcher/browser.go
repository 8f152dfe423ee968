package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"webtraverse/internal/session"
	"webtraverse/pkg/types"
)

// BrowserOptions tunes headless rendering.
type BrowserOptions struct {
	WaitForSelector string
	WaitForDOMReady bool
	CaptureDelay    time.Duration
	DisableHeadless bool
}

// BrowserHandle keeps a headless Chrome process alive across fetches.
// Starting a browser costs seconds; reusing one per signature is the
// whole point of the session pool. Each fetch opens a fresh tab inside
// the shared browser.
type BrowserHandle struct {
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	profile       session.Profile
}

func newBrowserHandle(ctx context.Context, profile session.Profile, opts Options) (*BrowserHandle, error) {
	headless := !opts.Browser.DisableHeadless
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(profile.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	if proxy := strings.TrimSpace(profile.ProxyURL); proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(proxy))
	}
	if profile.Locale != "" {
		execOpts = append(execOpts, chromedp.Flag("lang", profile.Locale))
	}
	if profile.ViewportWidth > 0 && profile.ViewportHeight > 0 {
		execOpts = append(execOpts, chromedp.WindowSize(profile.ViewportWidth, profile.ViewportHeight))
	}
	if profile.Stealth {
		execOpts = append(execOpts,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
		)
	}

	// The handle outlives the acquire call, so the allocator hangs off
	// the background context; the pool governs its lifetime via Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so creation failures surface at Acquire
	// time instead of on the first fetch.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	select {
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	default:
	}

	return &BrowserHandle{
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		profile:       profile,
	}, nil
}

// Close shuts the browser process down.
func (h *BrowserHandle) Close() error {
	h.browserCancel()
	h.allocCancel()
	return nil
}

func (h *BrowserHandle) fetch(ctx context.Context, node types.Node, opts Options) (*types.Page, error) {
	if h.browserCtx.Err() != nil {
		return nil, fmt.Errorf("%w: browser context gone", ErrContextInvalid)
	}
	target := node.URL.String()

	tabCtx, tabCancel := chromedp.NewContext(h.browserCtx)
	defer tabCancel()
	runCtx, cancel := context.WithTimeout(tabCtx, opts.Timeout)
	defer cancel()

	actions := []chromedp.Action{chromedp.Navigate(target)}
	switch {
	case opts.Browser.WaitForDOMReady:
		actions = append(actions, waitForDocumentReady(), chromedp.Sleep(250*time.Millisecond))
	case strings.TrimSpace(opts.Browser.WaitForSelector) != "":
		actions = append(actions,
			chromedp.WaitReady(strings.TrimSpace(opts.Browser.WaitForSelector), chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	default:
		delay := opts.Browser.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}

	var html string
	var finalRaw string
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalRaw),
	)

	start := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if runCtx.Err() != nil || ctx.Err() != nil {
			return nil, &TimeoutError{URL: target, Err: err}
		}
		if h.browserCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextInvalid, err)
		}
		return nil, &NetworkError{URL: target, Err: err}
	}

	if int64(len(html)) > opts.MaxBodyBytes {
		html = html[:opts.MaxBodyBytes]
	}

	finalURL := node.URL
	if finalRaw != "" {
		if u, err := url.Parse(finalRaw); err == nil {
			finalURL = u
		}
	}

	return &types.Page{
		URL:             node.URL,
		FinalURL:        finalURL,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: time.Since(start),
	}, nil
}

func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
