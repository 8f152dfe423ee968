// Package crawler drives the traversal: a single loop drains the
// frontier in priority order and dispatches nodes to a bounded set of
// workers, each of which walks one URL through the crawl state machine.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"webtraverse/internal/config"
	"webtraverse/internal/extract"
	"webtraverse/internal/fetcher"
	"webtraverse/internal/filter"
	"webtraverse/internal/frontier"
	robotsclient "webtraverse/internal/robots"
	"webtraverse/internal/score"
	"webtraverse/internal/session"
	"webtraverse/internal/urlnorm"
	"webtraverse/pkg/types"
)

// consecutive execution-context creation failures tolerated before the
// run is aborted instead of spinning.
const createFailureLimit = 3

// emitGrace bounds how long a result emission waits for a consumer that
// cancelled the run; the first emission to time out marks the consumer
// gone and later results are dropped without waiting.
const emitGrace = 5 * time.Second

// ErrPoolFailing aborts a run whose context pool cannot create sessions.
var ErrPoolFailing = errors.New("execution context creation failing repeatedly")

// Engine orchestrates fetching, link discovery, and result emission.
type Engine struct {
	cfg     config.Config
	runID   string
	logger  *slog.Logger
	profile session.Profile

	fetch     *fetcher.Client
	pool      *session.Pool
	robots    *robotsclient.Agent
	limiter   *DomainLimiter
	extractor extract.LinkExtractor
	scorer    *score.Composite
	chain     *filter.Chain
	ctFilter  *filter.ContentTypeFilter

	stats    *Stats
	maxPages int64

	mu       sync.Mutex
	front    *frontier.Frontier
	admitted int64

	pending        int64 // queued + in-flight + awaiting retry, guarded by mu
	wake           chan struct{}
	sem            *semaphore.Weighted
	workers        sync.WaitGroup
	createFailures int

	abortOnce   sync.Once
	abortErr    error
	abortCancel context.CancelFunc

	dropResults atomic.Bool

	results chan types.Result
	runDone chan struct{}
	runErr  error
}

// NewEngine builds an engine from validated configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	profile := session.Profile{
		UserAgent:      cfg.Fetch.UserAgent,
		Headers:        cfg.Fetch.Headers,
		ProxyURL:       cfg.Fetch.ProxyURL,
		Locale:         cfg.Fetch.Locale,
		ViewportWidth:  cfg.Fetch.ViewportWidth,
		ViewportHeight: cfg.Fetch.ViewportHeight,
		Stealth:        cfg.Fetch.Stealth,
		Render:         cfg.Fetch.Render,
	}

	fetchClient := fetcher.NewClient(fetcher.Options{
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		Browser: fetcher.BrowserOptions{
			WaitForSelector: cfg.Fetch.WaitSelector,
			WaitForDOMReady: cfg.Fetch.WaitDOMReady,
			CaptureDelay:    cfg.Fetch.CaptureDelay.Duration,
		},
	}, logger)

	pool, err := session.NewPool(cfg.Pool.Capacity, fetchClient.Factory(), logger)
	if err != nil {
		return nil, fmt.Errorf("session pool: %w", err)
	}

	robotsAgent := robotsclient.NewAgent(robotsclient.Options{
		Respect:   cfg.Robots.Respect,
		UserAgent: cfg.Robots.UserAgent,
		CacheTTL:  cfg.Robots.CacheTTL.Duration,
		Overrides: cfg.Robots.Overrides,
	}, &http.Client{Timeout: 10 * time.Second})

	patterns, err := filter.NewPatternFilter(cfg.Crawl.IncludePatterns, cfg.Crawl.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	chain := filter.NewChain(
		filter.NewDepthFilter(cfg.Crawl.MaxDepth),
		filter.NewDomainFilter(cfg.Crawl.AllowedDomains, cfg.Crawl.ExcludedDomains),
		patterns,
	)

	scorer := buildScorer(cfg.Scoring)

	maxPages := int64(cfg.Crawl.MaxPages)
	if maxPages <= 0 {
		maxPages = int64(^uint64(0) >> 1)
	}

	var expected uint
	if cfg.Crawl.ExpectedURLs > 0 {
		expected = uint(cfg.Crawl.ExpectedURLs)
	}
	return &Engine{
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		profile: profile,
		fetch:   fetchClient,
		pool:    pool,
		robots:  robotsAgent,
		limiter: NewDomainLimiter(cfg.Crawl.MinCrawlDelay.Duration, RateLimiterSettings{
			Requests: cfg.Crawl.RateLimitPerDomain.Requests,
			Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
		}),
		extractor: extract.NewHTMLExtractor(
			extract.WithMaxLinks(cfg.Crawl.MaxLinksPerPage),
			extract.WithRespectNofollow(cfg.Crawl.RespectNofollow),
		),
		scorer:   scorer,
		chain:    chain,
		ctFilter: filter.NewContentTypeFilter(cfg.Crawl.AllowedContentTypes),
		stats:    NewStats(),
		maxPages: maxPages,
		front:    frontier.New(frontier.NewVisited(expected)),
		wake:     make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(int64(cfg.Crawl.MaxConcurrent)),
		runDone:  make(chan struct{}),
	}, nil
}

func buildScorer(cfg config.ScoringConfig) *score.Composite {
	var parts []score.Weighted
	if len(cfg.Keywords) > 0 && cfg.KeywordWeight > 0 {
		parts = append(parts, score.Weighted{
			Component: score.NewKeyword(cfg.Keywords),
			Weight:    cfg.KeywordWeight,
		})
	}
	if cfg.PathDepthWeight > 0 {
		parts = append(parts, score.Weighted{
			Component: score.NewPathDepth(cfg.PathDepthOptimal),
			Weight:    cfg.PathDepthWeight,
		})
	}
	if cfg.FreshnessWeight > 0 {
		parts = append(parts, score.Weighted{
			Component: score.NewFreshness(cfg.FreshnessHalfLife.Duration),
			Weight:    cfg.FreshnessWeight,
		})
	}
	return score.NewComposite(parts...)
}

// RunID identifies this engine's run.
func (e *Engine) RunID() string { return e.runID }

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() types.StatsSnapshot { return e.stats.Snapshot() }

// Err reports the run outcome once the result stream has closed.
func (e *Engine) Err() error {
	select {
	case <-e.runDone:
		return e.runErr
	default:
		return nil
	}
}

// Run seeds the frontier and starts the traversal. The returned channel
// carries results ordered by completion and closes when the run ends.
// Cancelling ctx stops the run cooperatively: nodes already fetching
// complete, nothing new is dispatched. A consumer that stops reading
// before the channel closes must cancel ctx, otherwise workers block
// on emission.
func (e *Engine) Run(ctx context.Context) (<-chan types.Result, error) {
	seeds, err := e.buildSeeds()
	if err != nil {
		return nil, err
	}

	e.results = make(chan types.Result, e.cfg.Crawl.MaxConcurrent*2)

	for _, seed := range seeds {
		if !e.admit(seed) {
			e.logger.Debug("seed rejected", "url", seed.URL.String())
		}
	}

	driveCtx, cancel := context.WithCancel(ctx)
	e.abortCancel = cancel

	go func() {
		g, gctx := errgroup.WithContext(driveCtx)
		g.Go(func() error {
			defer cancel()
			return e.drive(gctx)
		})
		g.Go(func() error {
			err := e.pool.Janitor(gctx, e.cfg.Pool.SweepInterval.Duration, e.cfg.Pool.IdleTTL.Duration)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		err := g.Wait()
		e.workers.Wait()
		e.drainCancelled(driveCtx)

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		poolErr := e.pool.Shutdown(shutCtx)
		shutCancel()

		if errors.Is(err, context.Canceled) && e.abortErr == nil && ctx.Err() == nil {
			err = nil
		}
		e.runErr = errors.Join(err, e.abortErr, poolErr)
		close(e.results)
		close(e.runDone)
		e.logger.Info("run finished", "stats", e.stats.Snapshot(), "error", e.runErr)
	}()

	return e.results, nil
}

// drive is the single consumer of the frontier: it pops in priority
// order and hands nodes to workers, bounded by the concurrency budget.
func (e *Engine) drive(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Hold a concurrency slot before popping so the best-scored
		// node is chosen at dispatch time, not earlier.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		e.mu.Lock()
		node, ok := e.front.Pop()
		idle := e.pending == 0
		e.mu.Unlock()

		if !ok {
			e.sem.Release(1)
			if idle {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		e.workers.Add(1)
		go func(n types.Node) {
			defer e.workers.Done()
			defer e.sem.Release(1)
			e.process(ctx, n)
			e.signal()
		}(node)
	}
}

// process walks one node through validation, filtering, politeness,
// context acquisition, fetch, and link discovery.
func (e *Engine) process(ctx context.Context, node types.Node) {
	// Validating
	if err := urlnorm.Validate(node.URL); err != nil {
		e.skip(ctx, node, "malformed_url")
		return
	}

	// FilterCheck
	dec := e.chain.Evaluate(filter.Candidate{URL: node.URL, Depth: node.Depth})
	if !dec.Allow {
		e.skip(ctx, node, string(dec.Reason))
		return
	}

	// RobotsCheck: always before any pool slot is touched.
	if !e.robots.Allowed(ctx, node.URL) {
		e.stats.robotsBlocked.Add(1)
		e.skip(ctx, node, "robots_denied")
		return
	}
	if err := e.limiter.Wait(ctx, node.URL.Hostname()); err != nil {
		e.cancelled(ctx, node)
		return
	}

	// Cancellation checkpoint immediately before AwaitingContext.
	if ctx.Err() != nil {
		e.cancelled(ctx, node)
		return
	}

	// AwaitingContext
	sess, err := e.pool.Acquire(ctx, e.profile)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelled(ctx, node)
			return
		}
		var createErr *session.CreateError
		if errors.As(err, &createErr) {
			e.noteCreateFailure()
		}
		e.fail(ctx, node, err)
		return
	}
	e.resetCreateFailures()

	// Fetching: the per-fetch timeout is detached from run cancellation
	// so in-flight fetches finish and release their context.
	e.stats.inFlight.Add(1)
	fetchCtx, fetchCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Crawl.RequestTimeout.Duration)
	page, err := e.fetch.Fetch(fetchCtx, node, sess)
	fetchCancel()
	e.stats.inFlight.Add(-1)
	e.pool.Release(sess)

	if err != nil {
		if fetcher.Retryable(err) && node.RetryCount < e.cfg.Crawl.MaxRetries {
			e.scheduleRetry(node, err)
			return
		}
		e.fail(ctx, node, err)
		return
	}

	// LinkExtraction: the content-type filter gates whether follow
	// links are considered at all, never the fetch that just happened.
	var links []*url.URL
	var extractErr error
	if e.ctFilter.Test(filter.Candidate{URL: node.URL, ContentType: page.ContentType}) {
		base := page.FinalURL
		if base == nil {
			base = page.URL
		}
		links, extractErr = e.extractor.ExtractLinks(page.Body, base)
		if extractErr != nil {
			e.logger.Debug("link extraction failed", "url", node.URL.String(), "error", extractErr)
		}

		// Scoring + child admission.
		if node.Depth < node.MaxDepth {
			lastMod := lastModified(page.Headers)
			for _, link := range links {
				e.enqueueChild(node, link, lastMod)
			}
		}
	}

	e.done(ctx, node, page, links, extractErr)
}

// admit pushes a node within the page budget. Duplicates and
// budget-exceeding nodes are rejected.
func (e *Engine) admit(node types.Node) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.admitted >= e.maxPages {
		return false
	}
	if !e.front.Push(node) {
		return false
	}
	e.admitted++
	e.pending++
	e.stats.queued.Add(1)
	e.signal()
	return true
}

func (e *Engine) enqueueChild(parent types.Node, link *url.URL, lastMod time.Time) {
	if urlnorm.Validate(link) != nil {
		return
	}
	if !e.cfg.Crawl.ProcessExternalLinks && !urlnorm.SameSite(parent.URL, link) {
		return
	}
	now := time.Now()
	child := types.Node{
		URL:          link,
		Key:          urlnorm.Key(link),
		Depth:        parent.Depth + 1,
		MaxDepth:     parent.MaxDepth,
		ParentKey:    parent.Key,
		DiscoveredAt: now,
	}
	res := e.scorer.Score(link, &score.Signals{
		Depth:        child.Depth,
		DiscoveredAt: now,
		LastModified: lastMod,
	})
	child.Score = res.Value
	e.admit(child)
}

func (e *Engine) scheduleRetry(node types.Node, cause error) {
	node.RetryCount++
	e.stats.retries.Add(1)
	delay := retryBackoff(e.cfg.Crawl.RetryBackoff.Duration, e.cfg.Crawl.RetryMaxBackoff.Duration, node.RetryCount-1)
	e.logger.Warn("fetch failed, scheduling retry",
		"url", node.URL.String(),
		"attempt", node.RetryCount,
		"delay", delay.String(),
		"error", cause,
	)
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		ok := e.front.PushRetry(node)
		if !ok {
			e.pending--
		}
		e.mu.Unlock()
		e.signal()
	})
}

func (e *Engine) skip(ctx context.Context, node types.Node, reason string) {
	e.front.Visited().Seal(node.Key, frontier.StatusSkipped)
	e.stats.skipped.Add(1)
	e.emit(ctx, types.Result{
		Node:       node,
		State:      types.StateSkipped,
		SkipReason: reason,
		RetryCount: node.RetryCount,
	})
	e.finish()
}

func (e *Engine) fail(ctx context.Context, node types.Node, err error) {
	e.front.Visited().Seal(node.Key, frontier.StatusFailed)
	e.stats.failed.Add(1)
	e.logger.Warn("node failed", "url", node.URL.String(), "retries", node.RetryCount, "error", err)
	e.emit(ctx, types.Result{
		Node:       node,
		State:      types.StateFailed,
		Err:        err,
		RetryCount: node.RetryCount,
	})
	e.finish()
}

func (e *Engine) done(ctx context.Context, node types.Node, page *types.Page, links []*url.URL, extractErr error) {
	e.front.Visited().Seal(node.Key, frontier.StatusDone)
	e.stats.done.Add(1)
	e.emit(ctx, types.Result{
		Node:       node,
		State:      types.StateDone,
		Page:       page,
		Links:      links,
		ExtractErr: extractErr,
		RetryCount: node.RetryCount,
	})
	e.finish()
}

// drainCancelled empties nodes still queued when the run ended and
// emits each as cancelled, so every admitted node appears in the stream
// even when the run stops early. On a normal finish the frontier is
// already empty.
func (e *Engine) drainCancelled(ctx context.Context) {
	for {
		e.mu.Lock()
		node, ok := e.front.Pop()
		e.mu.Unlock()
		if !ok {
			return
		}
		e.front.Visited().Seal(node.Key, frontier.StatusSkipped)
		e.emit(ctx, types.Result{
			Node:       node,
			State:      types.StateCancelled,
			RetryCount: node.RetryCount,
		})
	}
}

func (e *Engine) cancelled(ctx context.Context, node types.Node) {
	e.front.Visited().Seal(node.Key, frontier.StatusSkipped)
	e.emit(ctx, types.Result{
		Node:       node,
		State:      types.StateCancelled,
		RetryCount: node.RetryCount,
	})
	e.finish()
}

func (e *Engine) emit(ctx context.Context, r types.Result) {
	r.Stats = e.stats.Snapshot()
	r.CompletedAt = time.Now()
	if e.dropResults.Load() {
		return
	}
	select {
	case e.results <- r:
		return
	case <-ctx.Done():
	}
	// Run cancelled. A consumer draining until the channel closes still
	// receives the result; one that stopped reading forfeits the rest
	// after the grace window.
	select {
	case e.results <- r:
	case <-time.After(emitGrace):
		e.dropResults.Store(true)
		e.logger.Warn("result dropped, consumer stopped reading", "url", r.Node.URL.String())
	}
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.pending--
	e.mu.Unlock()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) noteCreateFailure() {
	e.mu.Lock()
	e.createFailures++
	systemic := e.createFailures >= createFailureLimit
	e.mu.Unlock()
	if systemic {
		e.abort(ErrPoolFailing)
	}
}

func (e *Engine) resetCreateFailures() {
	e.mu.Lock()
	e.createFailures = 0
	e.mu.Unlock()
}

// abort cancels the run from inside, once.
func (e *Engine) abort(err error) {
	e.abortOnce.Do(func() {
		e.abortErr = err
		e.logger.Error("aborting run", "error", err)
		if e.abortCancel != nil {
			e.abortCancel()
		}
	})
}

func (e *Engine) buildSeeds() ([]types.Node, error) {
	now := time.Now()
	seeds := make([]types.Node, 0, len(e.cfg.Crawl.Seeds))
	for _, seed := range e.cfg.Crawl.Seeds {
		parsed, err := urlnorm.Parse(seed.URL)
		if err != nil {
			return nil, fmt.Errorf("configuration: seed %q: %w", seed.URL, err)
		}
		depthLimit := e.cfg.Crawl.MaxDepth
		if seed.MaxDepth > 0 && seed.MaxDepth < depthLimit {
			depthLimit = seed.MaxDepth
		}
		seeds = append(seeds, types.Node{
			URL:          parsed,
			Key:          urlnorm.Key(parsed),
			Depth:        0,
			MaxDepth:     depthLimit,
			DiscoveredAt: now,
		})
	}
	return seeds, nil
}

func lastModified(headers http.Header) time.Time {
	if headers == nil {
		return time.Time{}
	}
	raw := headers.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	// Logs go to stderr: stdout carries the result stream.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
