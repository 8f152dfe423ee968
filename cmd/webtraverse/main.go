package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webtraverse/internal/config"
	"webtraverse/internal/crawler"
	"webtraverse/internal/runstate"
	"webtraverse/internal/storage"
	"webtraverse/pkg/types"
)

// resultLine is the JSON-lines record written to stdout per result.
type resultLine struct {
	URL         string              `json:"url"`
	FinalURL    string              `json:"final_url,omitempty"`
	State       string              `json:"state"`
	Depth       int                 `json:"depth"`
	Score       float64             `json:"score"`
	StatusCode  int                 `json:"status_code,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Links       int                 `json:"links"`
	Retries     int                 `json:"retries,omitempty"`
	SkipReason  string              `json:"skip_reason,omitempty"`
	Error       string              `json:"error,omitempty"`
	Stats       types.StatsSnapshot `json:"stats"`
	CompletedAt time.Time           `json:"completed_at"`
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	engine, err := crawler.NewEngine(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	states, err := runstate.New(ctx, cfg.RunState)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise run state store: %v\n", err)
		os.Exit(1)
	}
	defer states.Close()

	if err := run(ctx, engine, cfg, store, states); err != nil {
		fmt.Fprintf(os.Stderr, "crawl stopped with error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, engine *crawler.Engine, cfg *config.Config, store *storage.Store, states *runstate.Store) error {
	results, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	seeds := make([]string, 0, len(cfg.Crawl.Seeds))
	for _, seed := range cfg.Crawl.Seeds {
		seeds = append(seeds, seed.URL)
	}
	startedAt := time.Now()
	snapshot := func(status, lastURL, message string) {
		if states == nil {
			return
		}
		snap := runstate.Snapshot{
			RunID:     engine.RunID(),
			Seeds:     seeds,
			Status:    status,
			Stats:     engine.Stats(),
			LastURL:   lastURL,
			Message:   message,
			StartedAt: startedAt,
		}
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := states.Save(saveCtx, snap); err != nil {
			fmt.Fprintf(os.Stderr, "run state save failed: %v\n", err)
		}
		saveCancel()
	}
	snapshot("running", "", "")

	flushEvery := cfg.RunState.FlushInterval.Duration
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	lastFlush := time.Now()

	enc := json.NewEncoder(os.Stdout)
	for result := range results {
		if err := enc.Encode(toLine(result)); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if store != nil {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := store.SaveResult(saveCtx, engine.RunID(), result); err != nil {
				fmt.Fprintf(os.Stderr, "storage save failed: %v\n", err)
			}
			saveCancel()
		}
		if time.Since(lastFlush) >= flushEvery {
			snapshot("running", result.Node.URL.String(), "")
			lastFlush = time.Now()
		}
	}

	if err := engine.Err(); err != nil {
		snapshot("failed", "", err.Error())
		return err
	}
	snapshot("completed", "", "")
	return nil
}

func toLine(result types.Result) resultLine {
	line := resultLine{
		URL:         result.Node.URL.String(),
		State:       result.State.String(),
		Depth:       result.Node.Depth,
		Score:       result.Node.Score,
		Links:       len(result.Links),
		Retries:     result.RetryCount,
		SkipReason:  result.SkipReason,
		Stats:       result.Stats,
		CompletedAt: result.CompletedAt,
	}
	if result.Err != nil {
		line.Error = result.Err.Error()
	}
	if page := result.Page; page != nil {
		line.StatusCode = page.StatusCode
		line.ContentType = page.ContentType
		if page.FinalURL != nil {
			line.FinalURL = page.FinalURL.String()
		}
	}
	return line
}
