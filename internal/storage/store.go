// Package storage persists completed crawl results into a relational
// database. The sink is optional: a nil *Store ignores every call so
// callers never have to branch on whether persistence is configured.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"webtraverse/internal/config"
	"webtraverse/pkg/types"
)

// Record is the flattened form of a result as it is written to the
// results table.
type Record struct {
	RunID       string
	URL         string
	FinalURL    string
	ParentURL   string
	Depth       int
	State       string
	Score       float64
	StatusCode  int
	ContentType string
	Body        []byte
	LinkCount   int
	RetryCount  int
	SkipReason  string
	ErrorText   string
	CompletedAt time.Time
}

// Store writes crawl results to a SQL database.
type Store struct {
	db          *sql.DB
	autoMigrate bool
}

// New opens the configured database and prepares the schema when
// auto-migration is enabled. Returns (nil, nil) when storage is not
// configured.
func New(cfg config.StorageConfig) (*Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.AutoMigrate && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &Store{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// SaveResult upserts one result keyed by (run_id, url). Re-running a
// URL within the same run, which happens only via retries, overwrites
// the earlier row.
func (s *Store) SaveResult(ctx context.Context, runID string, result types.Result) error {
	if s == nil || s.db == nil {
		return nil
	}
	rec := flatten(runID, result)
	if err := s.upsert(ctx, rec); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsert(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert result: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func flatten(runID string, result types.Result) Record {
	rec := Record{
		RunID:       runID,
		URL:         result.Node.URL.String(),
		ParentURL:   result.Node.ParentKey,
		Depth:       result.Node.Depth,
		State:       result.State.String(),
		Score:       result.Node.Score,
		LinkCount:   len(result.Links),
		RetryCount:  result.RetryCount,
		SkipReason:  result.SkipReason,
		CompletedAt: result.CompletedAt,
	}
	if result.Err != nil {
		rec.ErrorText = result.Err.Error()
	}
	if page := result.Page; page != nil {
		rec.StatusCode = page.StatusCode
		rec.ContentType = page.ContentType
		rec.Body = page.Body
		rec.FinalURL = rec.URL
		if page.FinalURL != nil {
			rec.FinalURL = page.FinalURL.String()
		}
	}
	return rec
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	query := `
        INSERT INTO crawl_results (
            run_id, url, final_url, parent_url, depth, state, score,
            status_code, content_type, body, link_count, retry_count,
            skip_reason, error_text, completed_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (run_id, url) DO UPDATE SET
            final_url = EXCLUDED.final_url,
            parent_url = EXCLUDED.parent_url,
            depth = EXCLUDED.depth,
            state = EXCLUDED.state,
            score = EXCLUDED.score,
            status_code = EXCLUDED.status_code,
            content_type = EXCLUDED.content_type,
            body = EXCLUDED.body,
            link_count = EXCLUDED.link_count,
            retry_count = EXCLUDED.retry_count,
            skip_reason = EXCLUDED.skip_reason,
            error_text = EXCLUDED.error_text,
            completed_at = EXCLUDED.completed_at
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.URL,
		rec.FinalURL,
		rec.ParentURL,
		rec.Depth,
		rec.State,
		rec.Score,
		rec.StatusCode,
		rec.ContentType,
		rec.Body,
		rec.LinkCount,
		rec.RetryCount,
		rec.SkipReason,
		rec.ErrorText,
		rec.CompletedAt,
	)
	return err
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.StorageConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawl_results (
		    run_id TEXT NOT NULL,
		    url TEXT NOT NULL,
		    final_url TEXT,
		    parent_url TEXT,
		    depth INT,
		    state TEXT,
		    score DOUBLE PRECISION,
		    status_code INT,
		    content_type TEXT,
		    body BYTEA,
		    link_count INT,
		    retry_count INT,
		    skip_reason TEXT,
		    error_text TEXT,
		    completed_at TIMESTAMPTZ,
		    PRIMARY KEY (run_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_results_completed_at ON crawl_results (completed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_results_state ON crawl_results (run_id, state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
