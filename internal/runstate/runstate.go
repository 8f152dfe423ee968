// Package runstate mirrors live run progress into Redis so external
// tooling can observe and resume-inspect runs without talking to the
// process. Like storage, a nil *Store disables the concern.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"webtraverse/internal/config"
	"webtraverse/pkg/types"
)

// Snapshot is the persisted view of one run.
type Snapshot struct {
	RunID     string              `json:"run_id"`
	Seeds     []string            `json:"seeds"`
	Status    string              `json:"status"`
	Stats     types.StatsSnapshot `json:"stats"`
	LastURL   string              `json:"last_url"`
	Message   string              `json:"message"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store persists run snapshots in a Redis hash keyed by run ID.
type Store struct {
	client *redis.Client
	key    string
}

// New connects to Redis and verifies the connection. Returns (nil, nil)
// when run-state persistence is not configured.
func New(ctx context.Context, cfg config.RunStateConfig) (*Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	key := cfg.KeyPrefix
	if key == "" {
		key = "webtraverse:runs"
	}
	return &Store{client: client, key: key}, nil
}

// Save upserts the snapshot under its run ID.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if s == nil {
		return nil
	}
	snap.UpdatedAt = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, snap.RunID, data).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Get fetches one run's snapshot.
func (s *Store) Get(ctx context.Context, runID string) (Snapshot, bool, error) {
	if s == nil {
		return Snapshot{}, false, nil
	}
	raw, err := s.client.HGet(ctx, s.key, runID).Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// List returns all persisted run snapshots. Entries that fail to decode
// are skipped rather than failing the whole listing.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	snapshots := make([]Snapshot, 0, len(entries))
	for _, raw := range entries {
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Remove deletes a run's snapshot.
func (s *Store) Remove(ctx context.Context, runID string) error {
	if s == nil {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, runID).Err(); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
