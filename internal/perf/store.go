// Package perf tracks per-bucket performance counters feeding the selection
// priors and the pricing engine's historical blend.
package perf

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/models"
)

// Store accumulates monotonically increasing counters per performance bucket.
type Store interface {
	// Incr applies one playback's counters. The deliveryID makes the write
	// idempotent; the bool reports whether the counters were actually applied.
	Incr(ctx context.Context, key models.BucketKey, deliveryID string, c models.Counters) (bool, error)
	// Get reads one bucket. Missing buckets read as zero.
	Get(ctx context.Context, key models.BucketKey) (models.Counters, error)
	// Snapshot returns the campaign's non-zero buckets, for prior rebuilds.
	// An empty campaignID returns every bucket.
	Snapshot(ctx context.Context, campaignID string) (map[models.BucketKey]models.Counters, error)
	// Healthy reports whether reads are fast enough for the hot path. When
	// false the selection engine skips priors and scores on static factors.
	Healthy() bool
}

// probeInterval paces the background latency probe on the redis store.
const (
	probeInterval   = 15 * time.Second
	latencyBudget   = 500 * time.Millisecond
	recoveryStreak  = 3 // consecutive fast probes to leave degraded mode
	degradedOnError = 1
)

// RedisStore is the production Store on redis hashes.
type RedisStore struct {
	rdb *db.RedisStore

	degraded atomic.Bool
	fastRuns atomic.Int32
}

// NewRedisStore wraps the shared redis client. Callers should also start
// Probe to keep the health flag current.
func NewRedisStore(rdb *db.RedisStore) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key models.BucketKey, deliveryID string, c models.Counters) (bool, error) {
	return s.rdb.IncrBucket(ctx, key, deliveryID, c)
}

func (s *RedisStore) Get(ctx context.Context, key models.BucketKey) (models.Counters, error) {
	return s.rdb.GetBucket(ctx, key)
}

func (s *RedisStore) Snapshot(ctx context.Context, campaignID string) (map[models.BucketKey]models.Counters, error) {
	return s.rdb.SnapshotBuckets(ctx, campaignID)
}

// Healthy is false while recent probes exceed the latency budget.
func (s *RedisStore) Healthy() bool {
	return !s.degraded.Load()
}

// Probe pings redis on a ticker and flips the degraded flag when round trips
// blow the latency budget. Recovery requires a streak of fast probes so the
// flag does not flap. Blocks until ctx is done.
func (s *RedisStore) Probe(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := s.rdb.Ping(ctx)
			if err != nil || rtt > latencyBudget {
				s.fastRuns.Store(0)
				if s.degraded.CompareAndSwap(false, true) {
					zap.L().Warn("perf store degraded", zap.Duration("rtt", rtt), zap.Error(err))
				}
				continue
			}
			if !s.degraded.Load() {
				continue
			}
			if s.fastRuns.Add(1) >= recoveryStreak {
				s.fastRuns.Store(0)
				if s.degraded.CompareAndSwap(true, false) {
					zap.L().Info("perf store recovered", zap.Duration("rtt", rtt))
				}
			}
		}
	}
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[models.BucketKey]models.Counters
	applied map[string]struct{}
	healthy bool
}

// NewMemoryStore returns an empty healthy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[models.BucketKey]models.Counters),
		applied: make(map[string]struct{}),
		healthy: true,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key models.BucketKey, deliveryID string, c models.Counters) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.applied[deliveryID]; seen {
		return false, nil
	}
	s.applied[deliveryID] = struct{}{}
	cur := s.buckets[key]
	c.LastUpdated = time.Now()
	s.buckets[key] = cur.Add(c)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key models.BucketKey) (models.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[key], nil
}

func (s *MemoryStore) Snapshot(_ context.Context, campaignID string) (map[models.BucketKey]models.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.BucketKey]models.Counters, len(s.buckets))
	for k, v := range s.buckets {
		if campaignID != "" && k.CampaignID != campaignID {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// SetHealthy toggles the health flag, for degraded-mode tests.
func (s *MemoryStore) SetHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}
