package perf

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/models"
)

func bucketAt(campaignID string) models.BucketKey {
	return models.NewBucketKey(campaignID, models.ClassAndroidTV, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
}

func TestMemoryStoreIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := bucketAt("camp-1")

	applied, err := s.Incr(ctx, key, "del-1", models.Counters{Impressions: 4, Engagements: 1})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Incr(ctx, key, "del-1", models.Counters{Impressions: 4, Engagements: 1})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Impressions)
	assert.Equal(t, int64(1), got.Engagements)
}

func TestMemoryStoreSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Incr(ctx, bucketAt("camp-1"), "del-1", models.Counters{Impressions: 2})
	require.NoError(t, err)
	_, err = s.Incr(ctx, bucketAt("camp-2"), "del-2", models.Counters{Impressions: 3})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[bucketAt("camp-1")].Impressions)

	only, err := s.Snapshot(ctx, "camp-2")
	require.NoError(t, err)
	assert.Len(t, only, 1)
	assert.Equal(t, int64(3), only[bucketAt("camp-2")].Impressions)
}

func TestMemoryStoreHealthToggle(t *testing.T) {
	s := NewMemoryStore()
	assert.True(t, s.Healthy())
	s.SetHealthy(false)
	assert.False(t, s.Healthy())
	s.SetHealthy(true)
	assert.True(t, s.Healthy())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(&db.RedisStore{Client: client})
	ctx := context.Background()
	key := bucketAt("camp-1")

	assert.True(t, s.Healthy(), "fresh store starts healthy")

	applied, err := s.Incr(ctx, key, "del-1", models.Counters{Impressions: 4, Engagements: 1, Completions: 1})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Incr(ctx, key, "del-1", models.Counters{Impressions: 4})
	require.NoError(t, err)
	assert.False(t, applied, "replayed delivery must not double count")

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Impressions)

	missing, err := s.Get(ctx, bucketAt("never-played"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), missing.Impressions)

	snap, err := s.Snapshot(ctx, "camp-1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[key].Completions)
}
