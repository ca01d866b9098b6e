package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openooh/doohserve/internal/models"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &RedisStore{Client: client}
}

func TestIncrBucketIdempotent(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()
	key := models.NewBucketKey("camp-1", models.ClassAndroidTV, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	counters := models.Counters{Impressions: 4, Engagements: 1, Completions: 1}

	applied, err := r.IncrBucket(ctx, key, "del-1", counters)
	require.NoError(t, err)
	assert.True(t, applied)

	// A replay of the same delivery is dropped.
	applied, err = r.IncrBucket(ctx, key, "del-1", counters)
	require.NoError(t, err)
	assert.False(t, applied)

	// A different delivery accumulates.
	applied, err = r.IncrBucket(ctx, key, "del-2", counters)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := r.GetBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Impressions)
	assert.Equal(t, int64(2), got.Engagements)
	assert.Equal(t, int64(2), got.Completions)
	assert.False(t, got.LastUpdated.IsZero())
}

func TestGetBucketMissing(t *testing.T) {
	r := setupTestRedis(t)
	key := models.NewBucketKey("never-played", models.ClassAndroidTV, time.Now())

	got, err := r.GetBucket(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Impressions)
	assert.Equal(t, int64(0), got.Engagements)
}

func TestDailySpend(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	total, err := r.AddDailySpend(ctx, "camp-1", day, 0.02)
	require.NoError(t, err)
	assert.Equal(t, 0.02, total)

	// Integer cents under the hood, so repeated small charges do not drift.
	total, err = r.AddDailySpend(ctx, "camp-1", day.Add(3*time.Hour), 0.03)
	require.NoError(t, err)
	assert.Equal(t, 0.05, total)

	got, err := r.GetDailySpend(ctx, "camp-1", day)
	require.NoError(t, err)
	assert.Equal(t, 0.05, got)

	// A different UTC day starts from zero.
	got, err = r.GetDailySpend(ctx, "camp-1", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestDemandLevel(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := r.GetDemandLevel(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetDemandLevel(ctx, 0.73))
	level, ok, err := r.GetDemandLevel(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.73, level, 1e-9)
}

func TestSnapshotBuckets(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()
	slot := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// Campaign IDs may carry colons; the key parser anchors from the right.
	colonKey := models.NewBucketKey("agency:brand:42", models.ClassDigitalSignage, slot)
	plainKey := models.NewBucketKey("camp-1", models.ClassAndroidTV, slot)

	_, err := r.IncrBucket(ctx, colonKey, "del-1", models.Counters{Impressions: 6, Engagements: 2})
	require.NoError(t, err)
	_, err = r.IncrBucket(ctx, plainKey, "del-2", models.Counters{Impressions: 3})
	require.NoError(t, err)

	snap, err := r.SnapshotBuckets(ctx, "")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(6), snap[colonKey].Impressions)
	assert.Equal(t, int64(3), snap[plainKey].Impressions)

	// A campaign filter narrows the scan, and a campaign whose ID extends
	// another's ("agency:brand:42" vs "agency:brand") stays excluded.
	only, err := r.SnapshotBuckets(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, int64(3), only[plainKey].Impressions)

	prefix, err := r.SnapshotBuckets(ctx, "agency:brand")
	require.NoError(t, err)
	assert.Empty(t, prefix)
}

func TestParseBucketKey(t *testing.T) {
	bk, ok := parseBucketKey("agency:brand:42:DIGITAL_SIGNAGE:8:1")
	require.True(t, ok)
	assert.Equal(t, "agency:brand:42", bk.CampaignID)
	assert.Equal(t, "DIGITAL_SIGNAGE", bk.DeviceClass)
	assert.Equal(t, 8, bk.HourOfDay)
	assert.Equal(t, 1, bk.DayOfWeek)

	_, ok = parseBucketKey("not-enough-parts")
	assert.False(t, ok)
	_, ok = parseBucketKey("camp:CLASS:eight:1")
	assert.False(t, ok)
}
