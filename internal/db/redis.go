package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
)

// Redis key layout. Buckets are hashes so a snapshot is one HGETALL per key;
// applied markers make playback counter updates idempotent per delivery.
const (
	bucketKeyPrefix  = "perf:bucket:"  // perf:bucket:<campaign>:<class>:<hour>:<dow>
	appliedKeyPrefix = "perf:applied:" // perf:applied:<deliveryID>
	spendKeyPrefix   = "spend:daily:"  // spend:daily:<campaign>:<yyyy-mm-dd>
	demandKey        = "pricing:demand"

	appliedTTL = 48 * time.Hour
	spendTTL   = 48 * time.Hour
	bucketTTL  = 30 * 24 * time.Hour
)

// RedisStore holds the shared redis client for counters and gauges.
type RedisStore struct {
	Client redis.UniversalClient
}

// InitRedis connects to redis and instruments the client for tracing.
func InitRedis(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if err := redisotel.InstrumentTracing(client); err != nil {
		zap.L().Warn("redis tracing instrumentation failed", zap.Error(err))
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return &RedisStore{Client: client}, nil
}

// Close releases the client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}

// IncrBucket adds one play's counters to a performance bucket. The update is
// keyed by deliveryID: replays of the same report are dropped.
func (r *RedisStore) IncrBucket(ctx context.Context, key models.BucketKey, deliveryID string, c models.Counters) (bool, error) {
	ok, err := r.Client.SetNX(ctx, appliedKeyPrefix+deliveryID, 1, appliedTTL).Result()
	if err != nil {
		return false, wrapRedis("mark applied", err)
	}
	if !ok {
		return false, nil
	}

	bucket := bucketKeyPrefix + key.String()
	pipe := r.Client.TxPipeline()
	pipe.HIncrBy(ctx, bucket, "impressions", c.Impressions)
	pipe.HIncrBy(ctx, bucket, "engagements", c.Engagements)
	pipe.HIncrBy(ctx, bucket, "completions", c.Completions)
	pipe.HSet(ctx, bucket, "last_updated", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, bucket, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll back the marker so a retry can apply the counters.
		r.Client.Del(ctx, appliedKeyPrefix+deliveryID)
		return false, wrapRedis("incr bucket", err)
	}
	return true, nil
}

// GetBucket reads one bucket's counters. A missing bucket reads as zero.
func (r *RedisStore) GetBucket(ctx context.Context, key models.BucketKey) (models.Counters, error) {
	vals, err := r.Client.HGetAll(ctx, bucketKeyPrefix+key.String()).Result()
	if err != nil {
		return models.Counters{}, wrapRedis("get bucket", err)
	}
	return parseCounters(vals), nil
}

// SnapshotBuckets reads buckets via SCAN, for prior rebuilds and the
// recompute-priors command. A non-empty campaignID narrows the scan to that
// campaign's keys so one campaign's priors never cost a fleet-wide pass.
func (r *RedisStore) SnapshotBuckets(ctx context.Context, campaignID string) (map[models.BucketKey]models.Counters, error) {
	match := bucketKeyPrefix + "*"
	if campaignID != "" {
		match = bucketKeyPrefix + campaignID + ":*"
	}
	out := make(map[models.BucketKey]models.Counters)
	iter := r.Client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		bk, ok := parseBucketKey(key[len(bucketKeyPrefix):])
		if !ok || (campaignID != "" && bk.CampaignID != campaignID) {
			continue
		}
		vals, err := r.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, wrapRedis("snapshot bucket", err)
		}
		out[bk] = parseCounters(vals)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis("scan buckets", err)
	}
	return out, nil
}

// AddDailySpend adds amount (in cents, to stay integral) to the campaign's
// spend for the UTC day of ts and returns the new total in dollars.
func (r *RedisStore) AddDailySpend(ctx context.Context, campaignID string, ts time.Time, amount float64) (float64, error) {
	key := dailySpendKey(campaignID, ts)
	cents := int64(amount*100 + 0.5)
	total, err := r.Client.IncrBy(ctx, key, cents).Result()
	if err != nil {
		return 0, wrapRedis("add daily spend", err)
	}
	// TTL set on every write; first write wins the real expiry.
	r.Client.Expire(ctx, key, spendTTL)
	return float64(total) / 100, nil
}

// GetDailySpend reads the campaign's accumulated spend for the UTC day of ts.
func (r *RedisStore) GetDailySpend(ctx context.Context, campaignID string, ts time.Time) (float64, error) {
	val, err := r.Client.Get(ctx, dailySpendKey(campaignID, ts)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wrapRedis("get daily spend", err)
	}
	cents, _ := strconv.ParseInt(val, 10, 64)
	return float64(cents) / 100, nil
}

// SetDemandLevel publishes the fleet-wide demand gauge in [0,1].
func (r *RedisStore) SetDemandLevel(ctx context.Context, level float64) error {
	if err := r.Client.Set(ctx, demandKey, strconv.FormatFloat(level, 'f', 4, 64), 0).Err(); err != nil {
		return wrapRedis("set demand", err)
	}
	return nil
}

// GetDemandLevel reads the demand gauge. Missing gauge returns (0, false).
func (r *RedisStore) GetDemandLevel(ctx context.Context) (float64, bool, error) {
	val, err := r.Client.Get(ctx, demandKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapRedis("get demand", err)
	}
	level, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse demand %q: %w", val, models.ErrTransientStorage)
	}
	return level, true, nil
}

// Ping probes the connection and reports the round-trip time.
func (r *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return 0, wrapRedis("ping", err)
	}
	return time.Since(start), nil
}

func dailySpendKey(campaignID string, ts time.Time) string {
	return spendKeyPrefix + campaignID + ":" + ts.UTC().Format("2006-01-02")
}

func parseCounters(vals map[string]string) models.Counters {
	var c models.Counters
	c.Impressions, _ = strconv.ParseInt(vals["impressions"], 10, 64)
	c.Engagements, _ = strconv.ParseInt(vals["engagements"], 10, 64)
	c.Completions, _ = strconv.ParseInt(vals["completions"], 10, 64)
	if ts, err := time.Parse(time.RFC3339, vals["last_updated"]); err == nil {
		c.LastUpdated = ts
	}
	return c
}

// parseBucketKey parses "<campaign>:<class>:<hour>:<dow>". Campaign IDs may
// themselves contain colons, so hour and dow anchor from the right.
func parseBucketKey(s string) (models.BucketKey, bool) {
	parts := splitRight(s, ':', 3)
	if parts == nil {
		return models.BucketKey{}, false
	}
	hour, err1 := strconv.Atoi(parts[2])
	dow, err2 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil {
		return models.BucketKey{}, false
	}
	return models.BucketKey{
		CampaignID:  parts[0],
		DeviceClass: parts[1],
		HourOfDay:   hour,
		DayOfWeek:   dow,
	}, true
}

// splitRight splits s on the last n occurrences of sep, returning n+1 parts.
func splitRight(s string, sep byte, n int) []string {
	parts := make([]string, n+1)
	for i := n; i > 0; i-- {
		idx := -1
		for j := len(s) - 1; j >= 0; j-- {
			if s[j] == sep {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil
		}
		parts[i] = s[idx+1:]
		s = s[:idx]
	}
	parts[0] = s
	return parts
}

func wrapRedis(op string, err error) error {
	return fmt.Errorf("redis %s: %v: %w", op, err, models.ErrTransientStorage)
}
