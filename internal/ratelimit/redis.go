package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"provenance/internal/config"
)

// RedisAuthorizer shares window counters and the spend ledger across workers
// through a Redis instance. Conflicts resolve via atomic INCR/INCRBY.
type RedisAuthorizer struct {
	rateCfg  config.RateLimitConfig
	dailyCap int64
	client   *redis.Client

	now func() time.Time
}

func NewRedisAuthorizer(rateCfg config.RateLimitConfig, dailyCapPoints int, client *redis.Client) *RedisAuthorizer {
	return &RedisAuthorizer{
		rateCfg:  rateCfg,
		dailyCap: int64(dailyCapPoints),
		client:   client,
		now:      time.Now,
	}
}

func (a *RedisAuthorizer) Authorize(ctx context.Context, clientID, bucket string, costPoints int) (Decision, error) {
	now := a.now()
	bucketCfg := a.rateCfg.Bucket(bucket)
	start := windowStart(now, bucketCfg.WindowSeconds)
	windowKey := fmt.Sprintf("rl:%s:%s:%d", clientID, bucket, start)

	hits, err := a.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if hits == 1 {
		ttl := time.Duration(bucketCfg.WindowSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Minute
		}
		a.client.Expire(ctx, windowKey, ttl)
	}
	if hits > int64(bucketCfg.Requests) {
		return Decision{
			OK:         false,
			Reason:     ReasonRateLimited,
			RetryAfter: retryAfter(now, bucketCfg.WindowSeconds),
			Cost:       costPoints,
			Limit:      bucketCfg.Requests,
		}, nil
	}

	ledgerKey := fmt.Sprintf("spend:%s:%s", clientID, dayKey(now))
	used, err := a.client.IncrBy(ctx, ledgerKey, int64(costPoints)).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("spend incr: %w", err)
	}
	if used == int64(costPoints) {
		a.client.Expire(ctx, ledgerKey, 48*time.Hour)
	}
	if used > a.dailyCap {
		// Roll the debit back; the window hit stands.
		a.client.DecrBy(ctx, ledgerKey, int64(costPoints))
		return Decision{
			OK:         false,
			Reason:     ReasonSpendCapExceeded,
			RetryAfter: untilNextDay(now),
			Cost:       costPoints,
			DayUsed:    used - int64(costPoints),
			Limit:      bucketCfg.Requests,
		}, nil
	}

	return Decision{
		OK:      true,
		Cost:    costPoints,
		DayUsed: used,
		Limit:   bucketCfg.Requests,
	}, nil
}

func (a *RedisAuthorizer) Reset(ctx context.Context, clientID string) error {
	patterns := []string{
		fmt.Sprintf("rl:%s:*", clientID),
		fmt.Sprintf("spend:%s:*", clientID),
	}
	for _, pattern := range patterns {
		iter := a.client.Scan(ctx, 0, pattern, 200).Iterator()
		for iter.Next(ctx) {
			if err := a.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}
