package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"raffle-core/internal/clock"
)

// Redis is a rolling-window limiter shared by every instance using the
// same Redis. Each call is a member of a sorted set scored by its time.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
	limit  int
	window time.Duration
	prefix string
}

// NewRedis connects to url (redis://...) and returns a limiter allowing
// limit calls per rolling window.
func NewRedis(ctx context.Context, url string, limit int, window time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		client: client,
		clock:  clock.Real(),
		limit:  limit,
		window: window,
		prefix: "raffle:ratelimit:",
	}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := r.clock.Now()
	setKey := r.prefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	cutoff := now.Add(-r.window).UnixMilli()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, setKey, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, setKey)
		pipe.PExpire(ctx, setKey, r.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if card.Val() <= int64(r.limit) {
		return true, 0, nil
	}

	// Over the limit: this call does not count against the window.
	if err := r.client.ZRem(ctx, setKey, member).Err(); err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	oldest, err := r.client.ZRangeWithScores(ctx, setKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return false, r.window, err
	}
	freed := time.UnixMilli(int64(oldest[0].Score)).Add(r.window)
	return false, max(freed.Sub(now), time.Millisecond), nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error { return r.client.Close() }
