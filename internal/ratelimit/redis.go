package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// RedisWindow is the shared sliding-window limiter for multi-instance
// deployments. Each identifier is a sorted set of request timestamps.
type RedisWindow struct {
	client *redis.Client
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

// NewRedisWindow creates a limiter backed by client.
func NewRedisWindow(client *redis.Client, prefix string, window time.Duration, max int) *RedisWindow {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisWindow{
		client: client,
		prefix: prefix,
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// WithClock swaps the time source. Tests only.
func (rw *RedisWindow) WithClock(now func() time.Time) *RedisWindow {
	rw.now = now
	return rw
}

func (rw *RedisWindow) key(id string) string {
	return fmt.Sprintf("%s:%s", rw.prefix, id)
}

// Admit counts live entries under WATCH, then prunes and records inside
// one MULTI so concurrent admits cannot both take the last free slot.
func (rw *RedisWindow) Admit(ctx context.Context, id string) (Decision, error) {
	key := rw.key(id)

	var decision Decision
	admit := func(tx *redis.Tx) error {
		now := rw.now()
		cutoff := strconv.FormatInt(now.Add(-rw.window).UnixMilli(), 10)

		count, err := tx.ZCount(ctx, key, "("+cutoff, "+inf").Result()
		if err != nil {
			return err
		}

		if int(count) >= rw.max {
			resetIn, err := rw.oldestReset(ctx, tx, key, cutoff, now)
			if err != nil {
				return err
			}
			decision = Decision{Allowed: false, ResetIn: resetIn, Limit: rw.max}
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
			pipe.PExpire(ctx, key, rw.window)
			return nil
		})
		if err != nil {
			return err
		}
		decision = Decision{Allowed: true, Remaining: rw.max - int(count) - 1, Limit: rw.max}
		return nil
	}

	var err error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = rw.client.Watch(ctx, admit, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return Decision{}, fmt.Errorf("redis admit %s: %w", id, err)
	}
	return decision, nil
}

// Remaining counts live entries without recording anything.
func (rw *RedisWindow) Remaining(ctx context.Context, id string) (int, error) {
	cutoff := rw.now().Add(-rw.window).UnixMilli()
	count, err := rw.client.ZCount(ctx, rw.key(id), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis remaining %s: %w", id, err)
	}
	if r := rw.max - int(count); r > 0 {
		return r, nil
	}
	return 0, nil
}

// TimeUntilReset is how long until the oldest live entry expires.
func (rw *RedisWindow) TimeUntilReset(ctx context.Context, id string) (time.Duration, error) {
	now := rw.now()
	cutoff := now.Add(-rw.window).UnixMilli()
	entries, err := rw.client.ZRangeByScoreWithScores(ctx, rw.key(id), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cutoff, 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis reset %s: %w", id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return rw.resetFromScore(entries[0].Score, now), nil
}

func (rw *RedisWindow) oldestReset(ctx context.Context, tx *redis.Tx, key, cutoff string, now time.Time) (time.Duration, error) {
	entries, err := tx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf", Count: 1}).Result()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return rw.resetFromScore(entries[0].Score, now), nil
}

func (rw *RedisWindow) resetFromScore(score float64, now time.Time) time.Duration {
	oldest := time.UnixMilli(int64(score))
	d := oldest.Add(rw.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Reset deletes every window under the prefix. Tests only.
func (rw *RedisWindow) Reset(ctx context.Context) error {
	iter := rw.client.Scan(ctx, 0, rw.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rw.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
