package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers processed events. Claim reports true the first
// time a key is seen; Release forgets it so a redelivery can be retried.
type ReplayGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisReplayGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisReplayGuard(client *redis.Client, ttl time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: "webhook:seen:", ttl: ttl}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
}

func (g *RedisReplayGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}

// MemoryReplayGuard is the single-process fallback.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryReplayGuard(ttl time.Duration) *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, at := range g.seen {
		if now.Sub(at) > g.ttl {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now
	return true, nil
}

func (g *MemoryReplayGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
	return nil
}
