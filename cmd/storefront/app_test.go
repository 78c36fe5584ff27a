package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/config"
	"github.com/zyndor1548/storefront-payments/internal/ratelimit"
)

func TestAdmissionAndProviderLimitersAreIndependent(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{
		Window:    time.Minute,
		MaxGlobal: 10,
		MaxUser:   10,
		MaxStore:  2,
	}}
	ctx := context.Background()
	key := ratelimit.StoreKey("store-1")

	check := func(t *testing.T, a *app) {
		providerSide := a.buildLimiter("ratelimit")
		ingress := a.buildLimiter("ratelimit:http")
		t.Cleanup(a.close)

		for i := 0; i < 2; i++ {
			d, err := ingress.Admit(ctx, key)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := ingress.Admit(ctx, key)
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		remaining, err := providerSide.Remaining(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, remaining)
	}

	t.Run("memory", func(t *testing.T) {
		check(t, &app{cfg: cfg})
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		check(t, &app{cfg: cfg, redis: client})
	})
}
