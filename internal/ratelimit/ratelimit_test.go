package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestWindowDeniesNPlusOne(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindow(time.Minute, 3).WithClock(clock.now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := w.Admit(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "admit %d", i)
	}

	d, err := w.Admit(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.ResetIn)

	other, err := w.Admit(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestWindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindow(time.Minute, 2).WithClock(clock.now)
	ctx := context.Background()

	_, _ = w.Admit(ctx, "global")
	clock.advance(30 * time.Second)
	_, _ = w.Admit(ctx, "global")

	remaining, _ := w.Remaining(ctx, "global")
	assert.Equal(t, 0, remaining)

	reset, _ := w.TimeUntilReset(ctx, "global")
	assert.Equal(t, 30*time.Second, reset)

	clock.advance(31 * time.Second)
	remaining, _ = w.Remaining(ctx, "global")
	assert.Equal(t, 1, remaining)

	d, _ := w.Admit(ctx, "global")
	assert.True(t, d.Allowed)
}

func TestQueriesDoNotConsume(t *testing.T) {
	w := NewWindow(time.Minute, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r, _ := w.Remaining(ctx, "x")
		assert.Equal(t, 1, r)
	}
	d, _ := w.Admit(ctx, "x")
	assert.True(t, d.Allowed)
}

func TestCompactionEvictsEmptyWindows(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindow(time.Second, 5).WithClock(clock.now)
	ctx := context.Background()

	_, _ = w.Admit(ctx, "a")
	_, _ = w.Admit(ctx, "b")
	assert.Equal(t, 2, w.Len())

	clock.advance(2 * time.Second)
	assert.Equal(t, 2, w.Compact())
	assert.Equal(t, 0, w.Len())
}

func TestStartStopCompaction(t *testing.T) {
	w := NewWindow(time.Millisecond, 5)
	w.StartCompaction(time.Millisecond)
	_, _ = w.Admit(context.Background(), "a")

	assert.Eventually(t, func() bool { return w.Len() == 0 }, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestReset(t *testing.T) {
	w := NewWindow(time.Minute, 1)
	ctx := context.Background()
	_, _ = w.Admit(ctx, "a")
	w.Reset()
	d, _ := w.Admit(ctx, "a")
	assert.True(t, d.Allowed)
}

func TestSetRoutesByPrefix(t *testing.T) {
	set := &Set{
		Global:   NewWindow(time.Minute, 100),
		PerUser:  NewWindow(time.Minute, 1),
		PerStore: NewWindow(time.Minute, 2),
	}
	ctx := context.Background()

	d, _ := set.Admit(ctx, UserKey("u1"))
	assert.True(t, d.Allowed)
	d, _ = set.Admit(ctx, UserKey("u1"))
	assert.False(t, d.Allowed)

	r, _ := set.Remaining(ctx, StoreKey("s1"))
	assert.Equal(t, 2, r)
	r, _ = set.Remaining(ctx, GlobalKey)
	assert.Equal(t, 100, r)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisWindow(t *testing.T) {
	client := newRedis(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rw := NewRedisWindow(client, "rl", time.Minute, 2).WithClock(clock.now)
	ctx := context.Background()

	d, err := rw.Admit(ctx, "store:s1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	clock.advance(10 * time.Second)
	d, err = rw.Admit(ctx, "store:s1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rw.Admit(ctx, "store:s1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 50*time.Second, d.ResetIn)

	reset, err := rw.TimeUntilReset(ctx, "store:s1")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Second, reset)

	clock.advance(51 * time.Second)
	r, err := rw.Remaining(ctx, "store:s1")
	require.NoError(t, err)
	assert.Equal(t, 1, r)

	require.NoError(t, rw.Reset(ctx))
	r, err = rw.Remaining(ctx, "store:s1")
	require.NoError(t, err)
	assert.Equal(t, 2, r)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewWindow(time.Minute, 1), nil, logging.Discard()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}
