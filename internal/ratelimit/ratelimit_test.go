package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(NewMemoryStore(clock.Now), zap.NewNop())
	rl.now = clock.Now
	return rl, clock
}

type brokenStore struct{}

func (brokenStore) Hit(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func TestCheck_RemainingCountsDown(t *testing.T) {
	rl, _ := newMemoryLimiter()
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		res := rl.Check(ctx, "k", 3, time.Minute)
		require.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	res := rl.Check(ctx, "k", 3, time.Minute)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_WindowResets(t *testing.T) {
	rl, clock := newMemoryLimiter()
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "k", 1, time.Minute).Allowed)
	blocked := rl.Check(ctx, "k", 1, time.Minute)
	assert.False(t, blocked.Allowed)
	assert.Equal(t, time.Minute, blocked.RetryAfter(clock.Now()))

	clock.Advance(time.Minute)
	res := rl.Check(ctx, "k", 1, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	rl, _ := newMemoryLimiter()
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "a", 1, time.Minute).Allowed)
	assert.False(t, rl.Check(ctx, "a", 1, time.Minute).Allowed)
	assert.True(t, rl.Check(ctx, "b", 1, time.Minute).Allowed)
}

func TestCheck_DisabledLimit(t *testing.T) {
	rl := NewRateLimiter(brokenStore{}, zap.NewNop())
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Check(context.Background(), "k", 0, time.Minute).Allowed)
	}
}

func TestCheck_FailsOpen(t *testing.T) {
	rl := NewRateLimiter(brokenStore{}, zap.NewNop())
	res := rl.Check(context.Background(), "k", 5, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}

func TestCheckTenant_MinuteRejectionDoesNotConsumeDay(t *testing.T) {
	rl, clock := newMemoryLimiter()
	ctx := context.Background()
	tier := Tier{Name: "tiny", PerMinute: 2, PerDay: 3}

	assert.True(t, rl.CheckTenant(ctx, "t1", tier).Allowed)
	assert.True(t, rl.CheckTenant(ctx, "t1", tier).Allowed)
	assert.False(t, rl.CheckTenant(ctx, "t1", tier).Allowed)
	assert.False(t, rl.CheckTenant(ctx, "t1", tier).Allowed)

	clock.Advance(time.Minute)
	res := rl.CheckTenant(ctx, "t1", tier)
	require.True(t, res.Allowed, "day window should still have one request left")
	assert.Equal(t, 0, res.Remaining)

	assert.False(t, rl.CheckTenant(ctx, "t1", tier).Allowed)
}

func TestResolveTier(t *testing.T) {
	fallback := Tier{Name: "standard", PerMinute: 10, PerDay: 1000}

	assert.Equal(t, 60, ResolveTier("pro", fallback).PerMinute)
	assert.Equal(t, 100, ResolveTier("free", fallback).PerDay)
	assert.Equal(t, fallback, ResolveTier("standard", fallback))
	assert.Equal(t, fallback, ResolveTier("unknown", fallback))
}

func TestProperty_LimitPlusOneRejectsExactlyOnce(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("limit+1 requests in one window yield exactly one rejection", prop.ForAll(
		func(limit int) bool {
			rl, clock := newMemoryLimiter()
			ctx := context.Background()

			rejected := 0
			for i := 0; i < limit+1; i++ {
				if !rl.Check(ctx, "p", limit, time.Minute).Allowed {
					rejected++
				}
			}
			if rejected != 1 {
				return false
			}

			clock.Advance(time.Minute)
			return rl.Check(ctx, "p", limit, time.Minute).Allowed
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_RemainingNeverNegative(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("remaining stays within [0, limit)", prop.ForAll(
		func(limit, hits int) bool {
			rl, _ := newMemoryLimiter()
			for i := 0; i < hits; i++ {
				res := rl.Check(context.Background(), "p", limit, time.Minute)
				if res.Remaining < 0 || res.Remaining >= limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

// concurrentChecks runs n Checks on one key at once and asserts that exactly
// limit are allowed and that no increment was lost.
func concurrentChecks(t *testing.T, store Store, n, limit int) {
	t.Helper()
	rl := NewRateLimiter(store, zap.NewNop())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.Check(ctx, "burst", limit, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, limit, allowed)
	count, _, err := store.Hit(ctx, "burst", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), count, "every concurrent hit was counted")
}

func TestMemoryStore_ConcurrentHits(t *testing.T) {
	concurrentChecks(t, NewMemoryStore(nil), 200, 25)
}

func TestRedisStore_ConcurrentHits(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 20})
	t.Cleanup(func() { _ = client.Close() })

	concurrentChecks(t, NewRedisStore(client), 100, 25)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRateLimiter(NewRedisStore(client), zap.NewNop())
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "tenant:t1:minute", 2, time.Minute).Allowed)
	assert.True(t, rl.Check(ctx, "tenant:t1:minute", 2, time.Minute).Allowed)
	assert.False(t, rl.Check(ctx, "tenant:t1:minute", 2, time.Minute).Allowed)

	ttl := mr.TTL("ratelimit:tenant:t1:minute")
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl %s", ttl)

	mr.FastForward(time.Minute + time.Second)
	res := rl.Check(ctx, "tenant:t1:minute", 2, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rl := NewRateLimiter(NewRedisStore(client), zap.NewNop())
	assert.True(t, rl.Check(context.Background(), "k", 1, time.Minute).Allowed)
	assert.True(t, rl.Check(context.Background(), "k", 1, time.Minute).Allowed)
}

type fakeWindowDB struct {
	calls []string
}

func (f *fakeWindowDB) HitRateLimit(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	f.calls = append(f.calls, key)
	return int64(len(f.calls)), time.Now().Add(window), nil
}

func TestPostgresStore_Delegates(t *testing.T) {
	fake := &fakeWindowDB{}
	rl := NewRateLimiter(NewPostgresStore(fake), zap.NewNop())

	assert.True(t, rl.Check(context.Background(), "k", 1, time.Minute).Allowed)
	assert.False(t, rl.Check(context.Background(), "k", 1, time.Minute).Allowed)
	assert.Equal(t, []string{"k", "k"}, fake.calls)
}
