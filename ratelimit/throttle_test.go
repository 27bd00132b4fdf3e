package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleSpacesSameHost(t *testing.T) {
	th := NewThrottle(60*time.Millisecond, 0, time.Minute, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx, "a.test"))
	assert.Less(t, time.Since(start), 30*time.Millisecond, "first request should not wait")

	require.NoError(t, th.Wait(ctx, "a.test"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestThrottleHostsAreIndependent(t *testing.T) {
	th := NewThrottle(time.Second, 0, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx, "a.test"))
	start := time.Now()
	require.NoError(t, th.Wait(ctx, "b.test"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, th.Len())
}

func TestThrottleCancel(t *testing.T) {
	th := NewThrottle(time.Hour, 0, time.Minute, nil)
	require.NoError(t, th.Wait(context.Background(), "a.test"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Wait(ctx, "a.test"))
}

func TestThrottleEvictsIdleHosts(t *testing.T) {
	th := NewThrottle(time.Millisecond, 0, time.Minute, nil)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, th.Wait(ctx, "a.test"))
	require.NoError(t, th.Wait(ctx, "b.test"))
	require.Equal(t, 2, th.Len())

	now = now.Add(2 * time.Minute)
	require.NoError(t, th.Wait(ctx, "c.test"))
	assert.Equal(t, 1, th.Len())
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(Sleep(ctx, time.Hour), context.Canceled))
	assert.NoError(t, Sleep(context.Background(), 0))
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisThrottleLease(t *testing.T) {
	client, mr := setupRedis(t)
	th := NewRedisThrottle(client, 10*time.Second, 0)

	require.NoError(t, th.Wait(context.Background(), "a.test"))
	assert.True(t, mr.Exists(KeyPrefix+"a.test"))

	// Another process holding the lease blocks until it lapses.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.Wait(ctx, "a.test"), context.DeadlineExceeded)

	mr.FastForward(11 * time.Second)
	require.NoError(t, th.Wait(context.Background(), "a.test"))

	// Different host, separate lease.
	require.NoError(t, th.Wait(context.Background(), "b.test"))
}

func TestRedisThrottleUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	th := NewRedisThrottle(client, time.Second, 0)
	assert.Error(t, th.Wait(context.Background(), "a.test"))
}
