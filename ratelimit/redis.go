package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces per-host lease keys.
const KeyPrefix = "throttle:host:"

const minPoll = 10 * time.Millisecond

// RedisThrottle shares per-host spacing between processes. A request takes a
// lease key with SET NX PX; while another process holds the lease, Wait
// polls until the key expires.
type RedisThrottle struct {
	redis  redis.Cmdable
	delay  time.Duration
	jitter time.Duration
}

var _ Limiter = (*RedisThrottle)(nil)

// NewRedisThrottle builds a throttle backed by rdb.
func NewRedisThrottle(rdb redis.Cmdable, delay, jitter time.Duration) *RedisThrottle {
	return &RedisThrottle{redis: rdb, delay: delay, jitter: jitter}
}

// Wait acquires the host lease, waiting for the previous holder's lease to
// lapse.
func (r *RedisThrottle) Wait(ctx context.Context, host string) error {
	key := KeyPrefix + host
	for {
		lease := r.delay
		if r.jitter > 0 {
			lease += time.Duration(rand.Int64N(int64(r.jitter)))
		}
		if lease <= 0 {
			return ctx.Err()
		}

		ok, err := r.redis.SetNX(ctx, key, "1", lease).Result()
		if err != nil {
			return fmt.Errorf("acquire host lease: %w", err)
		}
		if ok {
			return nil
		}

		remaining, err := r.redis.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read host lease: %w", err)
		}
		if remaining < minPoll {
			remaining = minPoll
		}
		if err := Sleep(ctx, remaining); err != nil {
			return err
		}
	}
}
