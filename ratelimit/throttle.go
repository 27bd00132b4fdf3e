// Package ratelimit spaces out requests to the same host. Each source host
// gets its own queue so concurrent work against different hosts never
// shortens the delay seen by any one of them.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-realty-radar/metrics"
)

// Limiter blocks until the next request to host may be sent.
type Limiter interface {
	Wait(ctx context.Context, host string) error
}

// Throttle is an in-process per-host limiter: a fixed minimum delay between
// requests plus uniform random jitter. Hosts idle for longer than the TTL
// are forgotten.
type Throttle struct {
	delay   time.Duration
	jitter  time.Duration
	ttl     time.Duration
	metrics *metrics.Metrics

	mu    sync.Mutex
	hosts map[string]*hostState
	now   func() time.Time
}

type hostState struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

var _ Limiter = (*Throttle)(nil)

// NewThrottle builds a throttle. A zero delay disables the fixed spacing but
// still applies jitter.
func NewThrottle(delay, jitter, ttl time.Duration, m *metrics.Metrics) *Throttle {
	return &Throttle{
		delay:   delay,
		jitter:  jitter,
		ttl:     ttl,
		metrics: m,
		hosts:   make(map[string]*hostState),
		now:     time.Now,
	}
}

// Wait blocks until host's limiter admits a request, then sleeps a random
// jitter. The first request to a host is admitted immediately.
func (t *Throttle) Wait(ctx context.Context, host string) error {
	start := time.Now()
	first, limiter := t.reserve(host)
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if !first {
		if err := Sleep(ctx, t.randomJitter()); err != nil {
			return err
		}
	}
	t.metrics.ObserveThrottle(time.Since(start))
	return nil
}

// Len returns the number of hosts currently tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hosts)
}

func (t *Throttle) reserve(host string) (bool, *rate.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.evictLocked(now)

	state, ok := t.hosts[host]
	if !ok {
		limit := rate.Inf
		if t.delay > 0 {
			limit = rate.Every(t.delay)
		}
		state = &hostState{limiter: rate.NewLimiter(limit, 1)}
		t.hosts[host] = state
	}
	state.lastUsed = now
	return !ok, state.limiter
}

func (t *Throttle) evictLocked(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	for host, state := range t.hosts {
		if now.Sub(state.lastUsed) > t.ttl {
			delete(t.hosts, host)
		}
	}
}

func (t *Throttle) randomJitter() time.Duration {
	if t.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(t.jitter)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
