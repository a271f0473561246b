package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter blocks until the caller may proceed or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// TokenBucket refills at rate tokens per second up to capacity. It starts
// full.
type TokenBucket struct {
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

type Option func(*TokenBucket)

func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) { tb.now = now }
}

func NewTokenBucket(rate, capacity float64, opts ...Option) *TokenBucket {
	tb := &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(tb)
	}
	tb.lastRefill = tb.now()
	return tb
}

// New returns a TokenBucket for perSecond > 0 and Unlimited otherwise.
func New(perSecond float64, burst int) Limiter {
	if perSecond <= 0 {
		return Unlimited{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewTokenBucket(perSecond, float64(burst))
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// take consumes a token if one is available and otherwise returns how long
// until the next one.
func (tb *TokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.take()
	return ok
}

func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the tokens currently available.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}
