// Package ratelimit throttles password attempts per identifier.
//
// Each key owns a token bucket persisted in KVS, so limits hold across
// processes sharing a Redis or LevelDB backend.
package ratelimit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// Limiter is a token bucket rate limiter backed by KVS.
type Limiter struct {
	kvs      kvs.Store
	rate     int // attempts per interval
	interval time.Duration
	now      func() time.Time
}

type bucket struct {
	Tokens     int       `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// NewLimiter allows rate attempts per interval for each key.
func NewLimiter(rate int, interval time.Duration, store kvs.Store) *Limiter {
	return &Limiter{
		kvs:      store,
		rate:     rate,
		interval: interval,
		now:      time.Now,
	}
}

// Key normalizes an identifier so "Alice@x" and "alice@x " share a bucket.
func Key(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Allow consumes one attempt for key.
// KVS failures let the request through rather than locking everyone out.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.rate <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	now := l.now()
	b := bucket{Tokens: l.rate, LastRefill: now}

	if data, err := l.kvs.Get(ctx, key); err == nil {
		var stored bucket
		if json.Unmarshal(data, &stored) == nil {
			b = stored
		}
	}

	if elapsed := now.Sub(b.LastRefill); elapsed >= l.interval {
		b.Tokens = l.rate
		b.LastRefill = b.LastRefill.Add(elapsed.Truncate(l.interval))
	}

	if b.Tokens <= 0 {
		return false
	}
	b.Tokens--

	if data, err := json.Marshal(b); err == nil {
		// idle buckets disappear on their own once fully refilled
		_ = l.kvs.Set(ctx, key, data, 2*l.interval)
	}
	return true
}

// Reset clears the bucket for key, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = l.kvs.Delete(ctx, key)
}
