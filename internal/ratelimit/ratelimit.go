// Package ratelimit implements the Rate Limiter (C5): a token bucket per
// (scope, identity), consulted twice per request (per_minute and per_hour),
// admitting only when both buckets have at least one token.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Scope names the two bucket kinds consulted per request.
type Scope string

const (
	ScopePerMinute Scope = "per_minute"
	ScopePerHour   Scope = "per_hour"
)

// Config carries the capacities and refill rates for both scopes.
type Config struct {
	PerMinute   int
	PerHour     int
	Burst       int
	Distributed bool
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces the token-bucket policy. In-memory mode keeps exact
// fractional-token state per key; distributed mode approximates the same
// policy using KVStore's atomic_incr_with_expiry, which can only count
// whole requests per fixed window rather than track fractional refill —
// an accepted approximation for the cross-instance case (§4.5).
type Limiter struct {
	cfg Config
	kv  store.KVStore // nil in pure in-memory mode

	mu      sync.Mutex
	buckets map[string]*bucket

	logger *logger.Logger
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New constructs a Limiter. When cfg.Distributed is true and kv is non-nil,
// checks consult kv; otherwise the limiter runs purely in-memory.
func New(cfg Config, kv store.KVStore, log *logger.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		kv:      kv,
		buckets: make(map[string]*bucket),
		logger:  log,
	}
}

// Allow checks both the per_minute and per_hour buckets for identity and
// reports whether the request is admitted. On denial, RetryAfter is the
// time until the most-constrained bucket would next have a token.
func (l *Limiter) Allow(ctx context.Context, identity string) Decision {
	if l.cfg.Distributed && l.kv != nil {
		return l.allowDistributed(ctx, identity)
	}
	return l.allowInMemory(identity)
}

func (l *Limiter) allowInMemory(identity string) Decision {
	minuteKey := string(ScopePerMinute) + ":" + identity
	hourKey := string(ScopePerHour) + ":" + identity

	// Capacity is the burst allowance, independent of the steady refill rate:
	// a client can spend up to Burst tokens immediately, then refills at
	// PerMinute/PerHour per their respective window.
	minuteBucket := l.getBucket(minuteKey, float64(l.cfg.Burst), float64(l.cfg.PerMinute)/60.0)
	hourBucket := l.getBucket(hourKey, float64(l.cfg.Burst), float64(l.cfg.PerHour)/3600.0)

	minuteOK, minuteRetry := minuteBucket.tryConsume()
	hourOK, hourRetry := hourBucket.tryConsume()

	if minuteOK && hourOK {
		return Decision{Allowed: true}
	}

	// A denial on either bucket refunds the token taken from the other, so a
	// rejected request never drains capacity it wasn't allowed to use.
	if minuteOK && !hourOK {
		minuteBucket.refund()
	}
	if hourOK && !minuteOK {
		hourBucket.refund()
	}

	retryAfter := minuteRetry
	if hourRetry > retryAfter {
		retryAfter = hourRetry
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (l *Limiter) getBucket(key string, capacity, refillRate float64) *bucket {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, capacity: capacity, refillRate: refillRate, lastRefill: time.Now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b
}

func (b *bucket) tryConsume() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit/b.refillRate*1000) * time.Millisecond
	return false, retryAfter
}

func (b *bucket) refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens++
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// allowDistributed fails open when the backing store is unavailable —
// a dependency outage must never lock out legitimate traffic (§4.5).
func (l *Limiter) allowDistributed(ctx context.Context, identity string) Decision {
	minuteCount, minuteErr := l.kv.AtomicIncrWithExpiry(ctx, fmt.Sprintf("rate:%s:%s:minute", ScopePerMinute, identity), time.Minute)
	hourCount, hourErr := l.kv.AtomicIncrWithExpiry(ctx, fmt.Sprintf("rate:%s:%s:hour", ScopePerHour, identity), time.Hour)

	if minuteErr != nil || hourErr != nil {
		l.logger.Sugar().Warnw("rate limiter backing store unavailable, failing open",
			"identity", identity, "minute_error", minuteErr, "hour_error", hourErr)
		return Decision{Allowed: true}
	}

	// PerMinute/PerHour fix each window's length (the refill-rate basis);
	// Burst is the capacity enforced within it, matching the in-memory path.
	if int(minuteCount) > l.cfg.Burst {
		return Decision{Allowed: false, RetryAfter: time.Minute}
	}
	if int(hourCount) > l.cfg.Burst {
		return Decision{Allowed: false, RetryAfter: time.Hour}
	}
	return Decision{Allowed: true}
}
