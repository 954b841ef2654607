// Package quota enforces per-key rate windows and daily/monthly quotas.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// CounterStore increments per-window counters. Implementations must be safe
// for concurrent use and must make the increment atomic.
type CounterStore interface {
	// Incr adds one to identity's counter for the window of the given length
	// starting at windowStart and returns the new value. Counters need not
	// outlive their window.
	Incr(ctx context.Context, identity string, windowStart time.Time, window time.Duration) (int64, error)
}

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter over a CounterStore.
type Limiter struct {
	counters CounterStore
}

// NewLimiter creates a limiter backed by counters.
func NewLimiter(counters CounterStore) *Limiter {
	return &Limiter{counters: counters}
}

// Allow counts one request for identity in the window containing now.
// limit+burst requests are admitted per window; limit <= 0 means unlimited.
// Rejections carry the time left in the current window, at least one second
// and never more than the window.
func (l *Limiter) Allow(ctx context.Context, identity string, limit, burst int, window time.Duration, now time.Time) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if burst < 0 {
		burst = 0
	}
	capacity := limit + burst

	bucket := now.UnixNano() / int64(window)
	windowStart := time.Unix(0, bucket*int64(window)).UTC()
	n, err := l.counters.Incr(ctx, identity, windowStart, window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate counter: %w", err)
	}

	d := Decision{Limit: capacity, Remaining: capacity - int(n)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if int(n) <= capacity {
		d.Allowed = true
		return d, nil
	}

	d.RetryAfter = windowStart.Add(window).Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	if d.RetryAfter > window {
		d.RetryAfter = window
	}
	return d, nil
}

// KeyIdentity is the limiter identity of an API key.
func KeyIdentity(keyID int64) string {
	return "key:" + strconv.FormatInt(keyID, 10)
}

// EndpointIdentity is the limiter identity for an endpoint-level limit.
func EndpointIdentity(endpointID, keyID int64) string {
	return "endpoint:" + strconv.FormatInt(endpointID, 10) + ":key:" + strconv.FormatInt(keyID, 10)
}
