// Package quota implements the token bucket rate limiting used at
// every quota enforcement point the server has: WebSocket connect
// (per app, per remote IP), client-event send (per socket), and HTTP
// control API calls (per app).
//
// Each bucket is identified by (app_id, category, identifier) and is
// backed by golang.org/x/time/rate.Limiter, keyed and cleaned up the
// same way a sharded per-IP/per-user rate limiter would be: a
// concurrent map protected by a mutex with periodic eviction so that
// long-lived processes don't accumulate one limiter per transient
// identifier forever.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category distinguishes what a bucket is limiting, so the same
// identifier (e.g. an app_id) can carry independent buckets for
// different concerns.
type Category string

const (
	CategoryConnect     Category = "connect"
	CategoryClientEvent Category = "client_event"
	CategoryHTTPAPI     Category = "http_api"
)

type bucketKey struct {
	appID      string
	category   Category
	identifier string
}

// Limiter manages token buckets across an arbitrary number of
// identifiers. capacity is the bucket size; window determines the
// refill rate as capacity/window.Seconds() tokens per second,
// refilled lazily by the underlying rate.Limiter on each access.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*entry
	cleanup  time.Duration
	lastSwept time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewLimiter creates an empty bucket set. sweepEvery bounds how often
// stale buckets (untouched for 2x sweepEvery) are evicted; pass 0 to
// disable sweeping (suitable for tests).
func NewLimiter(sweepEvery time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[bucketKey]*entry),
		cleanup: sweepEvery,
		lastSwept: time.Now(),
	}
}

// Rejection is returned by Consume when a bucket has insufficient
// tokens. RetryAfter is the duration until enough tokens will have
// refilled to satisfy the request.
type Rejection struct {
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return "quota: rate limited, retry after " + r.RetryAfter.String()
}

// Consume attempts to take n tokens from the bucket identified by
// (appID, category, identifier), creating it on first use with the
// given capacity and window. It returns nil on success or a
// *Rejection carrying RetryAfter on failure.
func (l *Limiter) Consume(appID string, category Category, identifier string, capacity int, window time.Duration, n int) error {
	lim := l.getOrCreate(appID, category, identifier, capacity, window)

	now := time.Now()
	res := lim.ReserveN(now, n)
	if !res.OK() {
		return &Rejection{RetryAfter: 0}
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return &Rejection{RetryAfter: delay}
	}
	return nil
}

func (l *Limiter) getOrCreate(appID string, category Category, identifier string, capacity int, window time.Duration) *rate.Limiter {
	key := bucketKey{appID: appID, category: category, identifier: identifier}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cleanup > 0 && time.Since(l.lastSwept) > l.cleanup {
		l.sweepLocked()
	}

	e, ok := l.buckets[key]
	if !ok {
		refillPerSecond := float64(capacity) / window.Seconds()
		e = &entry{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
		l.buckets[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter
}

func (l *Limiter) sweepLocked() {
	cutoff := time.Now().Add(-2 * l.cleanup)
	for k, e := range l.buckets {
		if e.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.lastSwept = time.Now()
}
