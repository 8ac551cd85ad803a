// Package ratelimit throttles tool dispatch per session so a runaway or
// compromised client cannot flood the governed repository with writes.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds one session's dispatch rate: Burst requests may land
// immediately, then RequestsPerMinute replenish steadily.
type Policy struct {
	RequestsPerMinute float64
	Burst             int
}

// DefaultPolicy mirrors a conservative default suitable for an
// interactive coding agent: a handful of immediate calls, then a slow
// steady trickle.
func DefaultPolicy() Policy {
	return Policy{RequestsPerMinute: 60, Burst: 10}
}

// Limiter throttles per-session keys against a shared policy.
type Limiter struct {
	mu      sync.Mutex
	policy  Policy
	buckets map[string]*rate.Limiter
}

// New returns a Limiter applying policy uniformly to every session key.
func New(policy Policy) *Limiter {
	return &Limiter{policy: policy, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		perSecond := l.policy.RequestsPerMinute / 60.0
		b = rate.NewLimiter(rate.Limit(perSecond), l.policy.Burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a dispatch for sessionID may proceed right now,
// consuming a token if so.
func (l *Limiter) Allow(sessionID string) bool {
	return l.bucketFor(sessionID).Allow()
}

// RetryAfter estimates how long the caller should wait before its next
// call would succeed, for surfacing in a 429-equivalent error.
func (l *Limiter) RetryAfter(sessionID string) time.Duration {
	b := l.bucketFor(sessionID)
	r := b.Reserve()
	if !r.OK() {
		return time.Minute
	}
	delay := r.Delay()
	r.Cancel()
	return delay
}

// Forget discards a session's bucket, e.g. once its session ends, so
// the map does not grow unboundedly across long server lifetimes.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}
