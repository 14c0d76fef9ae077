package transport

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// Limits bound what one websocket client may have outstanding.
type Limits struct {
	RequestsPerMinute int
	MaxConcurrent     int
}

// DefaultLimits are applied when a server is configured without limits.
var DefaultLimits = Limits{RequestsPerMinute: 600, MaxConcurrent: 16}

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu         sync.Mutex
	limits     Limits
	requests   []time.Time
	concurrent int
	now        func() time.Time
}

func (l Limits) withDefaults() Limits {
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = DefaultLimits.RequestsPerMinute
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = DefaultLimits.MaxConcurrent
	}
	return l
}

// NewClientRateLimiter creates a rate limiter; zero fields fall back to DefaultLimits.
func NewClientRateLimiter(limits Limits) *ClientRateLimiter {
	return &ClientRateLimiter{limits: limits.withDefaults(), now: time.Now}
}

// prune drops requests older than one minute. Caller holds mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

// Acquire admits one request or says why not. Every successful Acquire must be
// paired with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.limits.MaxConcurrent {
		return ErrTooManyConcurrent
	}
	r.prune()
	if len(r.requests) >= r.limits.RequestsPerMinute {
		return ErrRateLimited
	}
	r.requests = append(r.requests, r.now())
	r.concurrent++
	return nil
}

// Release ends a request admitted by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// UpdateLimits swaps the limits. Requests already admitted are not revoked.
func (r *ClientRateLimiter) UpdateLimits(limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limits = limits.withDefaults()
}

// GetStats returns requests in the current window and requests in flight.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.requests), r.concurrent
}
