package ingest

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per API key.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns nil when perSecond <= 0, which allows everything.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) Allow(apiKey string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[apiKey]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[apiKey] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
