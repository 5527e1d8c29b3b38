package edge

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter grants each key its own token bucket, replacing the teacher's
// hand-rolled per-key limiter with golang.org/x/time/rate. requireAuth keys
// it by the raw Authorization header value, before the token is verified.
// Buckets are created lazily and never evicted, so one bucket is kept per
// distinct header value seen.
type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
