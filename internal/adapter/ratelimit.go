package adapter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-client token bucket. Buckets idle for a full window
// are forgotten.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows requests per window for each key. A non-positive
// requests disables limiting.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		limiters: cache.New(window, window),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
	}
}

// Allow reports whether key may start another request now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limiters == nil {
		return true
	}
	r.mu.Lock()
	var l *rate.Limiter
	if v, ok := r.limiters.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(r.limit, r.burst)
	}
	r.limiters.Set(key, l, cache.DefaultExpiration)
	r.mu.Unlock()
	return l.Allow()
}

// clientKey identifies the caller for rate limiting. chi's RealIP middleware
// has already folded proxy headers into RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
