package gateway

import (
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ipLimiter keeps a token bucket per client IP. The least recently seen IPs
// are evicted once size is reached, which bounds memory without a cleanup
// goroutine.
type ipLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newIPLimiter(perMinute float64, burst, size int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 5
	}
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &ipLimiter{
		buckets: cache,
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.buckets.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(ip, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// ipRateLimitMiddleware rejects requests from IPs over their budget.
func ipRateLimitMiddleware(l *ipLimiter, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
