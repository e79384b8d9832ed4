package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client token bucket over the HTTP surface.
// Clients are keyed by the asserted account when present, falling back to the
// remote address.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute float64
	burst     int
	visitors  map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing perMinute requests with the given
// burst per client. A non-positive rate disables limiting.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

// Middleware wraps next with the rate limit check.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if rl == nil || rl.perMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !rl.obtain(clientID(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (rl *RateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.visitors[id]
	if !ok {
		perSecond := rl.perMinute / 60.0
		burst := rl.burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		rl.visitors[id] = limiter
	}
	return limiter
}

func clientID(req *http.Request) string {
	if account := strings.TrimSpace(req.Header.Get(accountHeader)); account != "" {
		return account
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
