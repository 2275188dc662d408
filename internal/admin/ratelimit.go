package admin

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachconnect/gatewayd/internal/identity"
)

// clientLimiter applies an in-process token-bucket limit per client to
// the Admin Surface. Admin routes bypass the gate's Counter-Store-backed
// engine entirely, so this local limiter is their only throttle.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newClientLimiter(requestsPerMinute, burst int) *clientLimiter {
	cl := &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			cl.cleanup()
		}
	}()

	return cl
}

func (cl *clientLimiter) get(clientID string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	limiter, ok := cl.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(cl.rate, cl.burst)
		cl.limiters[clientID] = limiter
	}
	return limiter
}

// cleanup removes limiters whose bucket is full (no recent activity).
func (cl *clientLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for key, limiter := range cl.limiters {
		if limiter.TokensAt(now) == float64(cl.burst) {
			delete(cl.limiters, key)
		}
	}
}

func (cl *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := identity.NormalizeIP(identity.ExtractClientIP(r))
		if !cl.get(clientID).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many admin requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
