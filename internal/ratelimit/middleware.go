package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coachconnect/gatewayd/internal/metrics"
)

// Middleware wraps next with the Rate Limit Engine's Check, writing the
// documented headers on every decision and short-circuiting denials with
// the appropriate status code.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	reg := metrics.Get()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := e.Check(r)
		writeHeaders(w, decision)

		if decision.BackendError {
			reg.DegradedActivations.Inc()
		}

		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		reg.Denials.WithLabelValues(string(decision.Result)).Inc()

		w.Header().Set("Content-Type", "application/json")
		switch decision.Result {
		case ResultIPBlocked:
			w.WriteHeader(http.StatusUnavailableForLegalReasons)
			_, _ = w.Write([]byte(`{"error":"ip_blocked"}`))
		case ResultChallenge:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"challenge_required"}`))
		case ResultMisconfigured:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"backend_misconfigured"}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
		}
	})
}

func writeHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()

	switch d.Result {
	case ResultDisabled:
		h.Set("X-RateLimit-Bypass", "disabled")
		return
	case ResultOutOfScope:
		h.Set("X-RateLimit-Bypass", "out-of-scope")
		return
	case ResultMisconfigured:
		h.Set("X-RateLimit-Error", "backend-misconfigured")
		return
	}

	if d.BackendError {
		h.Set("X-RateLimit-Error", "backend-unavailable")
	}

	if d.IdentityKind != "" {
		h.Set("X-RateLimit-Identity", string(d.IdentityKind))
	}

	if d.ChallengeState != "" {
		h.Set("X-Challenge-Status", d.ChallengeState)
	}

	if d.Window != "" {
		h.Set("X-RateLimit-Window", string(d.Window))
	}

	if d.Limit > 0 || d.Result == ResultAllowed {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}

	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}

	if !d.Allowed {
		switch d.Result {
		case ResultWindowExceeded:
			retryAfter := time.Until(d.ResetAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			h.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}
	}
}
