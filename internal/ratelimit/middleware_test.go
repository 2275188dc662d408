package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachconnect/gatewayd/internal/identity"
)

func TestMiddleware_RateLimitScenario(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["limits"] = json.RawMessage(`{"global":{"minute":3,"hour":1000}}`)
		patch["routesInScope"] = json.RawMessage(`["/api/protected"]`)
	})
	defer h.mr.Close()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	gate := h.engine.Middleware(upstream)

	var codes []int
	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, reqFromIP("203.0.113.9"))
		codes = append(codes, rec.Code)
		last = rec
	}

	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
	assert.Equal(t, "minute", last.Header().Get("X-RateLimit-Window"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "ip", last.Header().Get("X-RateLimit-Identity"))

	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestMiddleware_ChallengeDenialHeaders(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["routesInScope"] = json.RawMessage(`["/api/protected"]`)
		patch["challengeEnabled"] = json.RawMessage(`true`)
		patch["challengeRequiredForIp"] = json.RawMessage(`true`)
	})
	defer h.mr.Close()

	h.engine.resolver = identity.NewResolver([]string{identity.StepIP}, nil)

	rec := httptest.NewRecorder()
	h.engine.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached")
	})).ServeHTTP(rec, reqFromIP("198.51.100.1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "required", rec.Header().Get("X-Challenge-Status"))
	assert.Equal(t, "challenge", rec.Header().Get("X-RateLimit-Window"))
}

func TestMiddleware_IPBlockReturns451(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	defer h.mr.Close()

	h.engine.resolver = identity.NewResolver([]string{identity.StepIP}, nil)
	require.NoError(t, h.rules.PutIPRule(context.Background(), IPRule{IP: "10.0.0.7", Kind: IPRuleBlock, Reason: "abuse"}))

	rec := httptest.NewRecorder()
	h.engine.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached")
	})).ServeHTTP(rec, reqFromIP("10.0.0.7"))

	assert.Equal(t, http.StatusUnavailableForLegalReasons, rec.Code)
	assert.Equal(t, "ip-block", rec.Header().Get("X-RateLimit-Window"))
}

func TestMiddleware_DegradedModeHeader(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	h.mr.Close()

	rec := httptest.NewRecorder()
	reached := false
	h.engine.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})).ServeHTTP(rec, reqFromIP("1.2.3.4"))

	assert.True(t, reached)
	assert.Equal(t, "backend-unavailable", rec.Header().Get("X-RateLimit-Error"))
}
