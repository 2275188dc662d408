package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/ratelimit"
)

type adminHarness struct {
	surface *Surface
	router  http.Handler
	store   counterstore.Store
	cfg     *gateconfig.Provider
	mr      *miniredis.Miniredis
}

func setupAdmin(t *testing.T) *adminHarness {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := counterstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg, err := gateconfig.New("", store, nil)
	require.NoError(t, err)

	surface := New(cfg, store, ratelimit.NewRuleStore(store), true, nil)
	return &adminHarness{surface: surface, router: surface.Router(), store: store, cfg: cfg, mr: mr}
}

func (h *adminHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Health(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["counter_store"])
	assert.Equal(t, true, body["challenge_configured"])
}

func TestAdmin_Health_StoreDown(t *testing.T) {
	h := setupAdmin(t)
	h.mr.Close()

	rec := h.do(t, http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_OverlayWrite_CanonicalForm(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPut, "/admin/config/overlay", `{"limits":{"global":{"minute":1}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	limit, ok := h.cfg.CurrentConfig().GlobalLimits.Limit(gateconfig.WindowMinute)
	require.True(t, ok)
	assert.Equal(t, 1, limit)
}

func TestAdmin_OverlayWrite_UIForm(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPut, "/admin/config/overlay", `{"global":{"minute":7},"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := h.cfg.CurrentConfig()
	limit, _ := cfg.GlobalLimits.Limit(gateconfig.WindowMinute)
	assert.Equal(t, 7, limit)
	assert.False(t, cfg.RateLimitingEnabled)
}

func TestAdmin_OverlayWrite_RejectsNegativeLimit(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPut, "/admin/config/overlay", `{"limits":{"global":{"minute":-5}}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"]["code"])
}

func TestAdmin_OverlayWrite_RejectsUnknownKey(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPut, "/admin/config/overlay", `{"bogus":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_OverlayRead(t *testing.T) {
	h := setupAdmin(t)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/admin/config/overlay", `{"limits":{"global":{"hour":99}}}`).Code)

	rec := h.do(t, http.MethodGet, "/admin/config/overlay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hour":99`)
}

func TestAdmin_MergedConfigRead(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodGet, "/admin/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view mergedConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.RateLimitingEnabled)
	assert.NotEmpty(t, view.RoutesInScope)
}

func TestAdmin_IPRuleLifecycle(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPost, "/admin/ip-rules", `{"ip":"10.0.0.7","kind":"block","reason":"abuse"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/admin/ip-rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.7")

	rec = h.do(t, http.MethodDelete, "/admin/ip-rules/10.0.0.7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/ip-rules", "")
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestAdmin_IPRule_RejectsBadKind(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPost, "/admin/ip-rules", `{"ip":"10.0.0.8","kind":"banhammer"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_IPRule_CustomLimitRequiresLimits(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPost, "/admin/ip-rules", `{"ip":"10.0.0.9","kind":"custom_limit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/ip-rules", `{"ip":"10.0.0.9","kind":"custom_limit","limits":{"minute":2}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAdmin_AgentLimitLifecycle(t *testing.T) {
	h := setupAdmin(t)

	rec := h.do(t, http.MethodPost, "/admin/agent-limits", `{"agent_id":"coach-7","limits":{"minute":3,"hour":50}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/admin/agent-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coach-7")

	rec = h.do(t, http.MethodDelete, "/admin/agent-limits/coach-7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/agent-limits", "")
	assert.NotContains(t, rec.Body.String(), "coach-7")
}

func TestAdmin_IdentityListingAndReset(t *testing.T) {
	h := setupAdmin(t)
	ctx := context.Background()

	idKey := "ip:deadbeefdeadbeef"
	for i := 0; i < 3; i++ {
		_, err := h.store.IncrAndExpire(ctx, ratelimit.CounterKey(gateconfig.WindowMinute, idKey), time.Minute)
		require.NoError(t, err)
	}
	_, err := h.store.IncrAndExpire(ctx, ratelimit.CounterKey(gateconfig.WindowHour, idKey), time.Hour)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/admin/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Identities []identityEntry `json:"identities"`
		Total      int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, idKey, listing.Identities[0].Identity)
	assert.Equal(t, "ip", listing.Identities[0].Kind)
	assert.Equal(t, 3, listing.Identities[0].Current)
	assert.Equal(t, 1, listing.Identities[0].Usage["hour"])

	rec = h.do(t, http.MethodPost, "/admin/identities/"+idKey+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/identities", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 0, listing.Total)
}

func TestAdmin_IdentityListing_KindFilter(t *testing.T) {
	h := setupAdmin(t)
	ctx := context.Background()

	_, err := h.store.IncrAndExpire(ctx, ratelimit.CounterKey(gateconfig.WindowMinute, "ip:aaaa"), time.Minute)
	require.NoError(t, err)
	_, err = h.store.IncrAndExpire(ctx, ratelimit.CounterKey(gateconfig.WindowMinute, "token:alice"), time.Minute)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/admin/identities?kind=token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Identities []identityEntry `json:"identities"`
		Total      int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "token:alice", listing.Identities[0].Identity)
}

func TestAdmin_Export(t *testing.T) {
	h := setupAdmin(t)

	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/admin/ip-rules", `{"ip":"10.1.1.1","kind":"block"}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/admin/agent-limits", `{"agent_id":"coach-9","limits":{"day":500}}`).Code)

	rec := h.do(t, http.MethodGet, "/admin/export", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var export struct {
		IPRules     []ratelimit.IPRule     `json:"ip_rules"`
		AgentLimits []ratelimit.AgentLimit `json:"agent_limits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	require.Len(t, export.IPRules, 1)
	require.Len(t, export.AgentLimits, 1)
	assert.Equal(t, "10.1.1.1", export.IPRules[0].IP)
}
