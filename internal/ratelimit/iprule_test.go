package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/identity"
)

func TestEngine_IPCustomLimitOverridesGlobal(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["limits"] = json.RawMessage(`{"global":{"minute":10}}`)
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	defer h.mr.Close()

	h.engine.resolver = identity.NewResolver([]string{identity.StepIP}, nil)

	require.NoError(t, h.rules.PutIPRule(context.Background(), IPRule{
		IP:     "192.0.2.50",
		Kind:   IPRuleCustomLimit,
		Limits: gateconfig.LimitSet{gateconfig.WindowMinute: 1},
	}))

	req := reqFromIP("192.0.2.50")
	d := h.engine.Check(req)
	assert.True(t, d.Allowed)

	d = h.engine.Check(req)
	assert.False(t, d.Allowed)
	assert.Equal(t, gateconfig.WindowMinute, d.Window)
	assert.Equal(t, 1, d.Limit)
}

func TestEngine_ExpiredBlockRuleIsIgnored(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	defer h.mr.Close()

	h.engine.resolver = identity.NewResolver([]string{identity.StepIP}, nil)

	// Persist an already-expired rule directly, bypassing PutIPRule's TTL
	// clamp, to exercise the expiry check itself.
	expired := time.Now().Add(-time.Minute)
	raw, err := json.Marshal(IPRule{IP: "192.0.2.60", Kind: IPRuleBlock, ExpiresAt: &expired, CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, h.store.Set(context.Background(), "ip:rule:192.0.2.60", string(raw), 0))

	d := h.engine.Check(reqFromIP("192.0.2.60"))
	assert.True(t, d.Allowed)
}

func TestEngine_DeletedBlockRuleRestoresAccess(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	defer h.mr.Close()

	h.engine.resolver = identity.NewResolver([]string{identity.StepIP}, nil)

	require.NoError(t, h.rules.PutIPRule(context.Background(), IPRule{IP: "192.0.2.70", Kind: IPRuleBlock}))

	d := h.engine.Check(reqFromIP("192.0.2.70"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ResultIPBlocked, d.Result)

	require.NoError(t, h.rules.DeleteIPRule(context.Background(), "192.0.2.70"))

	d = h.engine.Check(reqFromIP("192.0.2.70"))
	assert.True(t, d.Allowed)
}

func TestAgentIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/agents/coach-7/chat", "coach-7"},
		{"/api/agents/coach-7", "coach-7"},
		{"/api/protected", ""},
		{"/api/agents/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AgentIDFromPath(tt.path), tt.path)
	}
}

func TestEngine_AgentLimitOverridesRoute(t *testing.T) {
	h := setupHarness(t, func(patch map[string]json.RawMessage) {
		patch["limits"] = json.RawMessage(`{"global":{"minute":10}}`)
		patch["routes"] = json.RawMessage(`{"/api/agents":{"minute":5}}`)
		patch["routesInScope"] = json.RawMessage(`["/api/"]`)
	})
	defer h.mr.Close()

	require.NoError(t, h.rules.PutAgentLimit(context.Background(), AgentLimit{
		AgentID: "coach-7",
		Limits:  gateconfig.LimitSet{gateconfig.WindowMinute: 1},
	}))

	req := reqFromIP("192.0.2.80")
	req.URL.Path = "/api/agents/coach-7/chat"

	d := h.engine.Check(req)
	assert.True(t, d.Allowed)

	d = h.engine.Check(req)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
}
