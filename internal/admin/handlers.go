package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/httpmw"
	"github.com/coachconnect/gatewayd/internal/identity"
	"github.com/coachconnect/gatewayd/internal/ratelimit"
)

const adminStoreTimeout = 5 * time.Second

// mergedConfigView is the JSON shape served for the merged config read,
// mirroring the baseline document's key names.
type mergedConfigView struct {
	IdentityOrder                []string                         `json:"identityOrder"`
	Limits                       map[string]gateconfig.LimitSet   `json:"limits"`
	Routes                       map[string]gateconfig.LimitSet   `json:"routes"`
	RoutesInScope                []string                         `json:"routesInScope"`
	RateLimitingEnabled          bool                             `json:"rateLimitingEnabled"`
	ChallengeEnabled             bool                             `json:"challengeEnabled"`
	ChallengeBypassAuthenticated bool                             `json:"challengeBypassAuthenticated"`
	ChallengeRequiredForIP       bool                             `json:"challengeRequiredForIp"`
	VerificationTTLSeconds       int                              `json:"verificationTtlSeconds"`
	Version                      int64                            `json:"version"`
}

func (s *Surface) handleReadMergedConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.CurrentConfig()
	view := mergedConfigView{
		IdentityOrder:                cfg.IdentityOrder,
		Limits:                       map[string]gateconfig.LimitSet{"global": cfg.GlobalLimits},
		Routes:                       cfg.Routes,
		RoutesInScope:                cfg.RoutesInScope,
		RateLimitingEnabled:          cfg.RateLimitingEnabled,
		ChallengeEnabled:             cfg.ChallengeEnabled,
		ChallengeBypassAuthenticated: cfg.ChallengeBypassAuthenticated,
		ChallengeRequiredForIP:       cfg.ChallengeRequiredForIP,
		VerificationTTLSeconds:       cfg.VerificationTTLSeconds,
		Version:                      cfg.Version,
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Surface) handleReadOverlay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	doc, err := s.config.ReadOverlay(ctx)
	if err != nil {
		s.logger.Error("admin: overlay read failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not read overlay")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// uiOverlay is the UI-flavored overlay write body. The admin UI posts
// limits flattened to the top level and uses "enabled" for the master
// switch; it is canonicalized into the baseline schema before persisting.
type uiOverlay struct {
	Global  json.RawMessage `json:"global"`
	Routes  json.RawMessage `json:"routes"`
	Enabled *bool           `json:"enabled"`
}

func (s *Surface) handleWriteOverlay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "could not read body")
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "body must be a JSON object")
		return
	}

	patch, errMsg := canonicalizeOverlay(doc)
	if errMsg != "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", errMsg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	if err := s.config.WriteOverlay(ctx, patch); err != nil {
		s.logger.Error("admin: overlay write failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not persist overlay")
		return
	}

	s.logger.Info("admin: overlay updated", "keys", len(patch))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true, "version": s.config.CurrentConfig().Version})
}

// canonicalizeOverlay accepts both the canonical baseline-schema document
// and the UI-flavored form, returning a validated canonical patch. The
// second return is a non-empty validation message on rejection.
func canonicalizeOverlay(doc map[string]json.RawMessage) (map[string]json.RawMessage, string) {
	patch := map[string]json.RawMessage{}

	_, uiGlobal := doc["global"]
	_, uiEnabled := doc["enabled"]
	if uiGlobal || uiEnabled {
		var ui uiOverlay
		raw, _ := json.Marshal(doc)
		if err := json.Unmarshal(raw, &ui); err != nil {
			return nil, "malformed UI overlay body"
		}
		if ui.Global != nil {
			if msg := validateLimitSet(ui.Global); msg != "" {
				return nil, "global: " + msg
			}
			limits, _ := json.Marshal(map[string]json.RawMessage{"global": ui.Global})
			patch["limits"] = limits
		}
		if ui.Routes != nil {
			if msg := validateRoutes(ui.Routes); msg != "" {
				return nil, msg
			}
			patch["routes"] = ui.Routes
		}
		if ui.Enabled != nil {
			enabled, _ := json.Marshal(*ui.Enabled)
			patch["rateLimitingEnabled"] = enabled
		}
		return patch, ""
	}

	for key, raw := range doc {
		switch key {
		case "limits":
			var limits struct {
				Global json.RawMessage `json:"global"`
			}
			if err := json.Unmarshal(raw, &limits); err != nil {
				return nil, "limits must be an object"
			}
			if limits.Global != nil {
				if msg := validateLimitSet(limits.Global); msg != "" {
					return nil, "limits.global: " + msg
				}
			}
		case "routes":
			if msg := validateRoutes(raw); msg != "" {
				return nil, msg
			}
		case "verificationTtlSeconds":
			var ttl int
			if err := json.Unmarshal(raw, &ttl); err != nil || ttl < 0 {
				return nil, "verificationTtlSeconds must be a non-negative integer"
			}
		case "identityOrder", "routesInScope":
			var list []string
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, key + " must be an array of strings"
			}
		case "rateLimitingEnabled", "challengeEnabled", "challengeBypassAuthenticated", "challengeRequiredForIp":
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, key + " must be a boolean"
			}
		case "jwtSecret":
			var sec string
			if err := json.Unmarshal(raw, &sec); err != nil {
				return nil, "jwtSecret must be a string"
			}
		default:
			return nil, "unrecognized key: " + key
		}
		patch[key] = raw
	}
	return patch, ""
}

func validateLimitSet(raw json.RawMessage) string {
	var set map[string]int
	if err := json.Unmarshal(raw, &set); err != nil {
		return "limit values must be integers"
	}
	for window, v := range set {
		switch gateconfig.Window(window) {
		case gateconfig.WindowMinute, gateconfig.WindowHour, gateconfig.WindowDay, gateconfig.WindowMonth:
		default:
			return "unknown window: " + window
		}
		if v < 0 {
			return "limit for " + window + " must be non-negative"
		}
	}
	return ""
}

func validateRoutes(raw json.RawMessage) string {
	var routes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &routes); err != nil {
		return "routes must be an object"
	}
	for pattern, limits := range routes {
		if msg := validateLimitSet(limits); msg != "" {
			return "routes[" + pattern + "]: " + msg
		}
	}
	return ""
}

// identityEntry is one row of the identity listing: an identity currently
// holding non-zero counters, with its per-window usage.
type identityEntry struct {
	Identity string         `json:"identity"`
	Kind     string         `json:"kind"`
	Status   string         `json:"status"`
	Usage    map[string]int `json:"usage"`
	Current  int            `json:"current"`
}

func (s *Surface) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	keys, err := s.store.ScanPrefix(ctx, "rate:")
	if err != nil {
		s.logger.Error("admin: identity scan failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not scan counters")
		return
	}

	cfg := s.config.CurrentConfig()
	minuteLimit, _ := cfg.GlobalLimits.Limit(gateconfig.WindowMinute)

	byIdentity := map[string]*identityEntry{}
	for _, key := range keys {
		// rate:<window>:<window_start>:<identity>
		parts := strings.SplitN(key, ":", 4)
		if len(parts) != 4 {
			continue
		}
		window, idKey := parts[1], parts[3]

		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 {
			continue
		}

		entry, ok := byIdentity[idKey]
		if !ok {
			kind := idKey
			if idx := strings.IndexByte(idKey, ':'); idx != -1 {
				kind = idKey[:idx]
			}
			entry = &identityEntry{Identity: idKey, Kind: kind, Usage: map[string]int{}}
			byIdentity[idKey] = entry
		}
		entry.Usage[window] += count
		if window == string(gateconfig.WindowMinute) {
			entry.Current += count
		}
	}

	entries := make([]identityEntry, 0, len(byIdentity))
	for _, e := range byIdentity {
		if minuteLimit > 0 && e.Current >= minuteLimit {
			e.Status = "limited"
		} else {
			e.Status = "active"
		}
		entries = append(entries, *e)
	}

	q := r.URL.Query()
	if kind := q.Get("kind"); kind != "" {
		entries = filterEntries(entries, func(e identityEntry) bool { return e.Kind == kind })
	}
	if status := q.Get("status"); status != "" {
		entries = filterEntries(entries, func(e identityEntry) bool { return e.Status == status })
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Current != entries[j].Current {
			return entries[i].Current > entries[j].Current
		}
		return entries[i].Identity < entries[j].Identity
	})

	page := intParam(q.Get("page"), 1)
	perPage := intParam(q.Get("per_page"), 50)
	total := len(entries)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identities": entries[start:end],
		"total":      total,
		"page":       page,
		"per_page":   perPage,
	})
}

func filterEntries(entries []identityEntry, keep func(identityEntry) bool) []identityEntry {
	out := entries[:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func intParam(raw string, def int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *Surface) handleResetIdentity(w http.ResponseWriter, r *http.Request) {
	idKey := mux.Vars(r)["identity"]
	if idKey == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "identity is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	keys := make([]string, 0, len(gateconfig.Windows))
	for _, window := range gateconfig.Windows {
		keys = append(keys, ratelimit.CounterKey(window, idKey))
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		s.logger.Error("admin: counter reset failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not reset counters")
		return
	}

	s.logger.Info("admin: counters reset", "identity_kind", kindOf(idKey))
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func kindOf(idKey string) string {
	if idx := strings.IndexByte(idKey, ':'); idx != -1 {
		return idKey[:idx]
	}
	return idKey
}

func (s *Surface) handleListIPRules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	rules, err := s.rules.ListIPRules(ctx)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not list IP rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Surface) handleCreateIPRule(w http.ResponseWriter, r *http.Request) {
	var rule ratelimit.IPRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "malformed IP rule")
		return
	}

	rule.IP = identity.NormalizeIP(rule.IP)
	if rule.IP == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "ip is required")
		return
	}
	switch rule.Kind {
	case ratelimit.IPRuleBlock:
	case ratelimit.IPRuleCustomLimit:
		if len(rule.Limits) == 0 {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "custom_limit rules require limits")
			return
		}
		for window, v := range rule.Limits {
			if v < 0 {
				writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit for "+string(window)+" must be non-negative")
				return
			}
		}
	default:
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "kind must be block or custom_limit")
		return
	}
	if rule.ExpiresAt != nil && rule.ExpiresAt.Before(time.Now()) {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "expires_at is in the past")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	if err := s.rules.PutIPRule(ctx, rule); err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not persist IP rule")
		return
	}
	s.refresh(ctx)

	s.logger.Info("admin: ip rule created", "kind", string(rule.Kind), "reason", rule.Reason)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Surface) handleDeleteIPRule(w http.ResponseWriter, r *http.Request) {
	ip := identity.NormalizeIP(mux.Vars(r)["ip"])
	if ip == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "ip is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	if err := s.rules.DeleteIPRule(ctx, ip); err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not delete IP rule")
		return
	}
	s.refresh(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Surface) handleListAgentLimits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	limits, err := s.rules.ListAgentLimits(ctx)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not list agent limits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": limits})
}

func (s *Surface) handleUpsertAgentLimit(w http.ResponseWriter, r *http.Request) {
	var limit ratelimit.AgentLimit
	if err := json.NewDecoder(r.Body).Decode(&limit); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "malformed agent limit")
		return
	}
	if limit.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "agent_id is required")
		return
	}
	if len(limit.Limits) == 0 {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limits are required")
		return
	}
	for window, v := range limit.Limits {
		if v < 0 {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit for "+string(window)+" must be non-negative")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	if err := s.rules.PutAgentLimit(ctx, limit); err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not persist agent limit")
		return
	}
	s.refresh(ctx)
	writeJSON(w, http.StatusOK, limit)
}

func (s *Surface) handleDeleteAgentLimit(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent"]
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "agent id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	if err := s.rules.DeleteAgentLimit(ctx, agentID); err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not delete agent limit")
		return
	}
	s.refresh(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleExport dumps the operator-editable rule state: non-expired IP
// rules and all agent limits. Raw counter values are deliberately not
// included in the export surface.
func (s *Surface) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminStoreTimeout)
	defer cancel()

	ipRules, err := s.rules.ListIPRules(ctx)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not export IP rules")
		return
	}
	now := time.Now()
	live := make([]ratelimit.IPRule, 0, len(ipRules))
	for _, rule := range ipRules {
		if !rule.Expired(now) {
			live = append(live, rule)
		}
	}

	agents, err := s.rules.ListAgentLimits(ctx)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "STORE_ERROR", "could not export agent limits")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="gateway-rules.json"`)
	writeJSON(w, http.StatusOK, map[string]any{
		"exported_at":  now.UTC().Format(time.RFC3339),
		"ip_rules":     live,
		"agent_limits": agents,
	})
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	storeStatus := "ok"
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"counter_store":        storeStatus,
		"challenge_configured": s.challengeConfigured,
		"config_version":       s.config.CurrentConfig().Version,
	})
}

// refresh forces an overlay re-read after a write so subsequent gated
// requests observe the change without waiting for the throttle window.
func (s *Surface) refresh(ctx context.Context) {
	if err := s.config.Refresh(ctx, true); err != nil {
		s.logger.Warn("admin: forced config refresh failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the shared error envelope carrying a machine-readable
// code and the request ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": httpmw.RequestID(r.Context()),
		},
	})
}
