// Package gateconfig implements the Config Provider: a file-resident
// baseline merged with a Redis-stored JSON overlay, republished as an
// atomic snapshot so the Rate Limit Engine always reads a coherent view.
package gateconfig

import (
	"encoding/json"
	"strings"
)

// Window is a fixed-size counting bucket.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowMonth  Window = "month"
)

// Windows is the cascade order the Rate Limit Engine evaluates in.
var Windows = []Window{WindowMinute, WindowHour, WindowDay, WindowMonth}

// Seconds returns the bucket size for fixed windows. Month has no fixed
// size; callers must compute its start from calendar boundaries instead.
func (w Window) Seconds() int64 {
	switch w {
	case WindowMinute:
		return 60
	case WindowHour:
		return 3600
	case WindowDay:
		return 86400
	default:
		return 0
	}
}

// LimitSet maps windows to a positive request budget. A window absent from
// the map means "unlimited" for that window.
type LimitSet map[Window]int

// Limit returns the configured limit for w and whether one is configured.
func (l LimitSet) Limit(w Window) (int, bool) {
	if l == nil {
		return 0, false
	}
	v, ok := l[w]
	return v, ok
}

// RouteLimit pairs a route pattern with its Limit Set. Patterns match by
// trailing "*" wildcard or plain prefix.
type RouteLimit struct {
	Pattern string   `json:"pattern"`
	Limits  LimitSet `json:"limits"`
}

// Baseline is the JSON-file-resident configuration document.
type Baseline struct {
	IdentityOrder              []string          `json:"identityOrder"`
	JWTSecret                  string            `json:"jwtSecret"`
	Limits                     GlobalLimits      `json:"limits"`
	Routes                     map[string]LimitSet `json:"routes"`
	RoutesInScope              []string          `json:"routesInScope"`
	RateLimitingEnabled        bool              `json:"rateLimitingEnabled"`
	ChallengeEnabled           bool              `json:"challengeEnabled"`
	ChallengeBypassAuthenticated bool            `json:"challengeBypassAuthenticated"`
	ChallengeRequiredForIP     bool              `json:"challengeRequiredForIp"`
	VerificationTTLSeconds     int               `json:"verificationTtlSeconds"`
}

// GlobalLimits wraps the baseline's top-level "limits" object.
type GlobalLimits struct {
	Global LimitSet `json:"global"`
}

// Merged is the fully resolved configuration view served to every other
// component. Consumers must never mutate a Merged value they receive.
type Merged struct {
	IdentityOrder                []string
	JWTSecret                    string
	GlobalLimits                 LimitSet
	Routes                       map[string]LimitSet
	RoutesInScope                []string
	RateLimitingEnabled          bool
	ChallengeEnabled             bool
	ChallengeBypassAuthenticated bool
	ChallengeRequiredForIP       bool
	VerificationTTLSeconds       int
	Version                      int64
}

// InScope reports whether path is covered by any configured route prefix.
func (m *Merged) InScope(path string) bool {
	for _, prefix := range m.RoutesInScope {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RouteLimits returns the narrowest (longest pattern) matching route Limit
// Set for path, if any.
func (m *Merged) RouteLimits(path string) (LimitSet, bool) {
	var best string
	var bestLimits LimitSet
	found := false
	for pattern, limits := range m.Routes {
		trimmed := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(path, trimmed) {
			continue
		}
		if len(trimmed) > len(best) {
			best = trimmed
			bestLimits = limits
			found = true
		}
	}
	return bestLimits, found
}

// DefaultBaseline matches the documented config defaults: identity order
// token→session→ip, rate limiting enabled, challenges disabled.
func DefaultBaseline() Baseline {
	return Baseline{
		IdentityOrder:        []string{"token-sub", "session-cookie", "ip"},
		Limits:               GlobalLimits{Global: LimitSet{WindowMinute: 60, WindowHour: 1000, WindowDay: 10000}},
		Routes:               map[string]LimitSet{},
		RoutesInScope:        []string{"/api/"},
		RateLimitingEnabled:  true,
		ChallengeEnabled:     false,
		VerificationTTLSeconds: 1800,
	}
}

// merge deep-merges the raw overlay document onto a baseline; overlay
// leaves always win, and leaves the overlay omits keep their base value.
// Limit sets merge per window: an overlay posting {"global":{"minute":1}}
// replaces only the minute leaf, never its sibling windows. A decoded
// LimitSet carries exactly the windows its JSON object mentioned, so map
// keys are the leaf presence.
func merge(base Baseline, overlayRaw []byte) Merged {
	m := Merged{
		IdentityOrder:                base.IdentityOrder,
		JWTSecret:                    base.JWTSecret,
		GlobalLimits:                 base.Limits.Global,
		Routes:                       base.Routes,
		RoutesInScope:                base.RoutesInScope,
		RateLimitingEnabled:          base.RateLimitingEnabled,
		ChallengeEnabled:             base.ChallengeEnabled,
		ChallengeBypassAuthenticated: base.ChallengeBypassAuthenticated,
		ChallengeRequiredForIP:       base.ChallengeRequiredForIP,
		VerificationTTLSeconds:       base.VerificationTTLSeconds,
	}

	if len(overlayRaw) == 0 {
		return m
	}
	var overlay Baseline
	if err := json.Unmarshal(overlayRaw, &overlay); err != nil {
		return m
	}
	present := presentKeys(overlayRaw)

	if present["identityOrder"] && len(overlay.IdentityOrder) > 0 {
		m.IdentityOrder = overlay.IdentityOrder
	}
	if present["jwtSecret"] {
		m.JWTSecret = overlay.JWTSecret
	}
	if present["limits"] && overlay.Limits.Global != nil {
		m.GlobalLimits = mergeLimitSet(base.Limits.Global, overlay.Limits.Global)
	}
	if present["routes"] && overlay.Routes != nil {
		merged := make(map[string]LimitSet, len(base.Routes)+len(overlay.Routes))
		for k, v := range base.Routes {
			merged[k] = v
		}
		for k, v := range overlay.Routes {
			merged[k] = mergeLimitSet(base.Routes[k], v)
		}
		m.Routes = merged
	}
	if present["routesInScope"] && len(overlay.RoutesInScope) > 0 {
		m.RoutesInScope = overlay.RoutesInScope
	}
	if present["rateLimitingEnabled"] {
		m.RateLimitingEnabled = overlay.RateLimitingEnabled
	}
	if present["challengeEnabled"] {
		m.ChallengeEnabled = overlay.ChallengeEnabled
	}
	if present["challengeBypassAuthenticated"] {
		m.ChallengeBypassAuthenticated = overlay.ChallengeBypassAuthenticated
	}
	if present["challengeRequiredForIp"] {
		m.ChallengeRequiredForIP = overlay.ChallengeRequiredForIP
	}
	if present["verificationTtlSeconds"] {
		m.VerificationTTLSeconds = overlay.VerificationTTLSeconds
	}
	return m
}

// mergeLimitSet overlays the windows present in over onto base, leaving
// base's other windows untouched. Neither input is mutated.
func mergeLimitSet(base, over LimitSet) LimitSet {
	out := make(LimitSet, len(base)+len(over))
	for w, v := range base {
		out[w] = v
	}
	for w, v := range over {
		out[w] = v
	}
	return out
}

// presentKeys returns the set of top-level JSON keys present in raw, used
// to distinguish "overlay explicitly set this to zero/false" from "overlay
// didn't mention this key at all".
func presentKeys(raw []byte) map[string]bool {
	present := map[string]bool{}
	if len(raw) == 0 {
		return present
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return present
	}
	for k := range generic {
		present[k] = true
	}
	return present
}
