// Package ratelimit implements the Rate Limit Engine: the top-level gate
// middleware that resolves identity, consults IP rules and the
// Verification Cache, and enforces the cascading window counters.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/identity"
	"github.com/coachconnect/gatewayd/internal/verification"
)

// WindowResult is a terminal classification for a single request.
type WindowResult string

const (
	ResultOutOfScope      WindowResult = "out-of-scope"
	ResultDisabled        WindowResult = "disabled"
	ResultIPBlocked       WindowResult = "ip-block"
	ResultChallenge       WindowResult = "challenge"
	ResultWindowExceeded  WindowResult = "window-exceeded"
	ResultAllowed         WindowResult = "allowed"
	ResultBackendDegraded WindowResult = "degraded"
	ResultMisconfigured   WindowResult = "misconfigured"
)

// Decision is the outcome of a single Check call.
type Decision struct {
	Allowed        bool
	Result         WindowResult
	Window         gateconfig.Window
	Limit          int
	Remaining      int
	ResetAt        time.Time
	IdentityKind   identity.Kind
	ChallengeState string // "verified", "not-required", "required"
	BackendError   bool
}

// Engine is the Rate Limit Engine: identity resolution plus the cascading
// window check against the Counter Store.
type Engine struct {
	config     *gateconfig.Provider
	store      counterstore.Store
	resolver   *identity.Resolver
	verifier   *verification.Coordinator
	vcache     *verification.Cache
	rules      *RuleStore
	logger     *slog.Logger
	storeTimeout time.Duration
}

// NewEngine constructs a Rate Limit Engine.
func NewEngine(cfg *gateconfig.Provider, store counterstore.Store, resolver *identity.Resolver, vcache *verification.Cache, coord *verification.Coordinator, rules *RuleStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:   cfg,
		store:    store,
		resolver: resolver,
		vcache:   vcache,
		verifier: coord,
		rules:    rules,
		logger:   logger,
		storeTimeout: time.Second,
	}
}

// Check runs the full gating state machine for one request and
// returns the Decision. It never panics. Each counter increment and the
// final minute-counter read carry storeTimeout as their own deadline; the
// IP-rule, agent-limit and verification lookups run under the request's
// context and carry no deadline of their own.
func (e *Engine) Check(r *http.Request) Decision {
	cfg := e.config.CurrentConfig()

	if !cfg.RateLimitingEnabled {
		return Decision{Allowed: true, Result: ResultDisabled}
	}

	if !cfg.InScope(r.URL.Path) {
		return Decision{Allowed: true, Result: ResultOutOfScope}
	}

	id := e.resolver.Resolve(r)

	ctx := r.Context()

	// IP rules are keyed by the plain normalized address, not the hashed
	// identity value, so admin-entered rules match incoming traffic.
	clientIP := identity.NormalizeIP(identity.ExtractClientIP(r))
	if id.Kind == identity.KindIP {
		rule, err := e.rules.GetIPRule(ctx, clientIP)
		if err == nil && rule != nil && rule.Kind == IPRuleBlock && !rule.Expired(time.Now()) {
			return Decision{Allowed: false, Result: ResultIPBlocked, IdentityKind: id.Kind, Limit: 0, Window: "ip-block"}
		}
	}

	required := e.verifier.Required(id, cfg)
	challengeState := "not-required"
	if required {
		verified, err := e.vcache.IsVerified(ctx, id.String())
		if err != nil {
			e.logger.Warn("ratelimit: verification cache check failed, denying closed", "error", err)
			verified = false
		}
		if !verified {
			return Decision{
				Allowed:        false,
				Result:         ResultChallenge,
				IdentityKind:   id.Kind,
				Window:         "challenge",
				ChallengeState: "required",
			}
		}
		challengeState = "verified"
	}

	limits := e.effectiveLimits(ctx, cfg, r, id, clientIP)

	for _, w := range gateconfig.Windows {
		limit, ok := limits.Limit(w)
		if !ok || limit <= 0 {
			if ok && limit == 0 {
				return Decision{Allowed: false, Result: ResultWindowExceeded, Window: w, Limit: 0, Remaining: 0, IdentityKind: id.Kind, ChallengeState: challengeState}
			}
			continue
		}

		key := CounterKey(w, id.String())
		ttl := WindowTTL(w)

		opCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		count, err := e.store.IncrAndExpire(opCtx, key, ttl)
		cancel()
		if err != nil {
			if counterstore.IsMisconfigured(err) {
				return Decision{Allowed: false, Result: ResultMisconfigured, IdentityKind: id.Kind}
			}
			if counterstore.IsUnavailable(err) {
				return Decision{Allowed: true, Result: ResultBackendDegraded, BackendError: true, IdentityKind: id.Kind, ChallengeState: challengeState, Remaining: limit, Limit: limit}
			}
			return Decision{Allowed: true, Result: ResultBackendDegraded, BackendError: true, IdentityKind: id.Kind, ChallengeState: challengeState}
		}

		if int(count) > limit {
			resetAt := WindowResetAt(w)
			return Decision{
				Allowed:        false,
				Result:         ResultWindowExceeded,
				Window:         w,
				Limit:          limit,
				Remaining:      0,
				ResetAt:        resetAt,
				IdentityKind:   id.Kind,
				ChallengeState: challengeState,
			}
		}
	}

	minuteLimit, _ := limits.Limit(gateconfig.WindowMinute)
	remaining := minuteLimit
	if minuteLimit > 0 {
		key := CounterKey(gateconfig.WindowMinute, id.String())
		opCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		if v, err := e.store.Get(opCtx, key); err == nil {
			if n, convErr := strconv.Atoi(v); convErr == nil {
				remaining = minuteLimit - n
				if remaining < 0 {
					remaining = 0
				}
			}
		}
	}

	return Decision{
		Allowed:        true,
		Result:         ResultAllowed,
		Window:         gateconfig.WindowMinute,
		Limit:          minuteLimit,
		Remaining:      remaining,
		ResetAt:        WindowResetAt(gateconfig.WindowMinute),
		IdentityKind:   id.Kind,
		ChallengeState: challengeState,
	}
}

// effectiveLimits selects the Limit Set that governs this request: IP
// custom-limit overrides; else narrowest agent-specific; else narrowest
// route-specific; else global.
func (e *Engine) effectiveLimits(ctx context.Context, cfg *gateconfig.Merged, r *http.Request, id identity.Key, clientIP string) gateconfig.LimitSet {
	if id.Kind == identity.KindIP {
		if rule, err := e.rules.GetIPRule(ctx, clientIP); err == nil && rule != nil &&
			rule.Kind == IPRuleCustomLimit && !rule.Expired(time.Now()) {
			return rule.Limits
		}
	}

	if agentID := AgentIDFromPath(r.URL.Path); agentID != "" {
		if al, err := e.rules.GetAgentLimit(ctx, agentID); err == nil && al != nil {
			return al.Limits
		}
	}

	if limits, ok := cfg.RouteLimits(r.URL.Path); ok {
		return limits
	}

	return cfg.GlobalLimits
}

// CounterKey builds the Counter Store key for window w and identityKey at
// the current window start: "rate:<window>:<window_start>:<identity>".
func CounterKey(w gateconfig.Window, identityKey string) string {
	return "rate:" + string(w) + ":" + strconv.FormatInt(WindowStart(w), 10) + ":" + identityKey
}

// WindowStart returns the current bucket start (unix seconds) for w.
func WindowStart(w gateconfig.Window) int64 {
	now := time.Now().UTC()
	if w == gateconfig.WindowMonth {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Unix()
	}
	size := w.Seconds()
	return (now.Unix() / size) * size
}

// WindowTTL returns the remaining time until w's current bucket rolls.
func WindowTTL(w gateconfig.Window) time.Duration {
	if w == gateconfig.WindowMonth {
		now := time.Now().UTC()
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		return end.Sub(now)
	}
	size := w.Seconds()
	start := WindowStart(w)
	return time.Duration(start+size-time.Now().UTC().Unix()) * time.Second
}

// WindowResetAt returns the wall-clock time w's current bucket expires.
func WindowResetAt(w gateconfig.Window) time.Time {
	if w == gateconfig.WindowMonth {
		now := time.Now().UTC()
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, 1, 0)
	}
	size := w.Seconds()
	return time.Unix(WindowStart(w)+size, 0)
}

// AgentIDFromPath extracts an agent identifier from a request path of the
// form ".../agents/<id>/...". Returns "" when the path does not target an
// agent.
func AgentIDFromPath(path string) string {
	const marker = "/agents/"
	idx := strings.Index(path, marker)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(marker):]
	if rest == "" {
		return ""
	}
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		rest = rest[:slash]
	}
	return rest
}
