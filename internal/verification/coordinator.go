package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/identity"
)

// FailureKind is one of the structured failure reasons surfaced to
// callers of the client-facing verification endpoint.
type FailureKind string

const (
	FailureDisabled           FailureKind = "disabled"
	FailureRateLimited        FailureKind = "rate-limited"
	FailureDuplicate          FailureKind = "duplicate"
	FailureInvalidRequest     FailureKind = "invalid-request"
	FailureVerifierFailed     FailureKind = "verifier-failed"
	FailureVerifierUnavailable FailureKind = "verifier-unavailable"
	FailureMisconfigured      FailureKind = "misconfigured"
	FailureInternal           FailureKind = "internal"
)

// Error wraps a FailureKind so callers can branch with errors.As without
// string comparison.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("verification: %s: %s", e.Kind, e.Message) }

func failure(kind FailureKind, msg string) error { return &Error{Kind: kind, Message: msg} }

// Result is returned to the caller on a successful verification.
type Result struct {
	Success     bool
	ChallengeTS string
	Hostname    string
	Action      string
	CData       string
}

// verifierResponse mirrors the outbound verifier's wire response.
type verifierResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Action      string   `json:"action"`
	CData       string   `json:"cdata"`
}

// subLimitPerMinute is the per-identity verification-endpoint throttle.
const subLimitPerMinute = 5

const replayGraceWindow = 30 * time.Second
const replayMaxUses = 3

// usedTokenRetention is how long a used-token record is kept after first
// sight. It must far exceed replayGraceWindow: a record whose grace window
// has closed still rejects late resubmissions of that token, so only
// records too old for any plausible client retry are pruned.
const usedTokenRetention = 10 * time.Minute

// usedToken tracks a single challenge token's replay window.
type usedToken struct {
	firstSeen time.Time
	useCount  int
}

// Coordinator runs the challenge handshake: sub-rate-limiting, replay
// protection, the outbound verifier call, and caching on success.
type Coordinator struct {
	store      counterstore.Store
	cache      *Cache
	httpClient *http.Client
	secretKey  string
	verifierURL string
	logger     *slog.Logger

	mu         sync.Mutex
	usedTokens map[string]*usedToken
}

// NewCoordinator constructs a Challenge Coordinator. secretKey is the
// verifier's secret; an empty value makes Verify return
// FailureMisconfigured whenever challenges are enabled.
func NewCoordinator(store counterstore.Store, cache *Cache, secretKey, verifierURL string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if verifierURL == "" {
		verifierURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	}
	return &Coordinator{
		store:       store,
		cache:       cache,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		secretKey:   secretKey,
		verifierURL: verifierURL,
		logger:      logger,
		usedTokens:  make(map[string]*usedToken),
	}
}

// Required reports whether id must pass a challenge before gated
// requests are allowed: never when challenges are off, never for
// authenticated identities when the bypass is on, and for ip-kind
// identities only when the config demands it.
func (c *Coordinator) Required(id identity.Key, cfg *gateconfig.Merged) bool {
	if !cfg.ChallengeEnabled {
		return false
	}
	if (id.Kind == identity.KindToken || id.Kind == identity.KindSession) && cfg.ChallengeBypassAuthenticated {
		return false
	}
	if id.Kind == identity.KindIP && cfg.ChallengeRequiredForIP {
		return true
	}
	return false
}

// Verify runs the full handshake for a client-submitted token: sub-limit,
// replay protection, outbound verifier call, and caching on success.
func (c *Coordinator) Verify(ctx context.Context, cfg *gateconfig.Merged, id identity.Key, token, action, remoteIP string) (*Result, error) {
	if !cfg.ChallengeEnabled {
		return nil, failure(FailureDisabled, "challenges are disabled")
	}
	if c.secretKey == "" {
		return nil, failure(FailureMisconfigured, "verifier secret not configured")
	}
	if token == "" {
		return nil, failure(FailureInvalidRequest, "token is required")
	}

	if err := c.checkSubLimit(ctx, id.String()); err != nil {
		return nil, err
	}

	if err := c.checkReplay(token); err != nil {
		return nil, err
	}

	resp, err := c.callVerifier(ctx, token, remoteIP, action)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure(FailureVerifierUnavailable, "verifier call timed out")
		}
		return nil, failure(FailureVerifierUnavailable, err.Error())
	}

	if !resp.Success {
		return nil, failure(FailureVerifierFailed, fmt.Sprintf("verifier rejected token: %v", resp.ErrorCodes))
	}

	ttl := time.Duration(cfg.VerificationTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if err := c.cache.MarkVerified(ctx, id.String(), ttl); err != nil {
		c.logger.Warn("verification: failed to cache successful verification", "error", err)
	}

	return &Result{
		Success:     true,
		ChallengeTS: resp.ChallengeTS,
		Hostname:    resp.Hostname,
		Action:      resp.Action,
		CData:       resp.CData,
	}, nil
}

func (c *Coordinator) checkSubLimit(ctx context.Context, identityKey string) error {
	minuteEpoch := time.Now().UTC().Unix() / 60
	key := "turnstile:rl:" + identityKey + ":minute:" + strconv.FormatInt(minuteEpoch, 10)

	count, err := c.store.IncrAndExpire(ctx, key, time.Minute)
	if err != nil {
		if counterstore.IsUnavailable(err) {
			return nil // degrade open on the sub-limit itself; the verifier call remains the real gate
		}
		return failure(FailureInternal, err.Error())
	}
	if count > subLimitPerMinute {
		return failure(FailureRateLimited, "too many verification attempts")
	}
	return nil
}

// checkReplay enforces the 30-second/3-use grace window per token.
// Kept in-process: replay state is short-lived and does not
// need to be fleet-shared for correctness of the documented property
// (a single gate instance terminating the TLS connection owns the replay
// decision for that request).
func (c *Coordinator) checkReplay(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	u, ok := c.usedTokens[token]
	if !ok {
		c.usedTokens[token] = &usedToken{firstSeen: now, useCount: 1}
		c.pruneLocked(now)
		return nil
	}

	if now.Sub(u.firstSeen) > replayGraceWindow {
		return failure(FailureDuplicate, "token replay window expired")
	}
	if u.useCount >= replayMaxUses {
		return failure(FailureDuplicate, "token already used maximum times")
	}
	u.useCount++
	return nil
}

// pruneLocked drops records past the retention horizon. Records whose
// grace window has merely closed are kept so resubmissions of those
// tokens keep being rejected as duplicates.
func (c *Coordinator) pruneLocked(now time.Time) {
	for tok, u := range c.usedTokens {
		if now.Sub(u.firstSeen) > usedTokenRetention {
			delete(c.usedTokens, tok)
		}
	}
}

func (c *Coordinator) callVerifier(ctx context.Context, token, remoteIP, action string) (*verifierResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	form := url.Values{}
	form.Set("secret", c.secretKey)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	if action != "" {
		form.Set("action", action)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifierURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out verifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("verification: decode verifier response: %w", err)
	}
	return &out, nil
}
