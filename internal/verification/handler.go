package verification

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/identity"
	"github.com/coachconnect/gatewayd/internal/metrics"
)

// verifyRequest is the client-facing verification endpoint's body.
type verifyRequest struct {
	Token  string `json:"token"`
	Action string `json:"action,omitempty"`
}

// verifySuccess mirrors the documented success body.
type verifySuccess struct {
	Success     bool   `json:"success"`
	ChallengeTS string `json:"challengeTs,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Action      string `json:"action,omitempty"`
	CData       string `json:"cdata,omitempty"`
}

// verifyFailure mirrors the documented failure body.
type verifyFailure struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"errorCodes"`
	Message    string   `json:"message"`
}

// Handler is the client-facing verification endpoint: POST {token,action?}
// runs the Coordinator's handshake for the requesting identity.
type Handler struct {
	coordinator *Coordinator
	config      *gateconfig.Provider
	resolver    *identity.Resolver
	logger      *slog.Logger
}

// NewHandler constructs the verification endpoint handler.
func NewHandler(coordinator *Coordinator, config *gateconfig.Provider, resolver *identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coordinator: coordinator, config: config, resolver: resolver, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFailure(w, http.StatusMethodNotAllowed, FailureInvalidRequest, "method not allowed")
		return
	}

	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, http.StatusBadRequest, FailureInvalidRequest, "malformed request body")
		return
	}

	cfg := h.config.CurrentConfig()
	id := h.resolver.Resolve(r)
	remoteIP := identity.NormalizeIP(identity.ExtractClientIP(r))

	result, err := h.coordinator.Verify(r.Context(), cfg, id, body.Token, body.Action, remoteIP)
	if err != nil {
		kind := FailureInternal
		var verr *Error
		if errors.As(err, &verr) {
			kind = verr.Kind
		}
		metrics.Get().ChallengeOutcomes.WithLabelValues(string(kind)).Inc()
		h.logger.Warn("verification attempt failed", "kind", string(kind), "identity_kind", string(id.Kind))
		writeFailure(w, statusForKind(kind), kind, failureMessage(err))
		return
	}

	metrics.Get().ChallengeOutcomes.WithLabelValues("success").Inc()
	h.logger.Info("verification succeeded", "identity_kind", string(id.Kind))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verifySuccess{
		Success:     true,
		ChallengeTS: result.ChallengeTS,
		Hostname:    result.Hostname,
		Action:      result.Action,
		CData:       result.CData,
	})
}

// statusForKind maps a FailureKind to the documented HTTP status: 429 on
// the sub-limit breach, 503 when challenges are off or the secret is
// missing, 502 when the verifier itself is unreachable.
func statusForKind(kind FailureKind) int {
	switch kind {
	case FailureRateLimited:
		return http.StatusTooManyRequests
	case FailureDisabled, FailureMisconfigured:
		return http.StatusServiceUnavailable
	case FailureVerifierUnavailable:
		return http.StatusBadGateway
	case FailureInvalidRequest, FailureDuplicate, FailureVerifierFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func failureMessage(err error) string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Message
	}
	return "verification failed"
}

func writeFailure(w http.ResponseWriter, status int, kind FailureKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(verifyFailure{
		Success:    false,
		ErrorCodes: []string{string(kind)},
		Message:    message,
	})
}
