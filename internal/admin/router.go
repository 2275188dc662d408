// Package admin implements the Admin Surface: read/write endpoints for
// the config overlay, per-agent limits, per-IP rules, identity listing,
// and operator actions (reset counters, export). Admin reads and writes
// bypass the gate entirely.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/ratelimit"
)

// Surface wires the Admin Surface's handlers to a gorilla/mux router.
type Surface struct {
	config  *gateconfig.Provider
	store   counterstore.Store
	rules   *ratelimit.RuleStore
	limiter *clientLimiter
	logger  *slog.Logger

	challengeConfigured bool
}

// New constructs a Surface. challengeConfigured reflects whether a
// verifier secret was supplied at startup, surfaced by the health probe.
func New(config *gateconfig.Provider, store counterstore.Store, rules *ratelimit.RuleStore, challengeConfigured bool, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		config:              config,
		store:               store,
		rules:               rules,
		limiter:             newClientLimiter(120, 20),
		challengeConfigured: challengeConfigured,
		logger:              logger,
	}
}

// Router builds the Admin Surface's route table.
func (s *Surface) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limiter.middleware)

	r.HandleFunc("/admin/config", s.handleReadMergedConfig).Methods(http.MethodGet)
	r.HandleFunc("/admin/config/overlay", s.handleReadOverlay).Methods(http.MethodGet)
	r.HandleFunc("/admin/config/overlay", s.handleWriteOverlay).Methods(http.MethodPut, http.MethodPatch)

	r.HandleFunc("/admin/identities", s.handleListIdentities).Methods(http.MethodGet)
	r.HandleFunc("/admin/identities/{identity}/reset", s.handleResetIdentity).Methods(http.MethodPost)

	r.HandleFunc("/admin/ip-rules", s.handleListIPRules).Methods(http.MethodGet)
	r.HandleFunc("/admin/ip-rules", s.handleCreateIPRule).Methods(http.MethodPost)
	r.HandleFunc("/admin/ip-rules/{ip}", s.handleDeleteIPRule).Methods(http.MethodDelete)

	r.HandleFunc("/admin/agent-limits", s.handleListAgentLimits).Methods(http.MethodGet)
	r.HandleFunc("/admin/agent-limits", s.handleUpsertAgentLimit).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/admin/agent-limits/{agent}", s.handleDeleteAgentLimit).Methods(http.MethodDelete)

	r.HandleFunc("/admin/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/admin/health", s.handleHealth).Methods(http.MethodGet)

	return r
}
