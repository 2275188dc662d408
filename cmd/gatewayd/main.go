// Package main is the entry point for the request-gating gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachconnect/gatewayd/internal/admin"
	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
	"github.com/coachconnect/gatewayd/internal/gatelog"
	"github.com/coachconnect/gatewayd/internal/httpmw"
	"github.com/coachconnect/gatewayd/internal/identity"
	"github.com/coachconnect/gatewayd/internal/ratelimit"
	"github.com/coachconnect/gatewayd/internal/resilience"
	"github.com/coachconnect/gatewayd/internal/verification"
)

const (
	defaultPort    = "8080"
	serviceName    = "gatewayd"
	serviceVersion = "1.0.0"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var configPath = flag.String("config", os.Getenv("GATE_CONFIG_PATH"), "Path to the baseline config file (JSON)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	logger := gatelog.New(gatelog.Config{
		Level:    os.Getenv("LOG_LEVEL"),
		Format:   os.Getenv("LOG_FORMAT"),
		Output:   os.Getenv("LOG_OUTPUT"),
		FilePath: os.Getenv("LOG_FILE_PATH"),
	})
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"service", serviceName,
		"version", serviceVersion,
		"base_url", os.Getenv("APP_BASE_URL"),
	)

	store := buildStore(logger)
	defer store.Close()

	provider, err := gateconfig.New(*configPath, store, logger)
	if err != nil {
		logger.Error("failed to load baseline config", "error", err)
		os.Exit(1)
	}

	cfg := provider.CurrentConfig()
	resolver := identity.NewResolver(cfg.IdentityOrder, []byte(cfg.JWTSecret))
	if cfg.JWTSecret == "" {
		logger.Warn("no JWT secret configured; token subjects will be decoded unverified (development mode)")
	}

	secretKey := os.Getenv("TURNSTILE_SECRET_KEY")
	vcache := verification.NewCache(store, 10000, time.Hour)
	coordinator := verification.NewCoordinator(store, vcache, secretKey, os.Getenv("TURNSTILE_VERIFY_URL"), logger)
	verifyHandler := verification.NewHandler(coordinator, provider, resolver, logger)

	rules := ratelimit.NewRuleStore(store)
	engine := ratelimit.NewEngine(provider, store, resolver, vcache, coordinator, rules, logger)

	surface := admin.New(provider, store, rules, secretKey != "", logger)

	upstream := buildUpstream(logger)

	root := http.NewServeMux()
	root.Handle("/admin/", surface.Router())
	root.Handle("/api/turnstile/verify", verifyHandler)
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("/healthz", healthz(store, provider, secretKey != ""))
	root.Handle("/", engine.Middleware(upstream))

	handler := httpmw.Chain(
		httpmw.RequestIDMiddleware,
		httpmw.LoggingMiddleware(logger),
		httpmw.MetricsMiddleware,
		httpmw.RecoveryMiddleware(logger),
	)(root)

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background overlay refresh so admin writes from other instances
	// become visible within the throttle window.
	stopRefresh := make(chan struct{})
	go refreshLoop(provider, logger, stopRefresh)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("HTTP server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down")
	close(stopRefresh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

// buildStore constructs the pooled Counter Store client from REDIS_* env
// vars, falling back to the Unconfigured sentinel (which makes the engine
// refuse gated requests) when no address is supplied.
func buildStore(logger *slog.Logger) counterstore.Store {
	cfg := counterstore.DefaultConfig()
	cfg.Addr = os.Getenv("REDIS_ADDR")
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if db, err := strconv.Atoi(raw); err == nil {
			cfg.DB = db
		}
	}

	redisStore, err := counterstore.New(cfg)
	if err != nil {
		logger.Error("counter store misconfigured; gated requests will be refused", "error", err)
		return counterstore.Unconfigured{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := redisStore.Ping(ctx); err != nil {
		logger.Warn("counter store unreachable at startup; will retry per request", "error", err)
	} else {
		logger.Info("counter store connected", "addr", cfg.Addr)
	}

	return counterstore.NewRetryingStore(redisStore, resilience.DefaultPolicy(), logger)
}

// buildUpstream returns the protected handler: a reverse proxy when
// UPSTREAM_URL is set, otherwise a stub so the gate can run standalone.
func buildUpstream(logger *slog.Logger) http.Handler {
	raw := os.Getenv("UPSTREAM_URL")
	if raw == "" {
		logger.Warn("no UPSTREAM_URL configured; serving a stub upstream")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
	}
	target, err := url.Parse(raw)
	if err != nil {
		logger.Error("invalid UPSTREAM_URL", "error", err)
		os.Exit(1)
	}
	return httputil.NewSingleHostReverseProxy(target)
}

func refreshLoop(provider *gateconfig.Provider, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(gateconfig.RefreshThrottle)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := provider.Refresh(ctx, false); err != nil {
				logger.Debug("overlay refresh failed", "error", err)
			}
			cancel()
		}
	}
}

func healthz(store counterstore.Store, provider *gateconfig.Provider, challengeConfigured bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		storeStatus := "ok"
		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			storeStatus = "unreachable"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service":              serviceName,
			"version":              serviceVersion,
			"counter_store":        storeStatus,
			"config_version":       provider.CurrentConfig().Version,
			"challenge_configured": challengeConfigured,
		})
	}
}
