package gateconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"github.com/coachconnect/gatewayd/internal/counterstore"
)

// OverlayKey is the Counter Store key under which the Admin Surface
// persists the overlay JSON document.
const OverlayKey = "admin:rate-limit-config"

// RefreshThrottle is the minimum interval between overlay re-fetches
// triggered by ordinary (non-forced) access.
const RefreshThrottle = 3 * time.Second

// Provider loads a file baseline via viper, periodically refreshes the
// Redis overlay, and publishes a merged snapshot through an atomic
// pointer so readers never observe a torn config.
type Provider struct {
	store  counterstore.Store
	logger *slog.Logger

	path       string
	baseline   Baseline
	baselineMu sync.Mutex
	baselineModTime time.Time

	snapshot atomic.Pointer[Merged]

	lastRefresh atomic.Int64 // unix nanos
	refreshMu   sync.Mutex
}

// New constructs a Provider, loading the baseline from path immediately.
// An empty path uses DefaultBaseline with no file backing.
func New(path string, store counterstore.Store, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{store: store, logger: logger, path: path}
	if err := p.loadBaseline(); err != nil {
		return nil, err
	}
	p.publish(p.baseline, nil)
	return p, nil
}

func (p *Provider) loadBaseline() error {
	p.baselineMu.Lock()
	defer p.baselineMu.Unlock()

	if p.path == "" {
		p.baseline = DefaultBaseline()
		applyEnv(&p.baseline)
		return nil
	}

	info, err := os.Stat(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.baseline = DefaultBaseline()
			applyEnv(&p.baseline)
			return nil
		}
		return fmt.Errorf("gateconfig: stat baseline: %w", err)
	}
	if !info.ModTime().After(p.baselineModTime) && !p.baselineModTime.IsZero() {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(p.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("gateconfig: read baseline: %w", err)
	}

	def := DefaultBaseline()
	v.SetDefault("identityOrder", def.IdentityOrder)
	v.SetDefault("rateLimitingEnabled", def.RateLimitingEnabled)
	v.SetDefault("routesInScope", def.RoutesInScope)
	v.SetDefault("verificationTtlSeconds", def.VerificationTTLSeconds)

	var b Baseline
	if err := v.Unmarshal(&b); err != nil {
		return fmt.Errorf("gateconfig: unmarshal baseline: %w", err)
	}

	applyEnv(&b)
	p.baseline = b
	p.baselineModTime = info.ModTime()
	return nil
}

// CurrentConfig returns the currently published merged snapshot. It is
// safe for concurrent readers and must never be mutated by callers.
func (p *Provider) CurrentConfig() *Merged {
	return p.snapshot.Load()
}

// Refresh re-reads the baseline (if its mtime changed) and re-fetches the
// overlay from the Counter Store, subject to RefreshThrottle unless force
// is true. Admin writes call Refresh(ctx, true) to bypass the throttle.
func (p *Provider) Refresh(ctx context.Context, force bool) error {
	if !force {
		last := p.lastRefresh.Load()
		if time.Since(time.Unix(0, last)) < RefreshThrottle {
			return nil
		}
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if err := p.loadBaseline(); err != nil {
		p.logger.Error("gateconfig: baseline reload rejected, keeping last valid snapshot", "error", err)
	}

	overlayRaw, err := p.fetchOverlay(ctx)
	if err != nil {
		p.logger.Warn("gateconfig: overlay fetch failed, keeping last valid snapshot", "error", err)
		p.lastRefresh.Store(time.Now().UnixNano())
		return err
	}

	p.publish(p.currentBaseline(), overlayRaw)
	p.lastRefresh.Store(time.Now().UnixNano())
	return nil
}

func (p *Provider) currentBaseline() Baseline {
	p.baselineMu.Lock()
	defer p.baselineMu.Unlock()
	return p.baseline
}

func (p *Provider) fetchOverlay(ctx context.Context) ([]byte, error) {
	raw, err := p.store.Get(ctx, OverlayKey)
	if err != nil {
		if counterstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	// Reject documents that don't parse so a bad write keeps the last
	// valid snapshot instead of silently dropping the overlay.
	var overlay Baseline
	if err := json.Unmarshal([]byte(raw), &overlay); err != nil {
		return nil, fmt.Errorf("gateconfig: unmarshal overlay: %w", err)
	}
	return []byte(raw), nil
}

func (p *Provider) publish(base Baseline, overlayRaw []byte) {
	prev := p.snapshot.Load()
	var version int64
	if prev != nil {
		version = prev.Version + 1
	}
	merged := merge(base, overlayRaw)
	merged.Version = version
	p.snapshot.Store(&merged)
}

// WriteOverlay reads the current overlay document, applies patch on top of
// it (shallow, top-level keys only, per the Admin Surface's "overlay is a
// single opaque JSON document, partial updates are read-modify-write"
// contract), persists it, then forces a refresh.
func (p *Provider) WriteOverlay(ctx context.Context, patch map[string]json.RawMessage) error {
	raw, err := p.store.Get(ctx, OverlayKey)
	if err != nil && !counterstore.IsNotFound(err) {
		return err
	}

	current := map[string]json.RawMessage{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("gateconfig: unmarshal existing overlay: %w", err)
		}
	}
	for k, v := range patch {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("gateconfig: marshal overlay: %w", err)
	}

	if err := p.store.Set(ctx, OverlayKey, string(merged), 0); err != nil {
		return err
	}

	return p.Refresh(ctx, true)
}

// ReadOverlay returns the raw overlay document currently stored, or an
// empty object if none has been written yet.
func (p *Provider) ReadOverlay(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := p.store.Get(ctx, OverlayKey)
	if err != nil {
		if counterstore.IsNotFound(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("gateconfig: unmarshal overlay: %w", err)
	}
	return doc, nil
}
