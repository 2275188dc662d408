// Package verification implements the Verification Cache and the
// Challenge Coordinator: caching "identity X recently passed a human
// challenge" and running the external-verifier handshake that produces
// that state.
package verification

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/coachconnect/gatewayd/internal/counterstore"
)

func verifiedKey(identityKey string) string { return "turnstile:verified:" + identityKey }

// Cache implements is_verified/remaining_ttl/mark_verified/clear, reading
// the Counter Store first (authoritative, fleet-wide) and falling back to
// a process-local, auto-expiring map when the store is unreachable.
type Cache struct {
	store counterstore.Store
	local *lru.LRU[string, time.Time]
}

// NewCache constructs a Verification Cache. localCapacity bounds the
// process-local fallback map; localTTL is its per-entry expiry ceiling
// (the actual remaining TTL mirrored from Counter Store may be shorter).
func NewCache(store counterstore.Store, localCapacity int, localTTL time.Duration) *Cache {
	return &Cache{
		store: store,
		local: lru.NewLRU[string, time.Time](localCapacity, nil, localTTL),
	}
}

// IsVerified reports whether identityKey currently holds a non-expired
// Verification Record. A missing record means "not verified" (fail-closed
// per the data model's invariant).
func (c *Cache) IsVerified(ctx context.Context, identityKey string) (bool, error) {
	exists, err := c.store.Exists(ctx, verifiedKey(identityKey))
	if err != nil {
		if counterstore.IsUnavailable(err) {
			if expiresAt, ok := c.local.Get(identityKey); ok {
				return time.Now().Before(expiresAt), nil
			}
			return false, err
		}
		return false, err
	}
	return exists, nil
}

// RemainingTTL returns how long identityKey's verification has left.
func (c *Cache) RemainingTTL(ctx context.Context, identityKey string) (time.Duration, error) {
	ttl, err := c.store.TTL(ctx, verifiedKey(identityKey))
	if err != nil {
		return 0, err
	}
	return ttl, nil
}

// MarkVerified records a successful verification for identityKey with the
// given TTL. The local mirror is written first so a verification that
// lands during a Counter Store outage still protects this instance.
func (c *Cache) MarkVerified(ctx context.Context, identityKey string, ttl time.Duration) error {
	c.local.Add(identityKey, time.Now().Add(ttl))
	return c.store.Set(ctx, verifiedKey(identityKey), strconv.FormatInt(time.Now().Unix(), 10), ttl)
}

// Clear removes identityKey's verification from both tiers.
func (c *Cache) Clear(ctx context.Context, identityKey string) error {
	c.local.Remove(identityKey)
	return c.store.Del(ctx, verifiedKey(identityKey))
}
