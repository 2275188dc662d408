package counterstore

import (
	"context"
	"errors"
	"time"
)

var errNotConfigured = errors.New("counter store not configured")

// Unconfigured is the Store used when no Redis address was supplied at
// startup. Every operation fails with a misconfigured-coded error so the
// engine refuses gated requests instead of silently allowing them.
type Unconfigured struct{}

func (Unconfigured) IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, newError(CodeMisconfigured, "incr_and_expire", key, errNotConfigured)
}

func (Unconfigured) Get(ctx context.Context, key string) (string, error) {
	return "", newError(CodeMisconfigured, "get", key, errNotConfigured)
}

func (Unconfigured) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return newError(CodeMisconfigured, "set", key, errNotConfigured)
}

func (Unconfigured) Del(ctx context.Context, keys ...string) error {
	return newError(CodeMisconfigured, "del", "", errNotConfigured)
}

func (Unconfigured) Exists(ctx context.Context, key string) (bool, error) {
	return false, newError(CodeMisconfigured, "exists", key, errNotConfigured)
}

func (Unconfigured) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, newError(CodeMisconfigured, "ttl", key, errNotConfigured)
}

func (Unconfigured) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, newError(CodeMisconfigured, "scan_prefix", prefix, errNotConfigured)
}

func (Unconfigured) Ping(ctx context.Context) error {
	return newError(CodeMisconfigured, "ping", "", errNotConfigured)
}

func (Unconfigured) Close() error { return nil }
