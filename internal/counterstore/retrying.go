package counterstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coachconnect/gatewayd/internal/resilience"
)

// retryableChecker treats every Unavailable-coded Error as worth a retry;
// NotFound/Misconfigured/Internal are permanent from the caller's point of
// view and must not be retried.
var retryableChecker = resilience.ErrorCheckerFunc(func(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeUnavailable
	}
	return false
})

// RetryingStore wraps a Store with the gate's standard Counter Store
// backoff policy (100ms, 200ms, 400ms; three retries) so every caller gets
// the same retry behavior without repeating it at each call site. After
// retries are exhausted the original *Error is returned unwrapped so
// IsUnavailable/IsNotFound keep working for callers deciding degrade-open.
type RetryingStore struct {
	inner  Store
	policy resilience.Policy
	logger *slog.Logger
}

// NewRetryingStore wraps inner with policy. A zero Policy uses
// resilience.DefaultPolicy(). The policy's ErrorChecker is always replaced
// by retryableChecker: every Store method reports failures as *Error, so
// the retry decision follows the error's Code.
func NewRetryingStore(inner Store, policy resilience.Policy, logger *slog.Logger) *RetryingStore {
	if policy.MaxRetries == 0 && policy.BaseDelay == 0 {
		policy = resilience.DefaultPolicy()
	}
	policy.ErrorChecker = retryableChecker
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{inner: inner, policy: policy, logger: logger}
}

func (s *RetryingStore) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := s.policy
	policy.Logger = s.logger
	policy.OperationName = op

	err := resilience.WithRetry(ctx, policy, fn)
	if err == nil {
		return nil
	}
	// Unwrap back to the last *Error so callers can still classify it;
	// ErrMaxRetriesExceeded is joined on top by resilience.WithRetry.
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return err
}

func (s *RetryingStore) IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var v int64
	err := s.withRetry(ctx, "incr_and_expire", func() error {
		var innerErr error
		v, innerErr = s.inner.IncrAndExpire(ctx, key, ttl)
		return innerErr
	})
	return v, err
}

func (s *RetryingStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.withRetry(ctx, "get", func() error {
		var innerErr error
		v, innerErr = s.inner.Get(ctx, key)
		return innerErr
	})
	return v, err
}

func (s *RetryingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func() error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

func (s *RetryingStore) Del(ctx context.Context, keys ...string) error {
	return s.withRetry(ctx, "del", func() error {
		return s.inner.Del(ctx, keys...)
	})
}

func (s *RetryingStore) Exists(ctx context.Context, key string) (bool, error) {
	var v bool
	err := s.withRetry(ctx, "exists", func() error {
		var innerErr error
		v, innerErr = s.inner.Exists(ctx, key)
		return innerErr
	})
	return v, err
}

func (s *RetryingStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var v time.Duration
	err := s.withRetry(ctx, "ttl", func() error {
		var innerErr error
		v, innerErr = s.inner.TTL(ctx, key)
		return innerErr
	})
	return v, err
}

// ScanPrefix is administrative-only and intentionally not retried with the
// hot-path policy; a single attempt is enough for the Admin Surface, which
// already reports errors to its caller as an HTTP 5xx.
func (s *RetryingStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.ScanPrefix(ctx, prefix)
}

func (s *RetryingStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *RetryingStore) Close() error {
	return s.inner.Close()
}
