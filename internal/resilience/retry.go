// Package resilience provides the exponential-backoff retry wrapper used
// around Counter Store calls (through counterstore.RetryingStore).
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// ErrMaxRetriesExceeded is returned (wrapped) when every attempt failed.
var ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

// ErrorChecker decides whether an error is worth retrying.
type ErrorChecker interface {
	IsRetryable(err error) bool
}

// ErrorCheckerFunc adapts a function to ErrorChecker.
type ErrorCheckerFunc func(err error) bool

func (f ErrorCheckerFunc) IsRetryable(err error) bool { return f(err) }

// DefaultErrorChecker retries network and timeout errors; anything else is
// treated as permanent.
var DefaultErrorChecker = ErrorCheckerFunc(func(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isTransientNetworkError(netErr)
	}
	return isTransientNetworkError(err)
})

func isTransientNetworkError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Policy configures WithRetry's behavior. Defaults mirror the gate's
// documented Counter Store backoff: 100ms, 200ms, 400ms.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	ErrorChecker  ErrorChecker
	Logger        *slog.Logger
	OperationName string
}

// DefaultPolicy returns the gate's standard Counter Store retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		ErrorChecker: DefaultErrorChecker,
	}
}

// WithRetry runs operation, retrying on retryable errors according to
// policy, with exponential backoff. It stops as soon as the context is
// canceled or the error checker says the error is permanent.
func WithRetry(ctx context.Context, policy Policy, operation func() error) error {
	checker := policy.ErrorChecker
	if checker == nil {
		checker = DefaultErrorChecker
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delay := policy.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if policy.Jitter {
				wait = jitter(delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			delay = time.Duration(float64(delay) * policy.Multiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !checker.IsRetryable(err) {
			return err
		}

		logger.Debug("retrying operation",
			"operation", policy.OperationName,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
