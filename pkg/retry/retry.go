// Package retry wraps a single backend invocation with bounded retry.
// Transient failures back off exponentially; rate limits honor a
// provider-suggested delay when one can be parsed from the error message;
// everything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Class partitions backend errors by how the caller reacts to them.
type Class string

const (
	// ClassTransient covers timeouts, connection errors, and 5xx responses.
	ClassTransient Class = "transient"
	// ClassRateLimit covers 429-equivalent responses.
	ClassRateLimit Class = "rate_limit"
	// ClassFatal covers auth/validation failures and anything unclassified.
	ClassFatal Class = "fatal"
)

// BackendError is the classified form every protocol adapter reduces its
// provider-specific failures to.
type BackendError struct {
	Class      Class
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend error (%s, status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend error (%s): %s", e.Class, e.Message)
}

// Transient builds a transient backend error.
func Transient(format string, args ...any) *BackendError {
	return &BackendError{Class: ClassTransient, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a rate-limit backend error.
func RateLimited(format string, args ...any) *BackendError {
	return &BackendError{Class: ClassRateLimit, Message: fmt.Sprintf(format, args...)}
}

// Fatal builds a non-retryable backend error.
func Fatal(format string, args ...any) *BackendError {
	return &BackendError{Class: ClassFatal, Message: fmt.Sprintf(format, args...)}
}

// FromStatus classifies an HTTP status code into a backend error.
func FromStatus(status int, message string) *BackendError {
	return &BackendError{Class: ClassifyStatus(status), StatusCode: status, Message: message}
}

// ClassifyStatus maps an HTTP status to an error class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Classify reduces an arbitrary error to a class. Context cancellation is
// fatal here: the turn layer recognizes it separately as controlled
// cancellation, not a backend failure to retry.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassFatal
}

// Policy bounds one backend invocation.
type Policy struct {
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int
	// BaseDelay seeds the exponential schedule: base * 2^(attempt-1).
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
	Logger   *slog.Logger
}

// DefaultPolicy mirrors the limits used by the runtime when config is silent.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy().MaxDelay
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Do runs op under the policy. Transient and rate-limit errors retry up to
// the attempt budget; rate limits prefer a provider-suggested delay parsed
// from the error text, falling back to the exponential schedule. Fatal
// errors and cancellation propagate unchanged on the first occurrence.
func Do[T any](ctx context.Context, policy Policy, op func() (T, error)) (T, error) {
	p := policy.normalized()
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		out, err := op()
		if err == nil {
			return out, nil
		}
		switch Classify(err) {
		case ClassRateLimit:
			if delay, ok := ParseRetryAfter(err.Error()); ok {
				p.Logger.Debug("rate limited, honoring provider delay",
					slog.Int("attempt", attempt), slog.Duration("delay", delay))
				return out, &rateLimitDelay{cause: err, signal: &backoff.RetryAfterError{Duration: delay}}
			}
			p.Logger.Debug("rate limited, exponential backoff", slog.Int("attempt", attempt))
			return out, err
		case ClassTransient:
			p.Logger.Debug("transient backend failure",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return out, err
		default:
			return out, backoff.Permanent(err)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = p.MaxDelay

	out, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	var delayed *rateLimitDelay
	if errors.As(err, &delayed) {
		err = delayed.cause
	}
	return out, err
}

// rateLimitDelay carries the provider's rate-limit error together with
// the backoff scheduling signal. The scheduler sees the RetryAfterError
// through Unwrap; if the attempt budget exhausts, Do strips the wrapper
// so the caller gets the provider error unchanged.
type rateLimitDelay struct {
	cause  error
	signal *backoff.RetryAfterError
}

func (e *rateLimitDelay) Error() string { return e.cause.Error() }

func (e *rateLimitDelay) Unwrap() []error { return []error{e.cause, e.signal} }
