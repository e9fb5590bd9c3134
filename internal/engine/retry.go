package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// DefaultMaxAttempts is the number of attempts per phase when a task does
// not set retry.max_attempts.
const DefaultMaxAttempts = 3

// RetrySettings is a resolved retry policy.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	RetryIf     string
}

// DefaultRetrySettings returns the engine-wide defaults.
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Resolve overlays a task's retry policy onto s. Unset or unparseable
// fields keep the value from s.
func (s RetrySettings) Resolve(p *schema.RetryPolicy) RetrySettings {
	if p == nil {
		return s
	}
	if p.MaxAttempts > 0 {
		s.MaxAttempts = p.MaxAttempts
	}
	if d, err := time.ParseDuration(p.BaseDelay); err == nil && d >= 0 {
		s.BaseDelay = d
	}
	if d, err := time.ParseDuration(p.MaxDelay); err == nil && d >= 0 {
		s.MaxDelay = d
	}
	if p.Jitter > 0 && p.Jitter <= 1 {
		s.Jitter = p.Jitter
	}
	if p.RetryIf != "" {
		s.RetryIf = p.RetryIf
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	return s
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation and typed MaestroErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-attempt deadline is retryable; it is not the workflow shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var mErr *schema.MaestroError
	if errors.As(err, &mErr) {
		return mErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "invalid argument", "not supported"} {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Default: retryable; the attempt limit bounds it.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at MaxDelay, then reduced by a random fraction
// of at most Jitter. rnd returns values in [0, 1); nil disables jitter.
func ComputeBackoff(s RetrySettings, attempt int, rnd func() float64) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := s.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if s.MaxDelay > 0 && delay >= s.MaxDelay {
			break
		}
		if delay <= 0 { // overflow
			delay = s.MaxDelay
			break
		}
	}

	if s.MaxDelay > 0 && delay > s.MaxDelay {
		delay = s.MaxDelay
	}

	if rnd != nil && s.Jitter > 0 {
		j := s.Jitter
		if j > 1 {
			j = 1
		}
		delay -= time.Duration(float64(delay) * j * rnd())
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
