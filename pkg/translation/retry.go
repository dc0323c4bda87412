package translation

import (
	"context"
	"fmt"
	"time"
)

// Classification decides what the orchestrator does after a failed attempt.
type Classification int

const (
	ClassNone Classification = iota
	ClassNonRetryable
	ClassRetryableServer
	ClassTimeout
	ClassCancelled
)

// String implements fmt.Stringer.
func (classification Classification) String() string {
	switch classification {
	case ClassNone:
		return "none"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassRetryableServer:
		return "retryable_server"
	case ClassTimeout:
		return "timeout"
	case ClassCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("classification(%d)", int(classification))
	}
}

// Classify maps an attempt error to its retry decision. A nil error is ClassNone.
func Classify(err error) Classification {
	if err == nil {
		return ClassNone
	}
	failure := AsFailure(err)
	switch {
	case failure.Kind == KindCancelled:
		return ClassCancelled
	case failure.Kind == KindTimeout:
		return ClassTimeout
	case failure.Retryable():
		return ClassRetryableServer
	default:
		return ClassNonRetryable
	}
}

// RetryPolicy bounds attempts and spaces them with capped exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used for primary translation attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

// DefaultAudioRetryPolicy is used when downloading synthesized audio.
func DefaultAudioRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Delay returns the wait after the given failed attempt: min(BaseDelay*2^(attempt-1), MaxDelay).
func (policy RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := policy.BaseDelay
	for step := 1; step < attempt; step++ {
		if delay >= policy.MaxDelay/2 {
			return policy.MaxDelay
		}
		delay *= 2
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}

// Validate reports configuration errors.
func (policy RetryPolicy) Validate() error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	}
	if policy.BaseDelay < 0 || policy.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	if policy.MaxDelay < policy.BaseDelay {
		return fmt.Errorf("%w: max delay below base delay", ErrInvalidConfig)
	}
	return nil
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
