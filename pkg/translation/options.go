package translation

import (
	"time"
)

// DefaultAttemptTimeout is shorter than the HTTP transport timeout so the race decides first.
const DefaultAttemptTimeout = 10 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the primary retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.retry = policy
	}
}

// WithAudioRetryPolicy overrides the audio download retry policy.
func WithAudioRetryPolicy(policy RetryPolicy) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.audioRetry = policy
	}
}

// WithAttemptTimeout sets the per-attempt race timeout.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.attemptTimeout = timeout
	}
}

// WithFallback enables a degraded path used after a timeout or a failed health probe.
func WithFallback(fallback FallbackStrategy) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.fallback = fallback
	}
}

// WithHealthProbe replaces the backend's own health check. A nil checker disables probing.
func WithHealthProbe(checker HealthChecker) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.health = checker
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleeper Sleeper) Option {
	return func(orchestrator *Orchestrator) {
		if sleeper != nil {
			orchestrator.sleep = sleeper
		}
	}
}

// WithAttemptLogger registers an attempt logger.
func WithAttemptLogger(logger AttemptLogger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.attemptLoggers = append(orchestrator.attemptLoggers, logger)
		}
	}
}

// WithRequestObserver registers an observer of terminal requests.
func WithRequestObserver(observer RequestObserver) Option {
	return func(orchestrator *Orchestrator) {
		if observer != nil {
			orchestrator.observers = append(orchestrator.observers, observer)
		}
	}
}

// WithLanguageValidation rejects language codes the backend does not list.
func WithLanguageValidation() Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.validateLanguages = true
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// WithIDGenerator replaces the uuid-based request id source.
func WithIDGenerator(generator func() string) Option {
	return func(orchestrator *Orchestrator) {
		if generator != nil {
			orchestrator.newID = generator
		}
	}
}
