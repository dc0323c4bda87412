package translation

import (
	"context"
	"time"
)

// State tracks a Request through one logical call.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (state State) Terminal() bool {
	switch state {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Request is one logical translation call. A fallback runs as its own Request.
type Request struct {
	ID         string
	Text       string
	SourceLang string
	TargetLang string
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Fallback   bool
	Failure    *Failure
}

// Source names which path produced a Translation.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceTextOnly Source = "text_only"
	SourceCache    Source = "cache"
)

// Translation is a successful result, possibly degraded.
type Translation struct {
	RequestID  string
	Text       string
	SourceLang string
	TargetLang string
	Confidence float64
	Audio      []byte
	Source     Source
	Attempts   int
	// Warning is set when the text succeeded but the audio could not be produced.
	Warning *Failure
}

// FromFallback reports whether a degraded path produced the result.
func (translation Translation) FromFallback() bool {
	return translation.Source != SourcePrimary
}

// BackendRequest is the wire-independent call to the translation backend.
type BackendRequest struct {
	Text       string
	SourceLang string
	TargetLang string
	WantAudio  bool
}

// BackendResponse is the decoded backend reply.
type BackendResponse struct {
	TranslatedText string
	SourceLang     string
	TargetLang     string
	Confidence     float64
	AudioBase64    string
	AudioURL       string
	ProcessingTime time.Duration
}

// Language is a supported language code.
type Language struct {
	Code string
	Name string
}

// HealthChecker probes backend availability.
type HealthChecker interface {
	Health(ctx context.Context) (bool, error)
}

// Backend is the remote translation service.
type Backend interface {
	HealthChecker
	Translate(ctx context.Context, request BackendRequest) (BackendResponse, error)
	Languages(ctx context.Context) ([]Language, error)
	FetchAudio(ctx context.Context, url string) ([]byte, error)
}

// AttemptLog describes one primary or fallback attempt.
type AttemptLog struct {
	RequestID      string
	Attempt        int
	Fallback       bool
	Elapsed        time.Duration
	Classification Classification
	Err            error
}

// AttemptLogger receives one callback per attempt.
type AttemptLogger interface {
	LogAttempt(ctx context.Context, attempt AttemptLog)
}

// RequestObserver receives each Request once it reaches a terminal state.
type RequestObserver interface {
	ObserveRequest(request Request)
}
