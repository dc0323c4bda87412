package translation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a translation failure.
type Kind string

const (
	KindEmptyInput              Kind = "empty_input"
	KindInvalidResponse         Kind = "invalid_response"
	KindClientError             Kind = "client_error"
	KindServerError             Kind = "server_error"
	KindNetworkError            Kind = "network_error"
	KindTimeout                 Kind = "timeout"
	KindCancelled               Kind = "cancelled"
	KindSecondaryArtifactFailed Kind = "secondary_artifact_failed"
)

// Sentinels for errors.Is. A sentinel matches any Failure of the same kind.
var (
	ErrEmptyInput              = &Failure{Kind: KindEmptyInput}
	ErrInvalidResponse         = &Failure{Kind: KindInvalidResponse}
	ErrClientError             = &Failure{Kind: KindClientError}
	ErrServerError             = &Failure{Kind: KindServerError}
	ErrNetworkError            = &Failure{Kind: KindNetworkError}
	ErrTimeout                 = &Failure{Kind: KindTimeout}
	ErrCancelled               = &Failure{Kind: KindCancelled}
	ErrSecondaryArtifactFailed = &Failure{Kind: KindSecondaryArtifactFailed}

	ErrInvalidConfig = errors.New("invalid orchestrator config")
)

// Failure is the typed error returned by Translate.
type Failure struct {
	Kind       Kind
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

// NewFailure builds a Failure wrapping cause.
func NewFailure(kind Kind, message string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: cause}
}

// Error implements error.
func (failure *Failure) Error() string {
	var builder strings.Builder
	builder.WriteString("translation ")
	builder.WriteString(string(failure.Kind))
	if failure.StatusCode != 0 {
		fmt.Fprintf(&builder, " (status %d)", failure.StatusCode)
	}
	if failure.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(failure.Message)
	}
	if failure.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(failure.Err.Error())
	}
	return builder.String()
}

// Unwrap returns the underlying cause.
func (failure *Failure) Unwrap() error {
	return failure.Err
}

// Is matches sentinels by kind, and by status code when the target carries one.
func (failure *Failure) Is(target error) bool {
	other, ok := target.(*Failure)
	if !ok || other.Kind != failure.Kind {
		return false
	}
	return other.StatusCode == 0 || other.StatusCode == failure.StatusCode
}

// Retryable reports whether another primary attempt may succeed.
// Request timeouts and rate limiting are treated as transient server pressure.
func (failure *Failure) Retryable() bool {
	switch failure.Kind {
	case KindServerError, KindNetworkError:
		return true
	case KindClientError:
		return failure.StatusCode == http.StatusRequestTimeout || failure.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// UserVisible reports whether the failure should be surfaced to the user.
func (failure *Failure) UserVisible() bool {
	return failure.Kind != KindCancelled
}

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// FailureFromStatus maps an HTTP status to a Failure kind.
func FailureFromStatus(statusCode int, message string, cause error) *Failure {
	kind := KindClientError
	if statusCode >= http.StatusInternalServerError {
		kind = KindServerError
	}
	return &Failure{Kind: kind, StatusCode: statusCode, Message: message, Err: cause}
}

// AsFailure converts any backend error into a Failure.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	var statusCoder StatusCoder
	if errors.As(err, &statusCoder) {
		return FailureFromStatus(statusCoder.StatusCode(), "", err)
	}
	return NewFailure(KindNetworkError, "", err)
}
