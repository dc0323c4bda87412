package translation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Orchestrator turns one utterance into a resilient backend round trip.
type Orchestrator struct {
	backend           Backend
	fallback          FallbackStrategy
	health            HealthChecker
	retry             RetryPolicy
	audioRetry        RetryPolicy
	attemptTimeout    time.Duration
	sleep             Sleeper
	now               func() time.Time
	newID             func() string
	attemptLoggers    []AttemptLogger
	observers         []RequestObserver
	validateLanguages bool
}

// New wires an Orchestrator over backend.
func New(backend Backend, options ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrInvalidConfig)
	}
	orchestrator := &Orchestrator{
		backend:        backend,
		health:         backend,
		retry:          DefaultRetryPolicy(),
		audioRetry:     DefaultAudioRetryPolicy(),
		attemptTimeout: DefaultAttemptTimeout,
		sleep:          sleepContext,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if err := orchestrator.retry.Validate(); err != nil {
		return nil, err
	}
	if err := orchestrator.audioRetry.Validate(); err != nil {
		return nil, err
	}
	if orchestrator.attemptTimeout <= 0 {
		return nil, fmt.Errorf("%w: attempt timeout must be positive", ErrInvalidConfig)
	}
	return orchestrator, nil
}

// Translate runs the primary attempts and, when configured, the fallback.
// The returned error is always a *Failure.
func (orchestrator *Orchestrator) Translate(ctx context.Context, text string, sourceLang string, targetLang string) (Translation, error) {
	request := orchestrator.newRequest(text, sourceLang, targetLang, false)
	if strings.TrimSpace(text) == "" {
		return Translation{}, orchestrator.finish(&request, StateFailed, &Failure{Kind: KindEmptyInput, Message: "text is empty"})
	}
	request.Text = strings.TrimSpace(text)
	if ctx.Err() != nil {
		return Translation{}, orchestrator.finish(&request, StateCancelled, cancelledFailure(ctx, 0))
	}
	if orchestrator.validateLanguages {
		if failure := orchestrator.checkLanguages(ctx, request); failure != nil {
			state := StateFailed
			if failure.Kind == KindCancelled {
				state = StateCancelled
			}
			return Translation{}, orchestrator.finish(&request, state, failure)
		}
	}
	if orchestrator.fallback != nil && orchestrator.health != nil {
		probeCtx, cancelProbe := context.WithTimeout(ctx, orchestrator.attemptTimeout)
		healthy, err := await(probeCtx, orchestrator.health.Health)
		cancelProbe()
		if ctx.Err() != nil {
			return Translation{}, orchestrator.finish(&request, StateCancelled, cancelledFailure(ctx, 0))
		}
		if err != nil || !healthy {
			cause := &Failure{Kind: KindNetworkError, Message: "backend unhealthy", Err: err}
			orchestrator.finish(&request, StateFailed, cause)
			return orchestrator.runFallback(ctx, request)
		}
	}

	var lastFailure *Failure
	for attempt := 1; attempt <= orchestrator.retry.MaxAttempts; attempt++ {
		request.Attempt = attempt
		request.State = StateInFlight
		started := orchestrator.now()
		response, failure := orchestrator.race(ctx, request, BackendRequest{
			Text:       request.Text,
			SourceLang: request.SourceLang,
			TargetLang: request.TargetLang,
			WantAudio:  true,
		})
		classification := ClassNone
		if failure != nil {
			failure.Attempts = attempt
			classification = Classify(failure)
		}
		orchestrator.logAttempt(ctx, AttemptLog{
			RequestID:      request.ID,
			Attempt:        attempt,
			Elapsed:        orchestrator.now().Sub(started),
			Classification: classification,
			Err:            errorOrNil(failure),
		})

		switch classification {
		case ClassNone:
			translation, resolveFailure := orchestrator.resolve(ctx, request, response)
			if resolveFailure != nil {
				return Translation{}, orchestrator.finish(&request, StateCancelled, resolveFailure)
			}
			translation.Source = SourcePrimary
			translation.Attempts = attempt
			orchestrator.finish(&request, StateSucceeded, nil)
			if recorder, ok := orchestrator.fallback.(SuccessRecorder); ok {
				recorder.RememberTranslation(request, translation)
			}
			return translation, nil
		case ClassCancelled:
			return Translation{}, orchestrator.finish(&request, StateCancelled, failure)
		case ClassTimeout:
			orchestrator.finish(&request, StateTimedOut, failure)
			if orchestrator.fallback == nil {
				return Translation{}, failure
			}
			return orchestrator.runFallback(ctx, request)
		case ClassNonRetryable:
			return Translation{}, orchestrator.finish(&request, StateFailed, failure)
		}

		lastFailure = failure
		if attempt == orchestrator.retry.MaxAttempts {
			break
		}
		request.State = StateRetrying
		if err := orchestrator.sleep(ctx, orchestrator.retry.Delay(attempt)); err != nil || ctx.Err() != nil {
			return Translation{}, orchestrator.finish(&request, StateCancelled, cancelledFailure(ctx, attempt))
		}
	}

	exhausted := &Failure{
		Kind:       lastFailure.Kind,
		StatusCode: lastFailure.StatusCode,
		Attempts:   orchestrator.retry.MaxAttempts,
		Message:    fmt.Sprintf("gave up after %d attempts", orchestrator.retry.MaxAttempts),
		Err:        lastFailure,
	}
	return Translation{}, orchestrator.finish(&request, StateFailed, exhausted)
}

type attemptResult struct {
	response BackendResponse
	err      error
}

// race runs one backend call against the attempt timer and ctx. A losing call
// is cancelled and never waited on; its late result lands in the buffered
// channel and is dropped.
func (orchestrator *Orchestrator) race(ctx context.Context, request Request, backendRequest BackendRequest) (BackendResponse, *Failure) {
	attemptCtx, cancel := context.WithCancel(ctx)
	results := make(chan attemptResult, 1)
	go func() {
		response, err := orchestrator.backend.Translate(attemptCtx, backendRequest)
		results <- attemptResult{response: response, err: err}
	}()
	timer := time.NewTimer(orchestrator.attemptTimeout)
	defer timer.Stop()

	select {
	case result := <-results:
		cancel()
		if ctx.Err() != nil {
			return BackendResponse{}, cancelledFailure(ctx, request.Attempt)
		}
		if result.err != nil {
			return BackendResponse{}, AsFailure(result.err)
		}
		if strings.TrimSpace(result.response.TranslatedText) == "" {
			return BackendResponse{}, &Failure{Kind: KindInvalidResponse, Message: "empty translated text"}
		}
		return result.response, nil
	case <-timer.C:
		cancel()
		if ctx.Err() != nil {
			return BackendResponse{}, cancelledFailure(ctx, request.Attempt)
		}
		return BackendResponse{}, &Failure{Kind: KindTimeout, Message: fmt.Sprintf("no response within %s", orchestrator.attemptTimeout)}
	case <-ctx.Done():
		cancel()
		return BackendResponse{}, cancelledFailure(ctx, request.Attempt)
	}
}

// resolve decodes the primary response and its audio. Audio problems only
// produce a warning; a nil Failure return means success. A non-nil return is
// always a cancellation observed during the audio download.
func (orchestrator *Orchestrator) resolve(ctx context.Context, request Request, response BackendResponse) (Translation, *Failure) {
	translation := Translation{
		RequestID:  request.ID,
		Text:       response.TranslatedText,
		SourceLang: firstNonEmpty(response.SourceLang, request.SourceLang),
		TargetLang: firstNonEmpty(response.TargetLang, request.TargetLang),
		Confidence: response.Confidence,
	}
	switch {
	case response.AudioBase64 != "":
		audio, err := base64.StdEncoding.DecodeString(response.AudioBase64)
		if err != nil {
			translation.Warning = &Failure{Kind: KindSecondaryArtifactFailed, Message: "audio payload is not valid base64", Err: err}
			return translation, nil
		}
		translation.Audio = audio
	case response.AudioURL != "":
		audio, failure := orchestrator.fetchAudio(ctx, response.AudioURL)
		if failure != nil {
			if failure.Kind == KindCancelled {
				return Translation{}, failure
			}
			translation.Warning = failure
			return translation, nil
		}
		translation.Audio = audio
	}
	return translation, nil
}

func (orchestrator *Orchestrator) fetchAudio(ctx context.Context, url string) ([]byte, *Failure) {
	var lastErr error
	for attempt := 1; attempt <= orchestrator.audioRetry.MaxAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, orchestrator.attemptTimeout)
		audio, err := await(fetchCtx, func(ctx context.Context) ([]byte, error) {
			return orchestrator.backend.FetchAudio(ctx, url)
		})
		cancel()
		if ctx.Err() != nil {
			return nil, cancelledFailure(ctx, attempt)
		}
		if err == nil && len(audio) > 0 {
			return audio, nil
		}
		if err == nil {
			err = errors.New("empty audio body")
		}
		lastErr = err
		if failure := AsFailure(err); !failure.Retryable() && failure.Kind != KindTimeout && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < orchestrator.audioRetry.MaxAttempts {
			if sleepErr := orchestrator.sleep(ctx, orchestrator.audioRetry.Delay(attempt)); sleepErr != nil || ctx.Err() != nil {
				return nil, cancelledFailure(ctx, attempt)
			}
		}
	}
	return nil, &Failure{Kind: KindSecondaryArtifactFailed, Message: "audio download failed", Err: lastErr}
}

func (orchestrator *Orchestrator) runFallback(ctx context.Context, primary Request) (Translation, error) {
	request := orchestrator.newRequest(primary.Text, primary.SourceLang, primary.TargetLang, true)
	request.Attempt = 1
	request.State = StateInFlight
	started := orchestrator.now()
	fallbackCtx, cancel := context.WithTimeout(ctx, orchestrator.attemptTimeout)
	translation, err := await(fallbackCtx, func(ctx context.Context) (Translation, error) {
		return orchestrator.fallback.Translate(ctx, request)
	})
	deadlineHit := fallbackCtx.Err() == context.DeadlineExceeded
	cancel()

	var failure *Failure
	switch {
	case ctx.Err() != nil:
		failure = cancelledFailure(ctx, 1)
	case err != nil && deadlineHit:
		failure = &Failure{Kind: KindTimeout, Message: "fallback timed out", Err: err}
	case err != nil:
		failure = AsFailure(err)
	}
	orchestrator.logAttempt(ctx, AttemptLog{
		RequestID:      request.ID,
		Attempt:        1,
		Fallback:       true,
		Elapsed:        orchestrator.now().Sub(started),
		Classification: Classify(errorOrNil(failure)),
		Err:            errorOrNil(failure),
	})
	if failure != nil {
		failure.Attempts = 1
		state := StateFailed
		switch failure.Kind {
		case KindCancelled:
			state = StateCancelled
		case KindTimeout:
			state = StateTimedOut
		}
		return Translation{}, orchestrator.finish(&request, state, failure)
	}
	translation.RequestID = request.ID
	translation.Attempts = 1
	if translation.Source == "" || translation.Source == SourcePrimary {
		translation.Source = SourceTextOnly
	}
	orchestrator.finish(&request, StateSucceeded, nil)
	return translation, nil
}

func (orchestrator *Orchestrator) checkLanguages(ctx context.Context, request Request) *Failure {
	languages, err := await(ctx, orchestrator.backend.Languages)
	if ctx.Err() != nil {
		return cancelledFailure(ctx, 0)
	}
	if err != nil || len(languages) == 0 {
		// Unknown catalogue: let the backend decide.
		return nil
	}
	supported := make(map[string]struct{}, len(languages))
	for _, language := range languages {
		supported[strings.ToLower(language.Code)] = struct{}{}
	}
	for _, code := range []string{request.SourceLang, request.TargetLang} {
		if _, ok := supported[strings.ToLower(code)]; !ok {
			return &Failure{Kind: KindClientError, StatusCode: 400, Message: fmt.Sprintf("unsupported language %q", code)}
		}
	}
	return nil
}

func (orchestrator *Orchestrator) newRequest(text string, sourceLang string, targetLang string, fallback bool) Request {
	return Request{
		ID:         orchestrator.newID(),
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		StartedAt:  orchestrator.now(),
		State:      StatePending,
		Fallback:   fallback,
	}
}

// finish moves request to a terminal state, notifies observers and returns
// failure as an error (nil when failure is nil).
func (orchestrator *Orchestrator) finish(request *Request, state State, failure *Failure) error {
	request.State = state
	request.Failure = failure
	request.FinishedAt = orchestrator.now()
	for _, observer := range orchestrator.observers {
		observer.ObserveRequest(*request)
	}
	return errorOrNil(failure)
}

func (orchestrator *Orchestrator) logAttempt(ctx context.Context, attempt AttemptLog) {
	for _, logger := range orchestrator.attemptLoggers {
		logger.LogAttempt(ctx, attempt)
	}
}

type awaited[T any] struct {
	value T
	err   error
}

// await returns when call finishes or ctx is done, whichever comes first.
// The call goroutine may outlive await; its result is dropped.
func await[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	results := make(chan awaited[T], 1)
	go func() {
		value, err := call(ctx)
		results <- awaited[T]{value: value, err: err}
	}()
	select {
	case result := <-results:
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

func cancelledFailure(ctx context.Context, attempts int) *Failure {
	return &Failure{Kind: KindCancelled, Message: "cancelled by caller", Attempts: attempts, Err: context.Cause(ctx)}
}

// errorOrNil avoids returning a typed nil pointer inside a non-nil error.
func errorOrNil(failure *Failure) error {
	if failure == nil {
		return nil
	}
	return failure
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
