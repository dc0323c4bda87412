package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FallbackStrategy produces a degraded translation when the primary path cannot.
type FallbackStrategy interface {
	Translate(ctx context.Context, request Request) (Translation, error)
}

// SuccessRecorder is implemented by fallbacks that learn from primary successes.
type SuccessRecorder interface {
	RememberTranslation(request Request, translation Translation)
}

// TextOnlyFallback asks the backend for text without synthesized audio.
type TextOnlyFallback struct {
	backend Backend
}

// NewTextOnlyFallback builds the text-only degraded path.
func NewTextOnlyFallback(backend Backend) *TextOnlyFallback {
	return &TextOnlyFallback{backend: backend}
}

// Translate implements FallbackStrategy.
func (fallback *TextOnlyFallback) Translate(ctx context.Context, request Request) (Translation, error) {
	response, err := fallback.backend.Translate(ctx, BackendRequest{
		Text:       request.Text,
		SourceLang: request.SourceLang,
		TargetLang: request.TargetLang,
		WantAudio:  false,
	})
	if err != nil {
		return Translation{}, err
	}
	if strings.TrimSpace(response.TranslatedText) == "" {
		return Translation{}, &Failure{Kind: KindInvalidResponse, Message: "empty translated text"}
	}
	return Translation{
		Text:       response.TranslatedText,
		SourceLang: firstNonEmpty(response.SourceLang, request.SourceLang),
		TargetLang: firstNonEmpty(response.TargetLang, request.TargetLang),
		Confidence: response.Confidence,
		Source:     SourceTextOnly,
	}, nil
}

// ErrCacheMiss is returned by a CacheFallback with no next strategy.
var ErrCacheMiss = errors.New("no cached translation")

// CacheFallback answers from recent primary successes before delegating to next.
type CacheFallback struct {
	cache *lru.Cache[string, Translation]
	next  FallbackStrategy
}

// NewCacheFallback builds a cache of the given size in front of next (which may be nil).
func NewCacheFallback(size int, next FallbackStrategy) (*CacheFallback, error) {
	cache, err := lru.New[string, Translation](size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &CacheFallback{cache: cache, next: next}, nil
}

// Translate implements FallbackStrategy.
func (fallback *CacheFallback) Translate(ctx context.Context, request Request) (Translation, error) {
	if cached, ok := fallback.cache.Get(cacheKey(request)); ok {
		cached.Source = SourceCache
		cached.Warning = nil
		return cached, nil
	}
	if fallback.next == nil {
		return Translation{}, &Failure{Kind: KindNetworkError, Message: "backend unavailable", Err: ErrCacheMiss}
	}
	return fallback.next.Translate(ctx, request)
}

// RememberTranslation implements SuccessRecorder.
func (fallback *CacheFallback) RememberTranslation(request Request, translation Translation) {
	fallback.cache.Add(cacheKey(request), translation)
	if recorder, ok := fallback.next.(SuccessRecorder); ok {
		recorder.RememberTranslation(request, translation)
	}
}

// Len returns the number of cached translations.
func (fallback *CacheFallback) Len() int {
	return fallback.cache.Len()
}

func cacheKey(request Request) string {
	return strings.ToLower(request.SourceLang) + "\x00" + strings.ToLower(request.TargetLang) + "\x00" + strings.TrimSpace(request.Text)
}
