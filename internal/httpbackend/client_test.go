package httpbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

func newTestClient(test *testing.T, handler http.Handler) *Client {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"}, WithHTTPClient(server.Client()))
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func TestTranslateAudioRequestShape(test *testing.T) {
	test.Parallel()
	var received translateRequest
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != translateAudioPath || request.Method != http.MethodPost {
			test.Errorf("unexpected route %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get(headerAPIKey) != "secret" {
			test.Errorf("expected api key header")
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			test.Errorf("decode: %v", err)
		}
		writer.Header().Set(headerContentType, contentTypeJSON)
		_, _ = writer.Write([]byte(`{"translated_text":"hola","source_language":"en","target_language":"es","confidence":0.92,"audio_url":"/audio/abc.mp3","processing_time_ms":120}`))
	}))

	response, err := client.Translate(context.Background(), translation.BackendRequest{Text: "hello", SourceLang: "en", TargetLang: "es", WantAudio: true})
	if err != nil {
		test.Fatalf("translate: %v", err)
	}
	if !received.ReturnAudio || received.VoiceGender != defaultVoiceGender || received.SpeakingRate != defaultSpeakingRate {
		test.Fatalf("unexpected request payload: %+v", received)
	}
	if response.TranslatedText != "hola" || response.Confidence != 0.92 || response.AudioURL != "/audio/abc.mp3" {
		test.Fatalf("unexpected response: %+v", response)
	}
	if response.ProcessingTime != 120*time.Millisecond {
		test.Fatalf("expected processing time 120ms, got %s", response.ProcessingTime)
	}
}

func TestTranslateTextOnlyUsesPlainEndpoint(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != translateTextPath {
			test.Errorf("expected text endpoint, got %s", request.URL.Path)
		}
		_, _ = writer.Write([]byte(`{"translated_text":"hola","source_language":"en","target_language":"es","confidence":0.8}`))
	}))
	response, err := client.Translate(context.Background(), translation.BackendRequest{Text: "hello", SourceLang: "en", TargetLang: "es"})
	if err != nil {
		test.Fatalf("translate: %v", err)
	}
	if response.AudioURL != "" || response.AudioBase64 != "" {
		test.Fatalf("expected no audio, got %+v", response)
	}
}

func TestTranslateStatusErrorsClassify(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		status       int
		body         string
		expectKind   translation.Kind
		expectDetail string
	}{
		{name: "service unavailable", status: http.StatusServiceUnavailable, body: `{"detail":"Service unavailable"}`, expectKind: translation.KindServerError, expectDetail: "Service unavailable"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"detail":"Unsupported language"}`, expectKind: translation.KindClientError, expectDetail: "Unsupported language"},
		{name: "plain body", status: http.StatusInternalServerError, body: "boom", expectKind: translation.KindServerError, expectDetail: "boom"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			_, err := client.Translate(context.Background(), translation.BackendRequest{Text: "x", SourceLang: "en", TargetLang: "es"})
			var statusError *StatusError
			if !errors.As(err, &statusError) {
				test.Fatalf("expected StatusError, got %v", err)
			}
			if statusError.Message != testCase.expectDetail {
				test.Fatalf("expected detail %q, got %q", testCase.expectDetail, statusError.Message)
			}
			if failure := translation.AsFailure(err); failure.Kind != testCase.expectKind {
				test.Fatalf("expected kind %s, got %s", testCase.expectKind, failure.Kind)
			}
		})
	}
}

func TestTranslateRejectsIncompleteBody(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		body string
	}{
		{name: "missing confidence", body: `{"translated_text":"hola"}`},
		{name: "empty text", body: `{"translated_text":"  ","confidence":0.5}`},
		{name: "not json", body: `<html>`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				_, _ = writer.Write([]byte(testCase.body))
			}))
			_, err := client.Translate(context.Background(), translation.BackendRequest{Text: "x", SourceLang: "en", TargetLang: "es"})
			if !errors.Is(err, translation.ErrInvalidResponse) {
				test.Fatalf("expected invalid response, got %v", err)
			}
		})
	}
}

func TestHealth(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		status        int
		body          string
		expectHealthy bool
	}{
		{name: "healthy", status: http.StatusOK, body: `{"status":"healthy","version":"1.0.0"}`, expectHealthy: true},
		{name: "degraded", status: http.StatusOK, body: `{"status":"degraded"}`, expectHealthy: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `{"detail":"down"}`, expectHealthy: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != healthPath {
					test.Errorf("unexpected path %s", request.URL.Path)
				}
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			healthy, err := client.Health(context.Background())
			if err != nil {
				test.Fatalf("health: %v", err)
			}
			if healthy != testCase.expectHealthy {
				test.Fatalf("expected healthy=%v, got %v", testCase.expectHealthy, healthy)
			}
		})
	}
}

func TestLanguagesAreCached(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = writer.Write([]byte(`{"languages":[{"code":"en","name":"English","flag":"x"},{"code":"es","name":"Spanish"},{"code":"","name":"blank"}]}`))
	}))
	for range 3 {
		languages, err := client.Languages(context.Background())
		if err != nil {
			test.Fatalf("languages: %v", err)
		}
		if len(languages) != 2 || languages[1].Code != "es" {
			test.Fatalf("unexpected languages: %+v", languages)
		}
	}
	if calls.Load() != 1 {
		test.Fatalf("expected one backend call, got %d", calls.Load())
	}
}

func TestFetchAudioResolvesRelativeURL(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/audio/abc.mp3" {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = writer.Write([]byte("ID3"))
	}))
	audio, err := client.FetchAudio(context.Background(), "/audio/abc.mp3")
	if err != nil {
		test.Fatalf("fetch audio: %v", err)
	}
	if string(audio) != "ID3" {
		test.Fatalf("unexpected audio %q", audio)
	}
	if _, err := client.FetchAudio(context.Background(), "/audio/missing.mp3"); translation.AsFailure(err).StatusCode != http.StatusNotFound {
		test.Fatalf("expected 404 failure, got %v", err)
	}
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "empty", config: Config{}},
		{name: "no scheme", config: Config{BaseURL: "localhost:8000"}},
		{name: "bad rate", config: Config{BaseURL: "http://localhost:8000", SpeakingRate: 3}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := New(testCase.config); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestFetchAudioRejectsOversizedBody(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path == "/audio/exact.mp3" {
			_, _ = writer.Write(make([]byte, 16))
			return
		}
		_, _ = writer.Write(make([]byte, 17))
	}))
	test.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, MaxAudioBytes: 16}, WithHTTPClient(server.Client()))
	if err != nil {
		test.Fatalf("new client: %v", err)
	}

	audio, err := client.FetchAudio(context.Background(), "/audio/exact.mp3")
	if err != nil || len(audio) != 16 {
		test.Fatalf("expected 16 bytes at the limit, got %d %v", len(audio), err)
	}
	audio, err = client.FetchAudio(context.Background(), "/audio/large.mp3")
	if !errors.Is(err, ErrAudioTooLarge) || audio != nil {
		test.Fatalf("expected ErrAudioTooLarge, got %d bytes %v", len(audio), err)
	}
	if failure := translation.AsFailure(err); failure.Retryable() {
		test.Fatalf("expected oversized audio to be final, got %+v", failure)
	}
}
