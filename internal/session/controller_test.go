package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/httpbackend"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

type requestRecorder struct {
	mu       sync.Mutex
	requests []translation.Request
}

func (recorder *requestRecorder) ObserveRequest(request translation.Request) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.requests = append(recorder.requests, request)
}

func (recorder *requestRecorder) snapshot() []translation.Request {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]translation.Request(nil), recorder.requests...)
}

func TestRecordedSessionChargesElapsedSeconds(test *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/translate/audio" {
			http.NotFound(writer, request)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		if payload["text"] != "hello" || payload["source_language"] != "en" || payload["target_language"] != "es" {
			http.Error(writer, "unexpected payload", http.StatusBadRequest)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"translated_text":"hola","source_language":"en","target_language":"es","confidence":0.97,"audio_base64":"aG9sYQ=="}`))
	}))
	defer server.Close()

	backend, err := httpbackend.New(httpbackend.Config{BaseURL: server.URL})
	if err != nil {
		test.Fatalf("backend: %v", err)
	}
	recorder := &requestRecorder{}
	orchestrator, err := translation.New(backend, translation.WithRequestObserver(recorder))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	clock := &fakeClock{now: testEpoch}
	service := mustLedger(test, clock, 300)
	ticker := newManualTicker()
	controller := NewController(service, orchestrator, Policy{}, WithTickerFactory(ticker.factory))

	if err := controller.Begin(context.Background()); err != nil {
		test.Fatalf("begin: %v", err)
	}
	for index := 0; index < 45; index++ {
		if !ticker.fire(clock) {
			test.Fatalf("loop exited early at tick %d", index)
		}
	}
	// The round trip ends partway into the next second.
	clock.Advance(400 * time.Millisecond)
	outcome, err := controller.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		test.Fatalf("translate: %v", err)
	}

	if outcome.Translation.Text != "hola" || string(outcome.Translation.Audio) != "hola" {
		test.Fatalf("unexpected translation: %+v", outcome.Translation)
	}
	if outcome.Summary.ChargedSeconds != 45 || outcome.Summary.BalanceAfter != 255 {
		test.Fatalf("unexpected summary: %+v", outcome.Summary)
	}
	if service.Snapshot().SecondsRemaining != 255 {
		test.Fatalf("expected 255 seconds remaining, got %d", service.Snapshot().SecondsRemaining)
	}
	if service.Session().State != ledger.SessionIdle {
		test.Fatalf("expected idle session, got %s", service.Session().State)
	}
	requests := recorder.snapshot()
	if len(requests) != 1 || requests[0].State != translation.StateSucceeded || requests[0].Fallback {
		test.Fatalf("expected one succeeded primary request, got %+v", requests)
	}
}
