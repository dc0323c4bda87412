// Package metrics exposes prometheus instrumentation for translations and the credit ledger.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const namespace = "voicetranslate"

// Recorder implements translation.AttemptLogger, translation.RequestObserver
// and ledger.OperationLogger.
type Recorder struct {
	Attempts         *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	Requests         *prometheus.CounterVec
	LedgerOperations *prometheus.CounterVec
	LedgerSeconds    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers metrics on a fresh registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers metrics on registry.
func NewWithRegistry(registry *prometheus.Registry) *Recorder {
	recorder := &Recorder{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "translation_attempts_total",
				Help:      "Translation attempts by path and classification",
			},
			[]string{"path", "classification"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "translation_attempt_duration_seconds",
				Help:      "Translation attempt latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"path"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "translation_requests_total",
				Help:      "Terminal translation requests by state",
			},
			[]string{"path", "state"},
		),
		LedgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger operations by status",
			},
			[]string{"operation", "status"},
		),
		LedgerSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_seconds_total",
				Help:      "Seconds moved by committed ledger operations",
			},
			[]string{"operation", "scope_kind"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_active_sessions",
				Help:      "Metering sessions currently Active",
			},
		),
		gatherer: registry,
	}
	registry.MustRegister(
		recorder.Attempts,
		recorder.AttemptDuration,
		recorder.Requests,
		recorder.LedgerOperations,
		recorder.LedgerSeconds,
		recorder.ActiveSessions,
	)
	return recorder
}

// Handler serves the registry in the prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.gatherer, promhttp.HandlerOpts{})
}

// LogAttempt implements translation.AttemptLogger.
func (recorder *Recorder) LogAttempt(_ context.Context, attempt translation.AttemptLog) {
	path := pathLabel(attempt.Fallback)
	recorder.Attempts.WithLabelValues(path, attempt.Classification.String()).Inc()
	recorder.AttemptDuration.WithLabelValues(path).Observe(attempt.Elapsed.Seconds())
}

// ObserveRequest implements translation.RequestObserver.
func (recorder *Recorder) ObserveRequest(request translation.Request) {
	recorder.Requests.WithLabelValues(pathLabel(request.Fallback), string(request.State)).Inc()
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.LedgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status != ledger.OperationStatusOK {
		return
	}
	switch entry.Operation {
	case ledger.OperationStartSession:
		recorder.ActiveSessions.Inc()
	case ledger.OperationStopSession, ledger.OperationCancelSession:
		recorder.ActiveSessions.Dec()
	}
	switch entry.Operation {
	case ledger.OperationStopSession, ledger.OperationCancelSession, ledger.OperationAdd, ledger.OperationDeduct,
		ledger.OperationWeeklyReset, ledger.OperationAcceptMigrate, ledger.OperationClearMigration:
		if entry.Seconds > 0 {
			recorder.LedgerSeconds.WithLabelValues(entry.Operation, string(entry.Scope.Kind())).Add(float64(entry.Seconds))
		}
	}
}

func pathLabel(fallback bool) string {
	if fallback {
		return "fallback"
	}
	return "primary"
}
