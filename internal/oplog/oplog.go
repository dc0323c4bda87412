// Package oplog writes ledger operations and translation attempts to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

// ZapLogger adapts a zap.Logger to the ledger and translation logging hooks.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger is replaced with zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("scope", entry.Scope.Key()),
		zap.Int64("seconds", entry.Seconds),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("status", entry.Status),
	}
	if entry.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.SessionID))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	level := zapcore.DebugLevel
	switch entry.Status {
	case ledger.OperationStatusError:
		level = zapcore.ErrorLevel
		fields = append(fields, zap.Error(entry.Error))
	case ledger.OperationStatusRejected:
		level = zapcore.WarnLevel
		fields = append(fields, zap.Error(entry.Error))
	case ledger.OperationStatusOK:
		if entry.Operation != ledger.OperationTick {
			level = zapcore.InfoLevel
		}
	}
	adapter.logger.Log(level, "ledger operation", fields...)
}

// LogAttempt implements translation.AttemptLogger.
func (adapter *ZapLogger) LogAttempt(_ context.Context, attempt translation.AttemptLog) {
	fields := []zap.Field{
		zap.String("request_id", attempt.RequestID),
		zap.Int("attempt", attempt.Attempt),
		zap.Bool("fallback", attempt.Fallback),
		zap.Duration("elapsed", attempt.Elapsed),
		zap.Stringer("classification", attempt.Classification),
	}
	if attempt.Err != nil {
		adapter.logger.Warn("translation attempt failed", append(fields, zap.Error(attempt.Err))...)
		return
	}
	adapter.logger.Info("translation attempt succeeded", fields...)
}

// ObserveRequest implements translation.RequestObserver.
func (adapter *ZapLogger) ObserveRequest(request translation.Request) {
	fields := []zap.Field{
		zap.String("request_id", request.ID),
		zap.String("state", string(request.State)),
		zap.Bool("fallback", request.Fallback),
		zap.Int("attempts", request.Attempt),
		zap.String("source_lang", request.SourceLang),
		zap.String("target_lang", request.TargetLang),
		zap.Duration("duration", request.FinishedAt.Sub(request.StartedAt)),
	}
	if request.Failure != nil {
		fields = append(fields, zap.String("failure_kind", string(request.Failure.Kind)), zap.Error(request.Failure))
	}
	if request.State == translation.StateFailed || request.State == translation.StateTimedOut {
		adapter.logger.Warn("translation request finished", fields...)
		return
	}
	adapter.logger.Info("translation request finished", fields...)
}
