package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last() OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsAddOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 0, WithOperationLogger(logger))
	if err := service.Add(context.Background(), 100); err != nil {
		test.Fatalf("add failed: %v", err)
	}
	entry := logger.last()
	if entry.Operation != OperationAdd || entry.Scope != service.Scope() || entry.Seconds != 100 || entry.BalanceAfter != 100 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != OperationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
	if entry.IdempotencyKey.String() == "" {
		test.Fatalf("expected idempotency key on log entry")
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	logger := &recorderLogger{}
	service := mustServiceWithBalance(test, store, newFakeClock(), anonymousScope(test), 0, WithOperationLogger(logger))
	store.setSaveErr(errors.New("boom"))
	if err := service.Add(context.Background(), 10); err == nil {
		test.Fatalf("expected error")
	}
	entry := logger.last()
	if entry.Status != OperationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}

func TestServiceLogsRejectionsAndNoops(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 1800, WithOperationLogger(logger))
	_ = service.Add(context.Background(), 1)
	if entry := logger.last(); entry.Status != OperationStatusRejected || !errors.Is(entry.Error, ErrCapExceeded) {
		test.Fatalf("expected rejected entry, got %+v", entry)
	}
	if _, err := service.StopSession(context.Background()); err != nil {
		test.Fatalf("stop: %v", err)
	}
	if entry := logger.last(); entry.Operation != OperationStopSession || entry.Status != OperationStatusNoop {
		test.Fatalf("expected noop stop entry, got %+v", entry)
	}
}

func TestMultipleOperationLoggersReceiveEntries(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	service := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 0, WithOperationLogger(first), WithOperationLogger(second))
	if err := service.Add(context.Background(), 5); err != nil {
		test.Fatalf("add: %v", err)
	}
	if first.last().Operation != OperationAdd || second.last().Operation != OperationAdd {
		test.Fatalf("expected both loggers to record the add")
	}
}
