package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service owns the balance and metering session of one scope.
type Service struct {
	mu      sync.Mutex
	store   Store
	scope   OwnerScope
	nowFn   func() time.Time
	newID   func() string
	policy  Policy
	loggers []OperationLogger
	syncer  Syncer

	balance Balance
	session Session
}

// NewService wires a Service and loads (or creates) the balance for scope.
func NewService(ctx context.Context, store Store, scope OwnerScope, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if scope.IsZero() {
		return nil, fmt.Errorf("%w: scope is empty", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		scope:   scope,
		nowFn:   now,
		newID:   uuid.NewString,
		policy:  DefaultPolicy(),
		session: Session{State: SessionIdle},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.policy.validate(); err != nil {
		return nil, err
	}
	if err := service.load(ctx); err != nil {
		return nil, err
	}
	return service, nil
}

func (service *Service) load(ctx context.Context) error {
	balance, err := service.store.LoadBalance(ctx, service.scope)
	created := false
	switch {
	case errors.Is(err, ErrBalanceNotFound):
		created = true
		balance = Balance{
			Scope:             service.scope,
			SecondsRemaining:  service.policy.InitialSeconds,
			LastWeeklyResetAt: service.nowFn().UTC(),
		}
	case err != nil:
		loadErr := WrapError(errorOperationService, errorSubjectBalance, errorCodeLoad, err)
		service.logOperation(ctx, OperationLog{Operation: OperationLoad, Scope: service.scope, Error: loadErr})
		return loadErr
	}
	balance.Scope = service.scope
	balance.CapSeconds = service.policy.CapSeconds
	if balance.SecondsRemaining < 0 {
		balance.SecondsRemaining = 0
	}
	if balance.SecondsRemaining > balance.CapSeconds {
		balance.SecondsRemaining = balance.CapSeconds
	}
	if balance.LastWeeklyResetAt.IsZero() {
		balance.LastWeeklyResetAt = service.nowFn().UTC()
	}
	var persistErr error
	if created {
		persistErr = service.commit(ctx, balance)
	} else {
		service.balance = balance
	}
	service.logOperation(ctx, OperationLog{
		Operation:    OperationLoad,
		Scope:        service.scope,
		BalanceAfter: balance.SecondsRemaining,
		Error:        persistErr,
	})
	return persistErr
}

// Scope returns the owner of this ledger.
func (service *Service) Scope() OwnerScope {
	return service.scope
}

// Policy returns the active limits.
func (service *Service) Policy() Policy {
	return service.policy
}

// Snapshot returns a copy of the current balance.
func (service *Service) Snapshot() Balance {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.balance
}

// Session returns a copy of the metering session.
func (service *Service) Session() Session {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.session
}

// CanStartSession reports whether any seconds remain.
func (service *Service) CanStartSession() bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.balance.SecondsRemaining > 0
}

// CanAdd reports whether Add(seconds) would be accepted.
func (service *Service) CanAdd(seconds int64) bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return seconds > 0 && !service.balance.Migrated && service.balance.SecondsRemaining+seconds <= service.balance.CapSeconds
}

// Add credits purchased seconds. Non-positive amounts are ignored; amounts
// that would push the balance past the cap are rejected with ErrCapExceeded.
// A migrated anonymous balance accepts nothing: ErrBalanceMigrated.
func (service *Service) Add(ctx context.Context, seconds int64) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	if seconds <= 0 {
		service.logOperation(ctx, OperationLog{Operation: OperationAdd, Scope: service.scope, Seconds: seconds, BalanceAfter: service.balance.SecondsRemaining, Status: OperationStatusNoop})
		return nil
	}
	if service.balance.Migrated {
		service.logOperation(ctx, OperationLog{
			Operation:    OperationAdd,
			Scope:        service.scope,
			Seconds:      seconds,
			BalanceAfter: service.balance.SecondsRemaining,
			Status:       OperationStatusRejected,
			Error:        ErrBalanceMigrated,
		})
		return ErrBalanceMigrated
	}
	if service.balance.SecondsRemaining+seconds > service.balance.CapSeconds {
		service.logOperation(ctx, OperationLog{
			Operation:    OperationAdd,
			Scope:        service.scope,
			Seconds:      seconds,
			BalanceAfter: service.balance.SecondsRemaining,
			Status:       OperationStatusRejected,
			Error:        ErrCapExceeded,
		})
		return fmt.Errorf("%w: %d + %d > %d", ErrCapExceeded, service.balance.SecondsRemaining, seconds, service.balance.CapSeconds)
	}
	next := service.balance
	next.SecondsRemaining += seconds
	entry := service.newEntry(EntryPurchase, seconds, next.SecondsRemaining, "", "")
	operationError := service.commit(ctx, next, entry)
	service.logOperation(ctx, OperationLog{
		Operation:      OperationAdd,
		Scope:          service.scope,
		Seconds:        seconds,
		BalanceAfter:   service.balance.SecondsRemaining,
		IdempotencyKey: entry.IdempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// Deduct removes seconds, flooring the balance at zero.
func (service *Service) Deduct(ctx context.Context, seconds int64) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	deducted := min(seconds, service.balance.SecondsRemaining)
	if deducted <= 0 {
		service.logOperation(ctx, OperationLog{Operation: OperationDeduct, Scope: service.scope, Seconds: seconds, BalanceAfter: service.balance.SecondsRemaining, Status: OperationStatusNoop})
		return nil
	}
	next := service.balance
	next.SecondsRemaining -= deducted
	entry := service.newEntry(EntryDeduct, -deducted, next.SecondsRemaining, "", "")
	operationError := service.commit(ctx, next, entry)
	service.logOperation(ctx, OperationLog{
		Operation:      OperationDeduct,
		Scope:          service.scope,
		Seconds:        deducted,
		BalanceAfter:   service.balance.SecondsRemaining,
		IdempotencyKey: entry.IdempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// commit persists next and the accompanying journal entries in one transaction,
// then adopts next as the in-memory balance. Callers must hold mu.
func (service *Service) commit(ctx context.Context, next Balance, entries ...Entry) error {
	next.UpdatedAt = service.nowFn().UTC()
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		for _, entry := range entries {
			if err := txStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
		}
		return txStore.SaveBalance(ctx, next)
	})
	if err != nil {
		subject := errorSubjectBalance
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			subject = errorSubjectEntry
		}
		return WrapError(errorOperationService, subject, errorCodePersist, err)
	}
	service.balance = next
	if service.syncer != nil {
		for _, entry := range entries {
			service.syncer.Publish(newSyncEvent(entry))
		}
	}
	return nil
}

func (service *Service) newEntry(entryType EntryType, seconds int64, balanceAfter int64, sessionID string, idempotencyKey string) Entry {
	entryID := service.newID()
	if idempotencyKey == "" {
		idempotencyKey = string(entryType) + idempotencyKeyDelimiter + entryID
	}
	return Entry{
		EntryID:        entryID,
		Scope:          service.scope,
		Type:           entryType,
		Seconds:        seconds,
		BalanceAfter:   balanceAfter,
		SessionID:      sessionID,
		IdempotencyKey: IdempotencyKey{value: idempotencyKey},
		Metadata:       MetadataJSON{value: "{}"},
		CreatedUnixUTC: service.nowFn().UTC().Unix(),
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
