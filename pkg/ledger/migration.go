package ledger

import (
	"context"
	"errors"
	"fmt"
)

// MigrateToAccount reports the anonymous balance that should move to the
// signed-in account. It does not mutate anything; the caller credits the
// account ledger and then calls ClearAfterMigration.
func (service *Service) MigrateToAccount(ctx context.Context) (int64, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.scope.Kind() != ScopeAnonymous {
		service.logOperation(ctx, OperationLog{Operation: OperationMigrate, Scope: service.scope, Status: OperationStatusRejected, Error: ErrNotAnonymous})
		return 0, ErrNotAnonymous
	}
	seconds := service.balance.SecondsRemaining
	service.logOperation(ctx, OperationLog{Operation: OperationMigrate, Scope: service.scope, Seconds: seconds, BalanceAfter: seconds})
	return seconds, nil
}

// ClearAfterMigration zeroes the anonymous balance and marks it migrated.
// Repeated calls are no-ops. An Active session is closed without refund.
func (service *Service) ClearAfterMigration(ctx context.Context) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.scope.Kind() != ScopeAnonymous {
		service.logOperation(ctx, OperationLog{Operation: OperationClearMigration, Scope: service.scope, Status: OperationStatusRejected, Error: ErrNotAnonymous})
		return ErrNotAnonymous
	}
	if service.balance.Migrated && service.balance.SecondsRemaining == 0 {
		service.logOperation(ctx, OperationLog{Operation: OperationClearMigration, Scope: service.scope, Status: OperationStatusNoop})
		return nil
	}
	cleared := service.balance.SecondsRemaining
	next := service.balance
	next.SecondsRemaining = 0
	next.Migrated = true
	var entries []Entry
	if cleared > 0 {
		entries = append(entries, service.newEntry(EntryMigrationClear, -cleared, 0, service.session.ID, ""))
	}
	operationError := service.commit(ctx, next, entries...)
	if operationError == nil && service.session.State == SessionActive {
		service.session = Session{State: SessionIdle, LastOutcome: OutcomeCommitted}
	}
	service.logOperation(ctx, OperationLog{Operation: OperationClearMigration, Scope: service.scope, Seconds: cleared, BalanceAfter: service.balance.SecondsRemaining, Error: operationError})
	return operationError
}

// AcceptMigration credits seconds moved from deviceID into this account
// ledger, clamped to the cap. It reports false when the device was already
// migrated or there was nothing to move.
func (service *Service) AcceptMigration(ctx context.Context, deviceID DeviceID, seconds int64) (bool, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.scope.Kind() != ScopeAccount {
		service.logOperation(ctx, OperationLog{Operation: OperationAcceptMigrate, Scope: service.scope, Status: OperationStatusRejected, Error: ErrNotAccount})
		return false, ErrNotAccount
	}
	if deviceID.String() == "" {
		return false, fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	idempotencyKey := idempotencyPrefixMigrate + idempotencyKeyDelimiter + deviceID.String()
	if seconds <= 0 {
		service.logOperation(ctx, OperationLog{Operation: OperationAcceptMigrate, Scope: service.scope, BalanceAfter: service.balance.SecondsRemaining, IdempotencyKey: IdempotencyKey{value: idempotencyKey}, Status: OperationStatusNoop})
		return false, nil
	}
	credited := min(seconds, service.balance.CapSeconds-service.balance.SecondsRemaining)
	next := service.balance
	next.SecondsRemaining += credited
	entry := service.newEntry(EntryMigrationIn, credited, next.SecondsRemaining, "", idempotencyKey)
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"device_id":%q,"requested_seconds":%d}`, deviceID.String(), seconds))
	if err != nil {
		return false, err
	}
	entry.Metadata = metadata
	operationError := service.commit(ctx, next, entry)
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		service.logOperation(ctx, OperationLog{Operation: OperationAcceptMigrate, Scope: service.scope, BalanceAfter: service.balance.SecondsRemaining, IdempotencyKey: entry.IdempotencyKey, Status: OperationStatusNoop})
		return false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationAcceptMigrate,
		Scope:          service.scope,
		Seconds:        credited,
		BalanceAfter:   service.balance.SecondsRemaining,
		IdempotencyKey: entry.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return true, nil
}
