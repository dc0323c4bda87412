package ledger

import (
	"context"
	"time"
)

// ApplyWeeklyResetIfDue tops the balance up to the free-tier allowance once a
// reset boundary has passed. It never lowers a balance. The anchor advances by
// whole intervals so boundaries stay aligned. Resets are deferred while a
// session is Active and skipped for migrated anonymous balances.
func (service *Service) ApplyWeeklyResetIfDue(ctx context.Context, now time.Time) (bool, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session.State == SessionActive || service.balance.Migrated {
		return false, nil
	}
	interval := service.policy.ResetInterval
	anchor := service.balance.LastWeeklyResetAt
	if now.Before(anchor.Add(interval)) {
		return false, nil
	}
	elapsedIntervals := int64(now.Sub(anchor) / interval)
	next := service.balance
	next.LastWeeklyResetAt = anchor.Add(time.Duration(elapsedIntervals) * interval).UTC()
	allowance := min(service.policy.FreeTierSeconds, next.CapSeconds)
	granted := int64(0)
	var entries []Entry
	if next.SecondsRemaining < allowance {
		granted = allowance - next.SecondsRemaining
		next.SecondsRemaining = allowance
		entries = append(entries, service.newEntry(EntryWeeklyReset, granted, allowance, "", ""))
	}
	operationError := service.commit(ctx, next, entries...)
	status := ""
	if operationError == nil && granted == 0 {
		status = OperationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:    OperationWeeklyReset,
		Scope:        service.scope,
		Seconds:      granted,
		BalanceAfter: service.balance.SecondsRemaining,
		Status:       status,
		Error:        operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return granted > 0, nil
}

// NextWeeklyResetAt returns the next reset boundary.
func (service *Service) NextWeeklyResetAt() time.Time {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.balance.LastWeeklyResetAt.Add(service.policy.ResetInterval)
}

// ListEntries lists journal entries for this scope created before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, service.scope, beforeUnixUTC, limit)
}
