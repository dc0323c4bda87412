package ledger

import "context"

// StartSession moves Idle to Active. It is a no-op while already Active.
// Callers should check CanStartSession first; starting with an empty balance
// yields an immediately exhausted session on the first tick.
func (service *Service) StartSession(ctx context.Context) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session.State == SessionActive {
		service.logOperation(ctx, OperationLog{Operation: OperationStartSession, Scope: service.scope, SessionID: service.session.ID, BalanceAfter: service.balance.SecondsRemaining, Status: OperationStatusNoop})
		return nil
	}
	now := service.nowFn().UTC()
	service.session = Session{
		ID:          service.newID(),
		State:       SessionActive,
		StartedAt:   now,
		LastTickAt:  now,
		LastOutcome: service.session.LastOutcome,
	}
	service.logOperation(ctx, OperationLog{Operation: OperationStartSession, Scope: service.scope, SessionID: service.session.ID, BalanceAfter: service.balance.SecondsRemaining})
	return nil
}

// Tick accounts one elapsed second of an Active session. Outside a session it does nothing.
func (service *Service) Tick(ctx context.Context) (TickResult, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session.State != SessionActive {
		return TickResult{SecondsRemaining: service.balance.SecondsRemaining}, nil
	}
	now := service.nowFn().UTC()
	if service.balance.SecondsRemaining == 0 {
		service.session.AccumulatedSeconds++
		service.session.LastTickAt = now
		return TickResult{Exhausted: true}, nil
	}
	next := service.balance
	next.SecondsRemaining--
	if err := service.commit(ctx, next); err != nil {
		service.logOperation(ctx, OperationLog{Operation: OperationTick, Scope: service.scope, SessionID: service.session.ID, Seconds: 1, BalanceAfter: service.balance.SecondsRemaining, Error: err})
		return TickResult{SecondsRemaining: service.balance.SecondsRemaining}, err
	}
	service.session.AccumulatedSeconds++
	service.session.DeductedSeconds++
	service.session.LastTickAt = now
	return TickResult{
		Deducted:         true,
		SecondsRemaining: next.SecondsRemaining,
		Exhausted:        next.SecondsRemaining == 0,
	}, nil
}

// StopSession commits the Active period. The charge is exactly what the ticks
// already deducted; a trailing partial second is never billed. Stopping an
// Idle ledger is a no-op.
func (service *Service) StopSession(ctx context.Context) (SessionSummary, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session.State != SessionActive {
		service.logOperation(ctx, OperationLog{Operation: OperationStopSession, Scope: service.scope, BalanceAfter: service.balance.SecondsRemaining, Status: OperationStatusNoop})
		return SessionSummary{BalanceAfter: service.balance.SecondsRemaining}, nil
	}
	session := service.session
	next := service.balance
	charged := session.DeductedSeconds
	var entries []Entry
	if charged > 0 {
		entries = append(entries, service.newEntry(EntrySessionCharge, -charged, next.SecondsRemaining, session.ID, ""))
	}
	if err := service.commit(ctx, next, entries...); err != nil {
		service.logOperation(ctx, OperationLog{Operation: OperationStopSession, Scope: service.scope, SessionID: session.ID, Seconds: charged, BalanceAfter: service.balance.SecondsRemaining, Error: err})
		return SessionSummary{}, err
	}
	service.session = Session{State: SessionIdle, LastOutcome: OutcomeCommitted}
	summary := SessionSummary{
		SessionID:          session.ID,
		Outcome:            OutcomeCommitted,
		AccumulatedSeconds: session.AccumulatedSeconds,
		ChargedSeconds:     charged,
		BalanceAfter:       next.SecondsRemaining,
	}
	service.logOperation(ctx, OperationLog{Operation: OperationStopSession, Scope: service.scope, SessionID: session.ID, Seconds: charged, BalanceAfter: next.SecondsRemaining})
	return summary, nil
}

// CancelSession refunds every second deducted during the Active period and
// discards the accumulation. The refund never lifts the balance above the cap.
func (service *Service) CancelSession(ctx context.Context) (SessionSummary, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session.State != SessionActive {
		service.logOperation(ctx, OperationLog{Operation: OperationCancelSession, Scope: service.scope, BalanceAfter: service.balance.SecondsRemaining, Status: OperationStatusNoop})
		return SessionSummary{BalanceAfter: service.balance.SecondsRemaining}, nil
	}
	session := service.session
	next := service.balance
	refund := min(session.DeductedSeconds, next.CapSeconds-next.SecondsRemaining)
	var entries []Entry
	if refund > 0 {
		next.SecondsRemaining += refund
		entries = append(entries, service.newEntry(EntrySessionRefund, refund, next.SecondsRemaining, session.ID, ""))
	}
	if err := service.commit(ctx, next, entries...); err != nil {
		service.logOperation(ctx, OperationLog{Operation: OperationCancelSession, Scope: service.scope, SessionID: session.ID, Seconds: refund, BalanceAfter: service.balance.SecondsRemaining, Error: err})
		return SessionSummary{}, err
	}
	service.session = Session{State: SessionIdle, LastOutcome: OutcomeCancelled}
	service.logOperation(ctx, OperationLog{Operation: OperationCancelSession, Scope: service.scope, SessionID: session.ID, Seconds: refund, BalanceAfter: next.SecondsRemaining})
	return SessionSummary{
		SessionID:          session.ID,
		Outcome:            OutcomeCancelled,
		AccumulatedSeconds: session.AccumulatedSeconds,
		RefundedSeconds:    refund,
		BalanceAfter:       next.SecondsRemaining,
	}, nil
}
