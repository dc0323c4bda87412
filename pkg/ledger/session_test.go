package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func tickN(test *testing.T, service *Service, clock *fakeClock, count int) TickResult {
	test.Helper()
	var result TickResult
	for index := 0; index < count; index++ {
		clock.Advance(time.Second)
		var err error
		result, err = service.Tick(context.Background())
		if err != nil {
			test.Fatalf("tick %d: %v", index+1, err)
		}
	}
	return result
}

func TestStartSessionIsIdempotent(test *testing.T) {
	test.Parallel()
	service := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 10)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	first := service.Session()
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("second start: %v", err)
	}
	second := service.Session()
	if first.State != SessionActive || second.ID != first.ID {
		test.Fatalf("expected one Active session, got %+v then %+v", first, second)
	}
}

func TestTickOutsideSessionDoesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustServiceWithBalance(test, store, newFakeClock(), anonymousScope(test), 10)
	result, err := service.Tick(context.Background())
	if err != nil {
		test.Fatalf("tick: %v", err)
	}
	if result.Deducted || result.SecondsRemaining != 10 {
		test.Fatalf("expected idle tick to be a no-op, got %+v", result)
	}
}

func TestSessionCommitDeductsTickedSeconds(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, store, clock, anonymousScope(test), 120)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	tickN(test, service, clock, 7)
	summary, err := service.StopSession(context.Background())
	if err != nil {
		test.Fatalf("stop: %v", err)
	}
	if summary.Outcome != OutcomeCommitted || summary.ChargedSeconds != 7 || summary.BalanceAfter != 113 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	if got := service.Snapshot().SecondsRemaining; got != 113 {
		test.Fatalf("expected 113, got %d", got)
	}
	session := service.Session()
	if session.State != SessionIdle || session.LastOutcome != OutcomeCommitted {
		test.Fatalf("expected Idle after commit, got %+v", session)
	}
	charges := store.entriesOfType(EntrySessionCharge)
	if len(charges) != 1 || charges[0].Seconds != -7 || charges[0].SessionID != summary.SessionID {
		test.Fatalf("expected one session_charge of -7, got %+v", charges)
	}

	duplicate, err := service.StopSession(context.Background())
	if err != nil {
		test.Fatalf("duplicate stop: %v", err)
	}
	if duplicate.Outcome != OutcomeNone || service.Snapshot().SecondsRemaining != 113 {
		test.Fatalf("expected duplicate stop to be a no-op, got %+v", duplicate)
	}
	if len(store.entriesOfType(EntrySessionCharge)) != 1 {
		test.Fatalf("expected duplicate stop to write nothing")
	}
}

func TestStopIgnoresTrailingPartialSecond(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 300)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	tickN(test, service, clock, 45)
	clock.Advance(5 * time.Millisecond)
	summary, err := service.StopSession(context.Background())
	if err != nil {
		test.Fatalf("stop: %v", err)
	}
	if summary.ChargedSeconds != 45 || summary.BalanceAfter != 255 {
		test.Fatalf("expected 45 charged and 255 remaining, got %+v", summary)
	}
}

func TestStopAfterExhaustionChargesDeductedOnly(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 2)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	result := tickN(test, service, clock, 2)
	if !result.Exhausted {
		test.Fatalf("expected exhaustion at zero, got %+v", result)
	}
	clock.Advance(300 * time.Millisecond)
	summary, err := service.StopSession(context.Background())
	if err != nil {
		test.Fatalf("stop: %v", err)
	}
	if summary.ChargedSeconds != 2 || summary.BalanceAfter != 0 {
		test.Fatalf("expected 2 charged and zero balance, got %+v", summary)
	}
}

func TestStopChargesExactlyTickedSeconds(test *testing.T) {
	test.Parallel()
	for ticks := 0; ticks <= 100; ticks++ {
		clock := newFakeClock()
		store := newStubStore()
		service := mustServiceWithBalance(test, store, clock, anonymousScope(test), 150)
		if err := service.StartSession(context.Background()); err != nil {
			test.Fatalf("k=%d start: %v", ticks, err)
		}
		tickN(test, service, clock, ticks)
		clock.Advance(700 * time.Millisecond)
		summary, err := service.StopSession(context.Background())
		if err != nil {
			test.Fatalf("k=%d stop: %v", ticks, err)
		}
		if summary.ChargedSeconds != int64(ticks) || summary.BalanceAfter != 150-int64(ticks) {
			test.Fatalf("k=%d: unexpected summary %+v", ticks, summary)
		}
		if got := service.Snapshot().SecondsRemaining; got != 150-int64(ticks) {
			test.Fatalf("k=%d: expected %d remaining, got %d", ticks, 150-ticks, got)
		}
		charges := store.entriesOfType(EntrySessionCharge)
		if ticks == 0 && len(charges) != 0 {
			test.Fatalf("k=0: expected no charge entry, got %+v", charges)
		}
		if ticks > 0 && (len(charges) != 1 || charges[0].Seconds != -int64(ticks)) {
			test.Fatalf("k=%d: expected one charge of %d, got %+v", ticks, -ticks, charges)
		}
	}
}

func TestCancelRestoresBalanceForEveryTickCount(test *testing.T) {
	test.Parallel()
	for ticks := 0; ticks <= 100; ticks++ {
		clock := newFakeClock()
		service := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 150)
		if err := service.StartSession(context.Background()); err != nil {
			test.Fatalf("k=%d start: %v", ticks, err)
		}
		tickN(test, service, clock, ticks)
		clock.Advance(300 * time.Millisecond)
		summary, err := service.CancelSession(context.Background())
		if err != nil {
			test.Fatalf("k=%d cancel: %v", ticks, err)
		}
		if summary.RefundedSeconds != int64(ticks) || summary.BalanceAfter != 150 {
			test.Fatalf("k=%d: unexpected summary %+v", ticks, summary)
		}
		if service.Session().State != SessionIdle {
			test.Fatalf("k=%d: expected Idle after cancel", ticks)
		}
	}
}

func TestTickNeverDrivesBalanceNegative(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 3)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	exhaustedTicks := 0
	for index := 0; index < 10; index++ {
		clock.Advance(time.Second)
		result, err := service.Tick(context.Background())
		if err != nil {
			test.Fatalf("tick: %v", err)
		}
		if result.SecondsRemaining < 0 {
			test.Fatalf("balance went negative: %+v", result)
		}
		if result.Exhausted {
			exhaustedTicks++
		}
	}
	if exhaustedTicks != 8 {
		test.Fatalf("expected exhaustion from the third tick on, got %d exhausted ticks", exhaustedTicks)
	}
	if got := service.Session().AccumulatedSeconds; got != 10 {
		test.Fatalf("expected 10 accumulated seconds, got %d", got)
	}
	if got := service.Session().DeductedSeconds; got != 3 {
		test.Fatalf("expected 3 deducted seconds, got %d", got)
	}
}

func TestCancelRefundsDeductedSeconds(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, store, clock, anonymousScope(test), 90)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	tickN(test, service, clock, 12)
	clock.Advance(500 * time.Millisecond)
	summary, err := service.CancelSession(context.Background())
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if summary.Outcome != OutcomeCancelled || summary.RefundedSeconds != 12 || summary.BalanceAfter != 90 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	session := service.Session()
	if session.State != SessionIdle || session.LastOutcome != OutcomeCancelled || session.AccumulatedSeconds != 0 {
		test.Fatalf("expected discarded Idle session, got %+v", session)
	}
	refunds := store.entriesOfType(EntrySessionRefund)
	if len(refunds) != 1 || refunds[0].Seconds != 12 {
		test.Fatalf("expected one refund of 12, got %+v", refunds)
	}
	if len(store.entriesOfType(EntrySessionCharge)) != 0 {
		test.Fatalf("expected no charge entry after cancel")
	}
}

func TestCancelWhenIdleIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustServiceWithBalance(test, store, newFakeClock(), anonymousScope(test), 40)
	summary, err := service.CancelSession(context.Background())
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if summary.Outcome != OutcomeNone || summary.BalanceAfter != 40 {
		test.Fatalf("expected no-op summary, got %+v", summary)
	}
}

func TestCancelRefundIsBoundedByCap(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 1800)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	tickN(test, service, clock, 5)
	if err := service.Add(context.Background(), 3); err != nil {
		test.Fatalf("add: %v", err)
	}
	summary, err := service.CancelSession(context.Background())
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if summary.BalanceAfter != 1800 || summary.RefundedSeconds != 2 {
		test.Fatalf("expected refund clamped to cap, got %+v", summary)
	}
}

func TestTickPersistenceFailureKeepsState(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	service := mustServiceWithBalance(test, store, clock, anonymousScope(test), 10)
	if err := service.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	store.setSaveErr(errors.New("disk full"))
	clock.Advance(time.Second)
	if _, err := service.Tick(context.Background()); err == nil {
		test.Fatalf("expected tick error")
	}
	if got := service.Snapshot().SecondsRemaining; got != 10 {
		test.Fatalf("expected balance unchanged, got %d", got)
	}
	if got := service.Session().DeductedSeconds; got != 0 {
		test.Fatalf("expected no deducted seconds, got %d", got)
	}
}

func TestCanStartSession(test *testing.T) {
	test.Parallel()
	empty := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 0)
	if empty.CanStartSession() {
		test.Fatalf("expected empty balance to block sessions")
	}
	funded := mustServiceWithBalance(test, newStubStore(), newFakeClock(), anonymousScope(test), 1)
	if !funded.CanStartSession() {
		test.Fatalf("expected funded balance to allow sessions")
	}
}
