package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestMigrationMovesBalanceExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	deviceID := mustDeviceID(test, "device-1")
	anonymous := mustServiceWithBalance(test, store, clock, AnonymousScope(deviceID), 240)
	account := mustServiceWithBalance(test, store, clock, accountScope(test), 100)

	seconds, err := anonymous.MigrateToAccount(context.Background())
	if err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if seconds != 240 || anonymous.Snapshot().SecondsRemaining != 240 {
		test.Fatalf("expected migrate to report 240 without mutating, got %d", seconds)
	}
	applied, err := account.AcceptMigration(context.Background(), deviceID, seconds)
	if err != nil || !applied {
		test.Fatalf("accept migration: applied=%v err=%v", applied, err)
	}
	if err := anonymous.ClearAfterMigration(context.Background()); err != nil {
		test.Fatalf("clear: %v", err)
	}

	// A retried flow must not credit the account twice.
	applied, err = account.AcceptMigration(context.Background(), deviceID, seconds)
	if err != nil {
		test.Fatalf("repeat accept: %v", err)
	}
	if applied {
		test.Fatalf("expected repeated accept to be ignored")
	}
	if err := anonymous.ClearAfterMigration(context.Background()); err != nil {
		test.Fatalf("repeat clear: %v", err)
	}

	if got := account.Snapshot().SecondsRemaining; got != 340 {
		test.Fatalf("expected account balance 340, got %d", got)
	}
	cleared := anonymous.Snapshot()
	if cleared.SecondsRemaining != 0 || !cleared.Migrated {
		test.Fatalf("expected cleared migrated anonymous balance, got %+v", cleared)
	}
	if got := len(store.entriesOfType(EntryMigrationIn)); got != 1 {
		test.Fatalf("expected one migration_in entry, got %d", got)
	}
	if got := len(store.entriesOfType(EntryMigrationClear)); got != 1 {
		test.Fatalf("expected one migration_clear entry, got %d", got)
	}
}

func TestMigrationScopeChecks(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	account := mustServiceWithBalance(test, store, clock, accountScope(test), 10)
	anonymous := mustServiceWithBalance(test, store, clock, anonymousScope(test), 10)

	if _, err := account.MigrateToAccount(context.Background()); !errors.Is(err, ErrNotAnonymous) {
		test.Fatalf("expected ErrNotAnonymous, got %v", err)
	}
	if err := account.ClearAfterMigration(context.Background()); !errors.Is(err, ErrNotAnonymous) {
		test.Fatalf("expected ErrNotAnonymous on clear, got %v", err)
	}
	if _, err := anonymous.AcceptMigration(context.Background(), mustDeviceID(test, "device-9"), 5); !errors.Is(err, ErrNotAccount) {
		test.Fatalf("expected ErrNotAccount, got %v", err)
	}
	if got := account.Snapshot().SecondsRemaining; got != 10 {
		test.Fatalf("expected account balance untouched, got %d", got)
	}
}

func TestAcceptMigrationClampsToCap(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	account := mustServiceWithBalance(test, store, newFakeClock(), accountScope(test), 1700)
	applied, err := account.AcceptMigration(context.Background(), mustDeviceID(test, "device-2"), 500)
	if err != nil || !applied {
		test.Fatalf("accept migration: applied=%v err=%v", applied, err)
	}
	if got := account.Snapshot().SecondsRemaining; got != DefaultCapSeconds {
		test.Fatalf("expected clamp to cap, got %d", got)
	}
	entries := store.entriesOfType(EntryMigrationIn)
	if len(entries) != 1 || entries[0].Seconds != 100 || entries[0].IdempotencyKey.String() != "migration:device-2" {
		test.Fatalf("unexpected migration entry: %+v", entries)
	}
}

func TestAcceptMigrationIgnoresEmptyTransfers(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	account := mustServiceWithBalance(test, store, newFakeClock(), accountScope(test), 10)
	applied, err := account.AcceptMigration(context.Background(), mustDeviceID(test, "device-3"), 0)
	if err != nil || applied {
		test.Fatalf("expected no-op, got applied=%v err=%v", applied, err)
	}
	if len(store.entriesOfType(EntryMigrationIn)) != 0 {
		test.Fatalf("expected no journal entry for an empty transfer")
	}
}

func TestClearAfterMigrationEndsActiveSession(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	anonymous := mustServiceWithBalance(test, newStubStore(), clock, anonymousScope(test), 50)
	if err := anonymous.StartSession(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	tickN(test, anonymous, clock, 2)
	if err := anonymous.ClearAfterMigration(context.Background()); err != nil {
		test.Fatalf("clear: %v", err)
	}
	if anonymous.Session().State != SessionIdle {
		test.Fatalf("expected Idle after clear, got %+v", anonymous.Session())
	}
	if anonymous.CanStartSession() {
		test.Fatalf("expected cleared balance to block new sessions")
	}
}

func TestMigratedBalanceRejectsNewCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newFakeClock()
	deviceID := mustDeviceID(test, "device-1")
	anonymous := mustServiceWithBalance(test, store, clock, AnonymousScope(deviceID), 100)
	account := mustServiceWithBalance(test, store, clock, accountScope(test), 0)

	seconds, err := anonymous.MigrateToAccount(context.Background())
	if err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := account.AcceptMigration(context.Background(), deviceID, seconds); err != nil {
		test.Fatalf("accept: %v", err)
	}
	if err := anonymous.ClearAfterMigration(context.Background()); err != nil {
		test.Fatalf("clear: %v", err)
	}

	if anonymous.CanAdd(120) {
		test.Fatalf("expected CanAdd to refuse a migrated balance")
	}
	if err := anonymous.Add(context.Background(), 120); !errors.Is(err, ErrBalanceMigrated) {
		test.Fatalf("expected ErrBalanceMigrated, got %v", err)
	}
	if got := len(store.entriesOfType(EntryPurchase)); got != 0 {
		test.Fatalf("expected no purchase entry, got %d", got)
	}

	// A second migration finds nothing to move and loses nothing.
	seconds, err = anonymous.MigrateToAccount(context.Background())
	if err != nil || seconds != 0 {
		test.Fatalf("expected nothing left to migrate, got %d %v", seconds, err)
	}
	if credited, err := account.AcceptMigration(context.Background(), deviceID, seconds); err != nil || credited {
		test.Fatalf("expected no second credit, got %v %v", credited, err)
	}
	if err := anonymous.ClearAfterMigration(context.Background()); err != nil {
		test.Fatalf("repeat clear: %v", err)
	}
	if got := account.Snapshot().SecondsRemaining; got != 100 {
		test.Fatalf("expected account balance 100, got %d", got)
	}
}
