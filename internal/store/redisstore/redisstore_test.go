package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test"), mr
}

func mustScope(t *testing.T, raw string) ledger.OwnerScope {
	t.Helper()
	deviceID, err := ledger.NewDeviceID(raw)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	return ledger.AnonymousScope(deviceID)
}

func mustKey(t *testing.T, raw string) ledger.IdempotencyKey {
	t.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return key
}

func TestBalanceRoundTrip(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	scope := mustScope(t, "device-1")

	if _, err := store.LoadBalance(ctx, scope); !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
	balance := ledger.Balance{Scope: scope, SecondsRemaining: 42, CapSeconds: 1800, LastWeeklyResetAt: testEpoch, UpdatedAt: testEpoch}
	if err := store.SaveBalance(ctx, balance); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("test:balance:anonymous:device-1") {
		t.Fatalf("expected balance key, got %v", mr.Keys())
	}
	loaded, err := store.LoadBalance(ctx, scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SecondsRemaining != 42 || !loaded.LastWeeklyResetAt.Equal(testEpoch) || loaded.Scope != scope {
		t.Fatalf("unexpected balance: %+v", loaded)
	}
}

func TestWithTxAppliesNothingOnError(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	scope := mustScope(t, "device-1")
	sentinel := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := tx.InsertEntry(ctx, ledger.Entry{Scope: scope, Type: ledger.EntryDeduct, Seconds: -5, IdempotencyKey: mustKey(t, "deduct:1"), CreatedUnixUTC: testEpoch.Unix()}); err != nil {
			return err
		}
		if err := tx.SaveBalance(ctx, ledger.Balance{Scope: scope, SecondsRemaining: 55, CapSeconds: 1800, LastWeeklyResetAt: testEpoch}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := store.LoadBalance(ctx, scope); !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected no balance, got %v", err)
	}
	entries, err := store.ListEntries(ctx, scope, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestDuplicateIdempotencyKeyRejectsWholeCommit(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	scope := mustScope(t, "device-1")
	entry := ledger.Entry{Scope: scope, Type: ledger.EntryPurchase, Seconds: 60, BalanceAfter: 60, IdempotencyKey: mustKey(t, "purchase:1"), CreatedUnixUTC: testEpoch.Unix()}
	if err := store.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := tx.SaveBalance(ctx, ledger.Balance{Scope: scope, SecondsRemaining: 120, CapSeconds: 1800, LastWeeklyResetAt: testEpoch}); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, entry)
	})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := store.LoadBalance(ctx, scope); !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected balance to stay unsaved, got %v", err)
	}
	if err := store.InsertEntry(ctx, entry); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected direct insert duplicate, got %v", err)
	}
}

func TestListEntriesNewestFirstWithCutoff(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	scope := mustScope(t, "device-1")
	for index, key := range []string{"a", "b", "c"} {
		entry := ledger.Entry{
			EntryID:        "entry-" + key,
			Scope:          scope,
			Type:           ledger.EntryPurchase,
			Seconds:        10,
			BalanceAfter:   int64(10 * (index + 1)),
			IdempotencyKey: mustKey(t, "purchase:"+key),
			CreatedUnixUTC: testEpoch.Add(time.Duration(index) * time.Minute).Unix(),
		}
		if err := store.InsertEntry(ctx, entry); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}

	entries, err := store.ListEntries(ctx, scope, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].EntryID != "entry-c" || entries[1].EntryID != "entry-b" {
		t.Fatalf("unexpected page: %+v", entries)
	}

	older, err := store.ListEntries(ctx, scope, entries[1].CreatedUnixUTC, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 1 || older[0].EntryID != "entry-a" {
		t.Fatalf("unexpected older page: %+v", older)
	}
}

func TestServiceRunsOnRedis(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	scope := mustScope(t, "device-1")
	now := testEpoch
	clock := func() time.Time { return now }

	service, err := ledger.NewService(ctx, store, scope, clock)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.StartSession(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for range 5 {
		now = now.Add(time.Second)
		if _, err := service.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	summary, err := service.CancelSession(ctx)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if summary.RefundedSeconds != 5 || summary.BalanceAfter != ledger.DefaultFreeTierSeconds {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	loaded, err := store.LoadBalance(ctx, scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SecondsRemaining != ledger.DefaultFreeTierSeconds {
		t.Fatalf("expected refunded balance, got %d", loaded.SecondsRemaining)
	}
}
