package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

func nowForTest() time.Time {
	return time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
}

func TestResolveDriver(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		name         string
		dsn          string
		wantDriver   string
		wantLocation string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/db", wantDriver: driverPostgres, wantLocation: "postgres://user@localhost/db"},
		{name: "postgresql", dsn: "postgresql://localhost/db", wantDriver: driverPostgres, wantLocation: "postgresql://localhost/db"},
		{name: "redis", dsn: "redis://localhost:6379/0", wantDriver: driverRedis, wantLocation: "redis://localhost:6379/0"},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a.db"), wantDriver: driverSQLite, wantLocation: filepath.Join(dir, "a.db")},
		{name: "bare path", dsn: filepath.Join(dir, "b.db"), wantDriver: driverSQLite, wantLocation: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: ":memory:", wantDriver: driverSQLite, wantLocation: ":memory:"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			driver, location, err := resolveDriver(testCase.dsn)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if driver != testCase.wantDriver || location != testCase.wantLocation {
				t.Fatalf("got (%s, %s), want (%s, %s)", driver, location, testCase.wantDriver, testCase.wantLocation)
			}
		})
	}
}

func TestOpenStoreBackends(t *testing.T) {
	server := miniredis.RunT(t)
	testCases := []struct {
		name string
		dsn  string
	}{
		{name: "sqlite", dsn: "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")},
		{name: "redis", dsn: "redis://" + server.Addr()},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := &runtimeConfig{DatabaseURL: testCase.dsn, PostgresDriver: postgresDriverGORM}
			store, closeStore, err := openStore(context.Background(), cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = closeStore() }()

			deviceID, err := ledger.NewDeviceID("device-1")
			if err != nil {
				t.Fatalf("device id: %v", err)
			}
			service, err := ledger.NewService(context.Background(), store, ledger.AnonymousScope(deviceID), nowForTest)
			if err != nil {
				t.Fatalf("service: %v", err)
			}
			if err := service.Add(context.Background(), 30); err != nil {
				t.Fatalf("add: %v", err)
			}
			reloaded, err := ledger.NewService(context.Background(), store, ledger.AnonymousScope(deviceID), nowForTest)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if reloaded.Snapshot().SecondsRemaining != ledger.DefaultFreeTierSeconds+30 {
				t.Fatalf("expected persisted balance, got %d", reloaded.Snapshot().SecondsRemaining)
			}
		})
	}
}
