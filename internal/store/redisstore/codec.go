package redisstore

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

type balanceRecord struct {
	ScopeKind         string `json:"scope_kind"`
	ScopeID           string `json:"scope_id"`
	SecondsRemaining  int64  `json:"seconds_remaining"`
	CapSeconds        int64  `json:"cap_seconds"`
	LastWeeklyResetAt string `json:"last_weekly_reset_at"`
	Migrated          bool   `json:"migrated"`
	UpdatedAt         string `json:"updated_at"`
}

type entryRecord struct {
	EntryID        string          `json:"entry_id"`
	ScopeKind      string          `json:"scope_kind"`
	ScopeID        string          `json:"scope_id"`
	Type           string          `json:"type"`
	Seconds        int64           `json:"seconds"`
	BalanceAfter   int64           `json:"balance_after"`
	SessionID      string          `json:"session_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func encodeBalance(balance ledger.Balance) (string, error) {
	encoded, err := json.Marshal(balanceRecord{
		ScopeKind:         string(balance.Scope.Kind()),
		ScopeID:           balance.Scope.ID(),
		SecondsRemaining:  balance.SecondsRemaining,
		CapSeconds:        balance.CapSeconds,
		LastWeeklyResetAt: balance.LastWeeklyResetAt.UTC().Format(time.RFC3339Nano),
		Migrated:          balance.Migrated,
		UpdatedAt:         balance.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	return string(encoded), err
}

func decodeBalance(raw string) (ledger.Balance, error) {
	var record balanceRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return ledger.Balance{}, err
	}
	scope, err := ledger.ParseOwnerScope(record.ScopeKind, record.ScopeID)
	if err != nil {
		return ledger.Balance{}, err
	}
	lastReset, err := time.Parse(time.RFC3339Nano, record.LastWeeklyResetAt)
	if err != nil {
		return ledger.Balance{}, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, record.UpdatedAt)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Scope:             scope,
		SecondsRemaining:  record.SecondsRemaining,
		CapSeconds:        record.CapSeconds,
		LastWeeklyResetAt: lastReset,
		Migrated:          record.Migrated,
		UpdatedAt:         updatedAt,
	}, nil
}

func encodeEntry(entry ledger.Entry) (string, error) {
	encoded, err := json.Marshal(entryRecord{
		EntryID:        entry.EntryID,
		ScopeKind:      string(entry.Scope.Kind()),
		ScopeID:        entry.Scope.ID(),
		Type:           string(entry.Type),
		Seconds:        entry.Seconds,
		BalanceAfter:   entry.BalanceAfter,
		SessionID:      entry.SessionID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	})
	return string(encoded), err
}

func decodeEntry(raw string) (ledger.Entry, error) {
	var record entryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return ledger.Entry{}, err
	}
	scope, err := ledger.ParseOwnerScope(record.ScopeKind, record.ScopeID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(record.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(record.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(record.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        record.EntryID,
		Scope:          scope,
		Type:           entryType,
		Seconds:        record.Seconds,
		BalanceAfter:   record.BalanceAfter,
		SessionID:      record.SessionID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: record.CreatedUnixUTC,
	}, nil
}
