package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceID identifies an installation before sign-in.
type DeviceID struct {
	value string
}

// UserID identifies an authenticated account owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for journal entries.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewDeviceID validates and normalizes a device id.
func NewDeviceID(raw string) (DeviceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DeviceID{}, fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	return DeviceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DeviceID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ScopeKind distinguishes anonymous and account balances.
type ScopeKind string

const (
	ScopeAnonymous ScopeKind = "anonymous"
	ScopeAccount   ScopeKind = "account"
)

// OwnerScope is either Anonymous(deviceID) or Account(userID), never both.
type OwnerScope struct {
	kind ScopeKind
	id   string
}

// AnonymousScope keys a balance by device identity.
func AnonymousScope(deviceID DeviceID) OwnerScope {
	return OwnerScope{kind: ScopeAnonymous, id: deviceID.String()}
}

// AccountScope keys a balance by authenticated user.
func AccountScope(userID UserID) OwnerScope {
	return OwnerScope{kind: ScopeAccount, id: userID.String()}
}

// ParseOwnerScope rebuilds a scope from its stored kind and id.
func ParseOwnerScope(kind string, id string) (OwnerScope, error) {
	switch ScopeKind(strings.TrimSpace(kind)) {
	case ScopeAnonymous:
		deviceID, err := NewDeviceID(id)
		if err != nil {
			return OwnerScope{}, err
		}
		return AnonymousScope(deviceID), nil
	case ScopeAccount:
		userID, err := NewUserID(id)
		if err != nil {
			return OwnerScope{}, err
		}
		return AccountScope(userID), nil
	default:
		return OwnerScope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, kind)
	}
}

// Kind returns the scope kind.
func (scope OwnerScope) Kind() ScopeKind {
	return scope.kind
}

// ID returns the device or user id.
func (scope OwnerScope) ID() string {
	return scope.id
}

// Key returns a stable "kind:id" storage key.
func (scope OwnerScope) Key() string {
	return string(scope.kind) + scopeKeyDelimiter + scope.id
}

// IsZero reports whether the scope was never initialized.
func (scope OwnerScope) IsZero() bool {
	return scope.kind == "" || scope.id == ""
}

// String implements fmt.Stringer.
func (scope OwnerScope) String() string {
	return scope.Key()
}

// Balance is the persisted credit balance for one scope.
type Balance struct {
	Scope             OwnerScope
	SecondsRemaining  int64
	CapSeconds        int64
	LastWeeklyResetAt time.Time
	Migrated          bool
	UpdatedAt         time.Time
}

// SessionState defines the metering session lifecycle.
type SessionState string

const (
	SessionIdle   SessionState = "idle"
	SessionActive SessionState = "active"
)

// SessionOutcome records how the last Active period ended.
type SessionOutcome string

const (
	OutcomeNone      SessionOutcome = ""
	OutcomeCommitted SessionOutcome = "committed"
	OutcomeCancelled SessionOutcome = "cancelled"
)

// Session is the in-memory metering session owned by a Service.
type Session struct {
	ID                 string
	State              SessionState
	StartedAt          time.Time
	LastTickAt         time.Time
	AccumulatedSeconds int64
	DeductedSeconds    int64
	LastOutcome        SessionOutcome
}

// SessionSummary describes how a session ended. A zero Outcome means the call was a no-op.
type SessionSummary struct {
	SessionID          string
	Outcome            SessionOutcome
	AccumulatedSeconds int64
	ChargedSeconds     int64
	RefundedSeconds    int64
	BalanceAfter       int64
}

// TickResult reports the effect of a single 1 Hz tick.
type TickResult struct {
	Deducted         bool
	SecondsRemaining int64
	Exhausted        bool
}

// EntryType enumerates journal entry kinds.
type EntryType string

const (
	EntryPurchase       EntryType = "purchase"
	EntryDeduct         EntryType = "deduct"
	EntrySessionCharge  EntryType = "session_charge"
	EntrySessionRefund  EntryType = "session_refund"
	EntryWeeklyReset    EntryType = "weekly_reset"
	EntryMigrationIn    EntryType = "migration_in"
	EntryMigrationClear EntryType = "migration_clear"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch entryType := EntryType(strings.TrimSpace(raw)); entryType {
	case EntryPurchase, EntryDeduct, EntrySessionCharge, EntrySessionRefund, EntryWeeklyReset, EntryMigrationIn, EntryMigrationClear:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// Entry is a single immutable line in the balance journal.
type Entry struct {
	EntryID        string
	Scope          OwnerScope
	Type           EntryType
	Seconds        int64
	BalanceAfter   int64
	SessionID      string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LoadBalance(ctx context.Context, scope OwnerScope) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, scope OwnerScope, beforeUnixUTC int64, limit int) ([]Entry, error)
}
