package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeSave                 = "save"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) LoadBalance(ctx context.Context, scope ledger.OwnerScope) (ledger.Balance, error) {
	var model CreditBalance
	err := store.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ?", string(scope.Kind()), scope.ID()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapCreditBalance(model)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SaveBalance(ctx context.Context, balance ledger.Balance) error {
	model := CreditBalance{
		ScopeKind:         string(balance.Scope.Kind()),
		ScopeID:           balance.Scope.ID(),
		SecondsRemaining:  balance.SecondsRemaining,
		CapSeconds:        balance.CapSeconds,
		LastWeeklyResetAt: balance.LastWeeklyResetAt.UTC(),
		Migrated:          balance.Migrated,
		UpdatedAt:         balance.UpdatedAt.UTC(),
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope_kind"}, {Name: "scope_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"seconds_remaining", "cap_seconds", "last_weekly_reset_at", "migrated", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input ledger.Entry) error {
	var sessionID *string
	if input.SessionID != "" {
		value := input.SessionID
		sessionID = &value
	}
	entry := LedgerEntry{
		EntryID:        input.EntryID,
		ScopeKind:      string(input.Scope.Kind()),
		ScopeID:        input.Scope.ID(),
		Type:           string(input.Type),
		Seconds:        input.Seconds,
		BalanceAfter:   input.BalanceAfter,
		SessionID:      sessionID,
		IdempotencyKey: input.IdempotencyKey.String(),
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ? AND created_at < ?", string(scope.Kind()), scope.ID(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapCreditBalance(model CreditBalance) (ledger.Balance, error) {
	scope, err := ledger.ParseOwnerScope(model.ScopeKind, model.ScopeID)
	if err != nil {
		return ledger.Balance{}, err
	}
	if model.SecondsRemaining < 0 || model.CapSeconds <= 0 {
		return ledger.Balance{}, ledger.ErrInvalidBalance
	}
	return ledger.Balance{
		Scope:             scope,
		SecondsRemaining:  model.SecondsRemaining,
		CapSeconds:        model.CapSeconds,
		LastWeeklyResetAt: model.LastWeeklyResetAt.UTC(),
		Migrated:          model.Migrated,
		UpdatedAt:         model.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	scope, err := ledger.ParseOwnerScope(row.ScopeKind, row.ScopeID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		EntryID:        row.EntryID,
		Scope:          scope,
		Type:           entryType,
		Seconds:        row.Seconds,
		BalanceAfter:   row.BalanceAfter,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.SessionID != nil {
		entry.SessionID = *row.SessionID
	}
	return entry, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
