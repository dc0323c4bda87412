package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	constraintEntryIdempotencyKey = "ledger_entries_scope_kind_scope_id_idempotency_key_key"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectSchema            = "schema"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeDuplicate            = "duplicate"
	errorCodeEnsure               = "ensure"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeSave                 = "save"

	// Schema creates the ledger tables when they are missing.
	Schema = `
		create table if not exists credit_balances (
			scope_kind text not null,
			scope_id text not null,
			seconds_remaining bigint not null check (seconds_remaining >= 0),
			cap_seconds bigint not null check (cap_seconds > 0),
			last_weekly_reset_at timestamptz not null,
			migrated boolean not null default false,
			updated_at timestamptz not null default now(),
			primary key (scope_kind, scope_id)
		);
		create table if not exists ledger_entries (
			entry_id uuid primary key default gen_random_uuid(),
			scope_kind text not null,
			scope_id text not null,
			type text not null,
			seconds bigint not null,
			balance_after bigint not null,
			session_id text,
			idempotency_key text not null,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			unique (scope_kind, scope_id, idempotency_key)
		);
		create index if not exists idx_ledger_scope_created on ledger_entries(scope_kind, scope_id, created_at desc);
	`

	sqlSelectBalance = `
		select scope_kind, scope_id, seconds_remaining, cap_seconds,
			extract(epoch from last_weekly_reset_at)::bigint, migrated,
			extract(epoch from updated_at)::bigint
		from credit_balances
		where scope_kind = $1 and scope_id = $2
	`

	sqlUpsertBalance = `
		insert into credit_balances(scope_kind, scope_id, seconds_remaining, cap_seconds, last_weekly_reset_at, migrated, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), $6, to_timestamp($7))
		on conflict (scope_kind, scope_id) do update set
			seconds_remaining = excluded.seconds_remaining,
			cap_seconds = excluded.cap_seconds,
			last_weekly_reset_at = excluded.last_weekly_reset_at,
			migrated = excluded.migrated,
			updated_at = excluded.updated_at
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, scope_kind, scope_id, type, seconds, balance_after, session_id, idempotency_key, metadata, created_at
		)
		values(
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6,
			nullif($7,''), $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			scope_kind,
			scope_id,
			type,
			seconds,
			balance_after,
			coalesce(session_id,''),
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where scope_kind = $1 and scope_id = $2 and created_at < to_timestamp($3)
		order by created_at desc
		limit $4
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies Schema.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) LoadBalance(ctx context.Context, scope ledger.OwnerScope) (ledger.Balance, error) {
	return loadBalance(ctx, store.pool, scope)
}

func (store *Store) SaveBalance(ctx context.Context, balance ledger.Balance) error {
	return saveBalance(ctx, store.pool, balance)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) ListEntries(ctx context.Context, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, store.pool, scope, beforeUnixUTC, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) LoadBalance(ctx context.Context, scope ledger.OwnerScope) (ledger.Balance, error) {
	return loadBalance(ctx, store.tx, scope)
}

func (store *TxStore) SaveBalance(ctx context.Context, balance ledger.Balance) error {
	return saveBalance(ctx, store.tx, balance)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) ListEntries(ctx context.Context, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, store.tx, scope, beforeUnixUTC, limit)
}

func loadBalance(ctx context.Context, db querier, scope ledger.OwnerScope) (ledger.Balance, error) {
	var (
		kindValue      string
		idValue        string
		secondsValue   int64
		capValue       int64
		resetUnixValue int64
		migratedValue  bool
		updatedUnix    int64
	)
	err := db.QueryRow(ctx, sqlSelectBalance, string(scope.Kind()), scope.ID()).Scan(
		&kindValue,
		&idValue,
		&secondsValue,
		&capValue,
		&resetUnixValue,
		&migratedValue,
		&updatedUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	parsedScope, err := ledger.ParseOwnerScope(kindValue, idValue)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{
		Scope:             parsedScope,
		SecondsRemaining:  secondsValue,
		CapSeconds:        capValue,
		LastWeeklyResetAt: unixUTC(resetUnixValue),
		Migrated:          migratedValue,
		UpdatedAt:         unixUTC(updatedUnix),
	}, nil
}

func saveBalance(ctx context.Context, db querier, balance ledger.Balance) error {
	_, err := db.Exec(ctx, sqlUpsertBalance,
		string(balance.Scope.Kind()),
		balance.Scope.ID(),
		balance.SecondsRemaining,
		balance.CapSeconds,
		balance.LastWeeklyResetAt.Unix(),
		balance.Migrated,
		balance.UpdatedAt.Unix(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func insertEntry(ctx context.Context, db querier, entry ledger.Entry) error {
	_, err := db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		string(entry.Scope.Kind()),
		entry.Scope.ID(),
		string(entry.Type),
		entry.Seconds,
		entry.BalanceAfter,
		entry.SessionID,
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func listEntries(ctx context.Context, db querier, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := db.Query(ctx, sqlListEntriesBefore, string(scope.Kind()), scope.ID(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryID        string
			kindValue      string
			idValue        string
			typeValue      string
			secondsValue   int64
			balanceAfter   int64
			sessionID      string
			idempotencyVal string
			metadataValue  string
			createdUnix    int64
		)
		if err := rows.Scan(
			&entryID,
			&kindValue,
			&idValue,
			&typeValue,
			&secondsValue,
			&balanceAfter,
			&sessionID,
			&idempotencyVal,
			&metadataValue,
			&createdUnix,
		); err != nil {
			return nil, err
		}
		scope, err := ledger.ParseOwnerScope(kindValue, idValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(typeValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyVal)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID:        entryID,
			Scope:          scope,
			Type:           entryType,
			Seconds:        secondsValue,
			BalanceAfter:   balanceAfter,
			SessionID:      sessionID,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnix,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	return false
}

func unixUTC(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
