// Package redisstore implements ledger.Store on Redis. Each transaction is
// buffered in memory and applied by a single Lua script.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	defaultKeyPrefix    = "voicetranslate"
	commitResultOK      = "OK"
	commitResultDup     = "DUPLICATE"
	pingTimeout         = 5 * time.Second
	errorOperationStore = "store"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorSubjectConnect = "connection"
	errorCodeCommit     = "commit"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodePing       = "ping"
)

// Options configures the Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// Store implements ledger.Store using Redis.
type Store struct {
	client *redis.Client
	prefix string
	commit *redis.Script
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, options Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         options.Addr,
		Password:     options.Password,
		DB:           options.DB,
		PoolSize:     options.PoolSize,
		DialTimeout:  options.DialTimeout,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
	})
	pingContext, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingContext).Err(); err != nil {
		_ = client.Close()
		return nil, wrapStoreError(errorSubjectConnect, errorCodePing, err)
	}
	return New(client, options.KeyPrefix), nil
}

// New wraps an existing client. An empty prefix uses "voicetranslate".
func New(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix, commit: redis.NewScript(commitScript)}
}

// Close closes the Redis connection.
func (store *Store) Close() error {
	return store.client.Close()
}

// WithTx buffers writes made by fn and applies them atomically when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	transaction := &pendingTx{store: store}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return transaction.flush(ctx)
}

func (store *Store) LoadBalance(ctx context.Context, scope ledger.OwnerScope) (ledger.Balance, error) {
	raw, err := store.client.Get(ctx, store.balanceKey(scope)).Result()
	if errors.Is(err, redis.Nil) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := decodeBalance(raw)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SaveBalance(ctx context.Context, balance ledger.Balance) error {
	return store.apply(ctx, balance.Scope, &balance, nil)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return store.apply(ctx, entry.Scope, nil, []ledger.Entry{entry})
}

func (store *Store) ListEntries(ctx context.Context, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	maxScore := "+inf"
	if beforeUnixUTC != 0 {
		maxScore = "(" + strconv.FormatInt(beforeUnixUTC, 10)
	}
	entryIDs, err := store.client.ZRevRangeByScore(ctx, store.entriesKey(scope), &redis.ZRangeBy{
		Max:   maxScore,
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	if len(entryIDs) == 0 {
		return []ledger.Entry{}, nil
	}
	keys := make([]string, len(entryIDs))
	for index, entryID := range entryIDs {
		keys[index] = store.entryKey(entryID)
	}
	payloads, err := store.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(payloads))
	for _, payload := range payloads {
		raw, ok := payload.(string)
		if !ok {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) apply(ctx context.Context, scope ledger.OwnerScope, balance *ledger.Balance, entries []ledger.Entry) error {
	keys := []string{store.balanceKey(scope), store.entriesKey(scope), store.idempotencyKey(scope)}
	balancePayload := ""
	if balance != nil {
		encoded, err := encodeBalance(*balance)
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balancePayload = encoded
	}
	arguments := []any{balancePayload}
	for _, entry := range entries {
		if entry.EntryID == "" {
			entry.EntryID = uuid.NewString()
		}
		if entry.CreatedUnixUTC == 0 {
			entry.CreatedUnixUTC = time.Now().UTC().Unix()
		}
		encoded, err := encodeEntry(entry)
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		keys = append(keys, store.entryKey(entry.EntryID))
		arguments = append(arguments, entry.EntryID, entry.IdempotencyKey.String(), entry.CreatedUnixUTC, encoded)
	}
	result, err := store.commit.Run(ctx, store.client, keys, arguments...).Text()
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeCommit, err)
	}
	if result == commitResultDup {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if result != commitResultOK {
		return wrapStoreError(errorSubjectEntry, errorCodeCommit, fmt.Errorf("unexpected script result %q", result))
	}
	return nil
}

func (store *Store) balanceKey(scope ledger.OwnerScope) string {
	return store.prefix + ":balance:" + scope.Key()
}

func (store *Store) entriesKey(scope ledger.OwnerScope) string {
	return store.prefix + ":entries:" + scope.Key()
}

func (store *Store) idempotencyKey(scope ledger.OwnerScope) string {
	return store.prefix + ":idempotency:" + scope.Key()
}

func (store *Store) entryKey(entryID string) string {
	return store.prefix + ":entry:" + entryID
}

// pendingTx buffers one scope's writes until the surrounding WithTx returns.
type pendingTx struct {
	store   *Store
	scope   ledger.OwnerScope
	balance *ledger.Balance
	entries []ledger.Entry
}

func (transaction *pendingTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *pendingTx) LoadBalance(ctx context.Context, scope ledger.OwnerScope) (ledger.Balance, error) {
	if transaction.balance != nil && transaction.balance.Scope == scope {
		return *transaction.balance, nil
	}
	return transaction.store.LoadBalance(ctx, scope)
}

func (transaction *pendingTx) SaveBalance(_ context.Context, balance ledger.Balance) error {
	if err := transaction.bind(balance.Scope); err != nil {
		return err
	}
	transaction.balance = &balance
	return nil
}

func (transaction *pendingTx) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	if err := transaction.bind(entry.Scope); err != nil {
		return err
	}
	key := entry.IdempotencyKey.String()
	for _, pending := range transaction.entries {
		if pending.IdempotencyKey.String() == key {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
	}
	exists, err := transaction.store.client.HExists(ctx, transaction.store.idempotencyKey(entry.Scope), key).Result()
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	if exists {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	transaction.entries = append(transaction.entries, entry)
	return nil
}

func (transaction *pendingTx) ListEntries(ctx context.Context, scope ledger.OwnerScope, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return transaction.store.ListEntries(ctx, scope, beforeUnixUTC, limit)
}

func (transaction *pendingTx) bind(scope ledger.OwnerScope) error {
	if transaction.scope.IsZero() {
		transaction.scope = scope
		return nil
	}
	if transaction.scope != scope {
		return fmt.Errorf("%w: transaction spans scopes %s and %s", ledger.ErrInvalidScope, transaction.scope, scope)
	}
	return nil
}

func (transaction *pendingTx) flush(ctx context.Context) error {
	if transaction.balance == nil && len(transaction.entries) == 0 {
		return nil
	}
	return transaction.store.apply(ctx, transaction.scope, transaction.balance, transaction.entries)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
