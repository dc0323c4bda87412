// Package ledgersync mirrors committed ledger entries to the remote account
// ledger. Delivery is best effort: local state stays authoritative.
package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	eventsPath   = "/v1/ledger/events"
	accountsPath = "/v1/ledger/accounts/"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	bearerPrefix        = "Bearer "
	contentTypeJSON     = "application/json"

	defaultBufferSize    = 256
	defaultBatchSize     = 32
	defaultFlushInterval = 5 * time.Second
	defaultTimeout       = 10 * time.Second
	defaultTokenTTL      = 5 * time.Minute
	defaultIssuer        = "voicetranslate"
	maxErrorBodyBytes    = 4 << 10
)

var (
	// ErrInvalidConfig reports an unusable sync configuration.
	ErrInvalidConfig = errors.New("invalid ledger sync config")
	// ErrAccountNotFound is returned when the remote ledger has no record for a user.
	ErrAccountNotFound = errors.New("remote account not found")
)

// Config configures the sync client.
type Config struct {
	BaseURL       string
	SigningKey    string
	Issuer        string
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	TokenTTL      time.Duration
}

// Validate fills defaults and checks required fields.
func (config *Config) Validate() error {
	if strings.TrimSpace(config.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.SigningKey) == "" {
		return fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	if config.Issuer == "" {
		config.Issuer = defaultIssuer
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaultBufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaultFlushInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaultTokenTTL
	}
	return nil
}

// RemoteAccount is the remote ledger's view of an account balance.
type RemoteAccount struct {
	UserID           string    `json:"user_id"`
	SecondsRemaining int64     `json:"seconds_remaining"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type eventPayload struct {
	EntryID      string    `json:"entry_id"`
	ScopeKind    string    `json:"scope_kind"`
	ScopeID      string    `json:"scope_id"`
	Type         string    `json:"type"`
	Seconds      int64     `json:"seconds"`
	BalanceAfter int64     `json:"balance_after"`
	SessionID    string    `json:"session_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type eventsRequest struct {
	Events []eventPayload `json:"events"`
}

// Client implements ledger.Syncer over HTTP.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	events     chan ledger.SyncEvent
	dropped    atomic.Int64
	delivered  atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithClock overrides the token clock.
func WithClock(now func() time.Time) Option {
	return func(client *Client) {
		if now != nil {
			client.now = now
		}
	}
}

// New builds a Client. Call Run to start delivering published events.
func New(config Config, options ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	client := &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     zap.NewNop(),
		now:        time.Now,
		events:     make(chan ledger.SyncEvent, config.BufferSize),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Publish implements ledger.Syncer. It never blocks; events are dropped when the buffer is full.
func (client *Client) Publish(event ledger.SyncEvent) {
	select {
	case client.events <- event:
	default:
		client.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (client *Client) Dropped() int64 {
	return client.dropped.Load()
}

// Delivered reports how many events the remote ledger accepted.
func (client *Client) Delivered() int64 {
	return client.delivered.Load()
}

// Run batches published events and posts them until ctx is done. Buffered
// events are flushed once more on shutdown.
func (client *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(client.config.FlushInterval)
	defer ticker.Stop()
	batch := make([]ledger.SyncEvent, 0, client.config.BatchSize)
	flush := func(flushContext context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := client.Send(flushContext, batch); err != nil {
			client.logger.Warn("ledger sync failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
			drainContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), client.config.Timeout)
		drain:
			for {
				select {
				case event := <-client.events:
					batch = append(batch, event)
					if len(batch) >= client.config.BatchSize {
						flush(drainContext)
					}
				default:
					break drain
				}
			}
			flush(drainContext)
			cancel()
			return
		case event := <-client.events:
			batch = append(batch, event)
			if len(batch) >= client.config.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Send posts events in one request.
func (client *Client) Send(ctx context.Context, events []ledger.SyncEvent) error {
	payload := eventsRequest{Events: make([]eventPayload, 0, len(events))}
	for _, event := range events {
		payload.Events = append(payload.Events, eventPayload{
			EntryID:      event.EntryID,
			ScopeKind:    string(event.Scope.Kind()),
			ScopeID:      event.Scope.ID(),
			Type:         string(event.Type),
			Seconds:      event.Seconds,
			BalanceAfter: event.BalanceAfter,
			SessionID:    event.SessionID,
			OccurredAt:   event.OccurredAt.UTC(),
		})
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	response, err := client.do(ctx, http.MethodPost, eventsPath, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusError(response)
	}
	client.delivered.Add(int64(len(events)))
	return nil
}

// FetchAccount pulls the remote balance for userID.
func (client *Client) FetchAccount(ctx context.Context, userID ledger.UserID) (RemoteAccount, error) {
	response, err := client.do(ctx, http.MethodGet, accountsPath+url.PathEscape(userID.String()), nil)
	if err != nil {
		return RemoteAccount{}, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return RemoteAccount{}, ErrAccountNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return RemoteAccount{}, statusError(response)
	}
	var account RemoteAccount
	if err := json.NewDecoder(response.Body).Decode(&account); err != nil {
		return RemoteAccount{}, fmt.Errorf("decode account: %w", err)
	}
	return account, nil
}

func (client *Client) do(ctx context.Context, method string, path string, body io.Reader) (*http.Response, error) {
	token, err := client.token()
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set(headerAuthorization, bearerPrefix+token)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	return client.httpClient.Do(request)
}

func (client *Client) token() (string, error) {
	issuedAt := client.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    client.config.Issuer,
		Subject:   client.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(client.config.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(client.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func statusError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	return fmt.Errorf("remote ledger returned status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
}
