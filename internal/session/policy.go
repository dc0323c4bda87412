// Package session drives a credit ledger session around a translation call:
// a 1 Hz meter, the refund-on-failure rule and the weekly reset loop.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	DefaultMaxSessionSeconds = 60
	DefaultLowBalanceSeconds = 60
	tickInterval             = time.Second
)

var (
	// ErrInsufficientBalance is returned when a session cannot start on an empty balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyRunning is returned when a meter is started twice.
	ErrAlreadyRunning = errors.New("session meter already running")
)

// Policy holds product limits layered on top of the ledger. Zero disables a limit.
type Policy struct {
	MaxSessionSeconds int64
	LowBalanceSeconds int64
}

// DefaultPolicy returns the recording cap and low-balance reminder used by the apps.
func DefaultPolicy() Policy {
	return Policy{MaxSessionSeconds: DefaultMaxSessionSeconds, LowBalanceSeconds: DefaultLowBalanceSeconds}
}

// StopReason explains why a metering period ended.
type StopReason string

const (
	ReasonStopped     StopReason = "stopped"
	ReasonCancelled   StopReason = "cancelled"
	ReasonExhausted   StopReason = "exhausted"
	ReasonMaxDuration StopReason = "max_duration"
)

// Ledger is the part of ledger.Service a session drives.
type Ledger interface {
	CanStartSession() bool
	StartSession(ctx context.Context) error
	Tick(ctx context.Context) (ledger.TickResult, error)
	StopSession(ctx context.Context) (ledger.SessionSummary, error)
	CancelSession(ctx context.Context) (ledger.SessionSummary, error)
	Snapshot() ledger.Balance
	Session() ledger.Session
}

// Translator is the part of translation.Orchestrator a session drives.
type Translator interface {
	Translate(ctx context.Context, text string, sourceLang string, targetLang string) (translation.Translation, error)
}

// Ticker delivers metering ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type realTicker struct {
	ticker *time.Ticker
}

func (ticker realTicker) C() <-chan time.Time { return ticker.ticker.C }
func (ticker realTicker) Stop()               { ticker.ticker.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(interval time.Duration) Ticker {
	return realTicker{ticker: time.NewTicker(interval)}
}
