package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

// Meter owns the 1 Hz tick loop of one ledger session.
type Meter struct {
	ledger    Ledger
	policy    Policy
	newTicker TickerFactory
	logger    *zap.Logger

	onLowBalance func(secondsRemaining int64)
	onForceStop  func(reason StopReason, summary ledger.SessionSummary)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithTickerFactory replaces the wall-clock ticker.
func WithTickerFactory(factory TickerFactory) MeterOption {
	return func(meter *Meter) {
		if factory != nil {
			meter.newTicker = factory
		}
	}
}

// WithLogger sets the meter logger.
func WithLogger(logger *zap.Logger) MeterOption {
	return func(meter *Meter) {
		if logger != nil {
			meter.logger = logger
		}
	}
}

// WithLowBalanceHandler is called once per session when the balance drops to the low-balance threshold.
func WithLowBalanceHandler(handler func(secondsRemaining int64)) MeterOption {
	return func(meter *Meter) {
		meter.onLowBalance = handler
	}
}

// WithForceStopHandler is called after the meter stops a session on its own.
func WithForceStopHandler(handler func(reason StopReason, summary ledger.SessionSummary)) MeterOption {
	return func(meter *Meter) {
		meter.onForceStop = handler
	}
}

// NewMeter builds a Meter for sessionLedger.
func NewMeter(sessionLedger Ledger, policy Policy, options ...MeterOption) *Meter {
	meter := &Meter{
		ledger:    sessionLedger,
		policy:    policy,
		newTicker: NewRealTicker,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(meter)
		}
	}
	return meter
}

// Start opens a ledger session and begins ticking. The loop stops when ctx is
// done, when Stop or Cancel is called, or when a policy limit force-stops it.
func (meter *Meter) Start(ctx context.Context) error {
	meter.mu.Lock()
	defer meter.mu.Unlock()
	if meter.done != nil {
		select {
		case <-meter.done:
		default:
			return ErrAlreadyRunning
		}
		meter.cancel()
	}
	if !meter.ledger.CanStartSession() {
		return ErrInsufficientBalance
	}
	if err := meter.ledger.StartSession(ctx); err != nil {
		return err
	}
	loopContext, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	meter.cancel = cancel
	meter.done = done
	ticker := meter.newTicker(tickInterval)
	go meter.run(loopContext, ticker, done)
	return nil
}

// Running reports whether the tick loop is active.
func (meter *Meter) Running() bool {
	meter.mu.Lock()
	defer meter.mu.Unlock()
	if meter.done == nil {
		return false
	}
	select {
	case <-meter.done:
		return false
	default:
		return true
	}
}

// Stop halts the loop and commits the session.
func (meter *Meter) Stop(ctx context.Context) (ledger.SessionSummary, error) {
	meter.halt()
	return meter.ledger.StopSession(ctx)
}

// Cancel halts the loop and refunds the session.
func (meter *Meter) Cancel(ctx context.Context) (ledger.SessionSummary, error) {
	meter.halt()
	return meter.ledger.CancelSession(ctx)
}

func (meter *Meter) halt() {
	meter.mu.Lock()
	cancel, done := meter.cancel, meter.done
	meter.cancel, meter.done = nil, nil
	meter.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (meter *Meter) run(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	var ticks int64
	lowBalanceNotified := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		// A received tick is settled even if Stop raced it.
		result, err := meter.ledger.Tick(context.WithoutCancel(ctx))
		if err != nil {
			meter.logger.Warn("session tick failed", zap.Error(err))
			continue
		}
		ticks++
		if !lowBalanceNotified && meter.policy.LowBalanceSeconds > 0 && result.SecondsRemaining <= meter.policy.LowBalanceSeconds {
			lowBalanceNotified = true
			if meter.onLowBalance != nil {
				meter.onLowBalance(result.SecondsRemaining)
			}
		}
		switch {
		case result.Exhausted:
			meter.forceStop(ctx, ReasonExhausted)
			return
		case meter.policy.MaxSessionSeconds > 0 && ticks >= meter.policy.MaxSessionSeconds:
			meter.forceStop(ctx, ReasonMaxDuration)
			return
		}
	}
}

func (meter *Meter) forceStop(ctx context.Context, reason StopReason) {
	summary, err := meter.ledger.StopSession(context.WithoutCancel(ctx))
	if err != nil {
		meter.logger.Error("session force stop failed", zap.String("reason", string(reason)), zap.Error(err))
		return
	}
	meter.logger.Info("session force stopped",
		zap.String("reason", string(reason)),
		zap.String("session_id", summary.SessionID),
		zap.Int64("charged_seconds", summary.ChargedSeconds),
		zap.Int64("balance_after", summary.BalanceAfter),
	)
	if meter.onForceStop != nil {
		meter.onForceStop(reason, summary)
	}
}
