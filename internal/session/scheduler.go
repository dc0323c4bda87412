package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultResetCheckInterval = time.Hour

// ResetTarget is a ledger that can apply its weekly top-up.
type ResetTarget interface {
	ApplyWeeklyResetIfDue(ctx context.Context, now time.Time) (bool, error)
}

// ResetScheduler periodically applies weekly resets to every live ledger.
type ResetScheduler struct {
	targets   func() []ResetTarget
	interval  time.Duration
	now       func() time.Time
	newTicker TickerFactory
	logger    *zap.Logger
}

// NewResetScheduler builds a scheduler over the ledgers returned by targets.
func NewResetScheduler(targets func() []ResetTarget, interval time.Duration, now func() time.Time, logger *zap.Logger) *ResetScheduler {
	if interval <= 0 {
		interval = defaultResetCheckInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResetScheduler{targets: targets, interval: interval, now: now, newTicker: NewRealTicker, logger: logger}
}

// RunOnce applies due resets and returns how many were applied.
func (scheduler *ResetScheduler) RunOnce(ctx context.Context) int {
	now := scheduler.now().UTC()
	applied := 0
	for _, target := range scheduler.targets() {
		reset, err := target.ApplyWeeklyResetIfDue(ctx, now)
		if err != nil {
			scheduler.logger.Warn("weekly reset failed", zap.Error(err))
			continue
		}
		if reset {
			applied++
		}
	}
	if applied > 0 {
		scheduler.logger.Info("weekly resets applied", zap.Int("count", applied))
	}
	return applied
}

// Run calls RunOnce immediately and then on every interval until ctx is done.
func (scheduler *ResetScheduler) Run(ctx context.Context) {
	ticker := scheduler.newTicker(scheduler.interval)
	defer ticker.Stop()
	scheduler.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			scheduler.RunOnce(ctx)
		}
	}
}
