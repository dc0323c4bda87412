package ledger

import (
	"context"
	"fmt"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	Scope          OwnerScope
	Seconds        int64
	BalanceAfter   int64
	SessionID      string
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Multiple loggers may be registered; each receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithSyncer wires a best-effort remote mirror of journal entries.
func WithSyncer(syncer Syncer) ServiceOption {
	return func(service *Service) {
		service.syncer = syncer
	}
}

// WithPolicy overrides the default cap, free-tier allowance and reset interval.
func WithPolicy(policy Policy) ServiceOption {
	return func(service *Service) {
		service.policy = policy
	}
}

// WithIDGenerator replaces the uuid-based identifier source.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// Policy holds the tunable limits of a ledger.
type Policy struct {
	CapSeconds      int64
	FreeTierSeconds int64
	ResetInterval   time.Duration
	InitialSeconds  int64
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		CapSeconds:      DefaultCapSeconds,
		FreeTierSeconds: DefaultFreeTierSeconds,
		ResetInterval:   DefaultResetInterval,
		InitialSeconds:  DefaultFreeTierSeconds,
	}
}

func (policy Policy) validate() error {
	if policy.CapSeconds <= 0 {
		return fmt.Errorf("%w: cap must be positive", ErrInvalidServiceConfig)
	}
	if policy.FreeTierSeconds < 0 || policy.FreeTierSeconds > policy.CapSeconds {
		return fmt.Errorf("%w: free tier must be within [0, cap]", ErrInvalidServiceConfig)
	}
	if policy.InitialSeconds < 0 || policy.InitialSeconds > policy.CapSeconds {
		return fmt.Errorf("%w: initial balance must be within [0, cap]", ErrInvalidServiceConfig)
	}
	if policy.ResetInterval <= 0 {
		return fmt.Errorf("%w: reset interval must be positive", ErrInvalidServiceConfig)
	}
	return nil
}
