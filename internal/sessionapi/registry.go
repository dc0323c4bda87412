package sessionapi

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/session"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

// Registry keeps exactly one ledger and one session controller per owner scope.
type Registry struct {
	store         ledger.Store
	translator    session.Translator
	policy        session.Policy
	now           func() time.Time
	logger        *zap.Logger
	ledgerOptions []ledger.ServiceOption
	meterOptions  []session.MeterOption

	// loads collapses concurrent first loads of one scope; store I/O runs outside mu.
	loads  singleflight.Group
	mu     sync.Mutex
	scopes map[string]*scopeState
}

type scopeState struct {
	ledger     *ledger.Service
	controller *session.Controller
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLedgerOptions forwards options to every ledger the registry creates.
func WithLedgerOptions(options ...ledger.ServiceOption) RegistryOption {
	return func(registry *Registry) {
		registry.ledgerOptions = append(registry.ledgerOptions, options...)
	}
}

// WithMeterOptions forwards options to every session meter the registry creates.
func WithMeterOptions(options ...session.MeterOption) RegistryOption {
	return func(registry *Registry) {
		registry.meterOptions = append(registry.meterOptions, options...)
	}
}

// WithClock replaces time.Now for the ledgers.
func WithClock(now func() time.Time) RegistryOption {
	return func(registry *Registry) {
		if now != nil {
			registry.now = now
		}
	}
}

// WithRegistryLogger sets the logger used for session notifications.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(registry *Registry) {
		if logger != nil {
			registry.logger = logger
		}
	}
}

// NewRegistry builds an empty registry over store.
func NewRegistry(store ledger.Store, translator session.Translator, policy session.Policy, options ...RegistryOption) *Registry {
	registry := &Registry{
		store:      store,
		translator: translator,
		policy:     policy,
		now:        time.Now,
		logger:     zap.NewNop(),
		scopes:     make(map[string]*scopeState),
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry
}

// Ledger returns the ledger for scope, loading it on first use.
func (registry *Registry) Ledger(ctx context.Context, scope ledger.OwnerScope) (*ledger.Service, error) {
	state, err := registry.resolve(ctx, scope)
	if err != nil {
		return nil, err
	}
	return state.ledger, nil
}

// Controller returns the session controller for scope, loading its ledger on first use.
func (registry *Registry) Controller(ctx context.Context, scope ledger.OwnerScope) (*session.Controller, error) {
	state, err := registry.resolve(ctx, scope)
	if err != nil {
		return nil, err
	}
	return state.controller, nil
}

func (registry *Registry) resolve(ctx context.Context, scope ledger.OwnerScope) (*scopeState, error) {
	key := scope.Key()
	if state := registry.lookup(key); state != nil {
		return state, nil
	}
	value, err, _ := registry.loads.Do(key, func() (any, error) {
		if state := registry.lookup(key); state != nil {
			return state, nil
		}
		service, err := ledger.NewService(ctx, registry.store, scope, registry.now, registry.ledgerOptions...)
		if err != nil {
			return nil, err
		}
		scopeLogger := registry.logger.With(zap.String("scope", scope.String()))
		meterOptions := append([]session.MeterOption{
			session.WithLogger(scopeLogger),
			session.WithLowBalanceHandler(func(secondsRemaining int64) {
				scopeLogger.Info("balance running low", zap.Int64("seconds_remaining", secondsRemaining))
			}),
		}, registry.meterOptions...)
		state := &scopeState{
			ledger:     service,
			controller: session.NewController(service, registry.translator, registry.policy, meterOptions...),
		}

		registry.mu.Lock()
		defer registry.mu.Unlock()
		if existing, ok := registry.scopes[key]; ok {
			return existing, nil
		}
		registry.scopes[key] = state
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*scopeState), nil
}

func (registry *Registry) lookup(key string) *scopeState {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.scopes[key]
}

// ResetTargets lists every loaded ledger for the weekly reset scheduler.
func (registry *Registry) ResetTargets() []session.ResetTarget {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	targets := make([]session.ResetTarget, 0, len(registry.scopes))
	for _, state := range registry.scopes {
		targets = append(targets, state.ledger)
	}
	return targets
}

// Len reports how many scopes are loaded.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.scopes)
}
