package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/httpbackend"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/metrics"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/oplog"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	envPrefix = "TRANSLATORD"

	flagDatabaseURL       = "database-url"
	flagPostgresDriver    = "postgres-driver"
	flagRedisPrefix       = "redis-prefix"
	flagBackendURL        = "backend-url"
	flagBackendAPIKey     = "backend-api-key"
	flagBackendTimeout    = "backend-timeout"
	flagAttemptTimeout    = "attempt-timeout"
	flagFallbackCacheSize = "fallback-cache-size"
	flagValidateLanguages = "validate-languages"

	defaultDatabaseURL       = "sqlite:///tmp/voicetranslate.db"
	defaultBackendURL        = "http://localhost:8000"
	defaultFallbackCacheSize = 256
)

type runtimeConfig struct {
	DatabaseURL       string
	PostgresDriver    string
	RedisPrefix       string
	BackendURL        string
	BackendAPIKey     string
	BackendTimeout    time.Duration
	AttemptTimeout    time.Duration
	FallbackCacheSize int
	ValidateLanguages bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "translatord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "translatord",
		Short:         "Voice translation service with metered credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "ledger storage: sqlite://path, postgres://dsn or redis://addr")
	flags.String(flagPostgresDriver, postgresDriverGORM, "postgres access layer (gorm or pgx)")
	flags.String(flagRedisPrefix, "", "key prefix for the redis ledger store")
	flags.String(flagBackendURL, defaultBackendURL, "translation backend base URL")
	flags.String(flagBackendAPIKey, "", "translation backend API key")
	flags.Duration(flagBackendTimeout, 30*time.Second, "translation backend HTTP timeout")
	flags.Duration(flagAttemptTimeout, translation.DefaultAttemptTimeout, "per-attempt translation timeout")
	flags.Int(flagFallbackCacheSize, defaultFallbackCacheSize, "recent translations kept for the fallback path (0 disables)")
	flags.Bool(flagValidateLanguages, false, "reject language codes the backend does not list")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		v, err := newViper(cmd)
		if err != nil {
			return err
		}
		return loadRuntimeConfig(v, cfg)
	}

	cmd.AddCommand(newServeCommand(cfg))
	cmd.AddCommand(newTranslateCommand(cfg))
	cmd.AddCommand(newBalanceCommand(cfg))
	return cmd
}

// newViper binds the command's own and inherited flags to TRANSLATORD_* variables.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagSet := range []*pflag.FlagSet{cmd.Flags(), cmd.InheritedFlags()} {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadRuntimeConfig(v *viper.Viper, cfg *runtimeConfig) error {
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.PostgresDriver = strings.TrimSpace(v.GetString(flagPostgresDriver))
	cfg.RedisPrefix = strings.TrimSpace(v.GetString(flagRedisPrefix))
	cfg.BackendURL = strings.TrimSpace(v.GetString(flagBackendURL))
	cfg.BackendAPIKey = v.GetString(flagBackendAPIKey)
	cfg.BackendTimeout = v.GetDuration(flagBackendTimeout)
	cfg.AttemptTimeout = v.GetDuration(flagAttemptTimeout)
	cfg.FallbackCacheSize = v.GetInt(flagFallbackCacheSize)
	cfg.ValidateLanguages = v.GetBool(flagValidateLanguages)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.BackendURL == "" {
		return fmt.Errorf("%s is required", flagBackendURL)
	}
	switch cfg.PostgresDriver {
	case postgresDriverGORM, postgresDriverPGX:
	default:
		return fmt.Errorf("%s must be %q or %q", flagPostgresDriver, postgresDriverGORM, postgresDriverPGX)
	}
	if cfg.FallbackCacheSize < 0 {
		return fmt.Errorf("%s must not be negative", flagFallbackCacheSize)
	}
	return nil
}

// buildOrchestrator wires the HTTP backend, the fallback chain and the
// observers shared by every subcommand.
func buildOrchestrator(cfg *runtimeConfig, logger *zap.Logger, recorder *metrics.Recorder, extra ...translation.Option) (*translation.Orchestrator, *httpbackend.Client, error) {
	backend, err := httpbackend.New(httpbackend.Config{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.BackendAPIKey,
		Timeout: cfg.BackendTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	var fallback translation.FallbackStrategy = translation.NewTextOnlyFallback(backend)
	if cfg.FallbackCacheSize > 0 {
		cached, err := translation.NewCacheFallback(cfg.FallbackCacheSize, fallback)
		if err != nil {
			return nil, nil, err
		}
		fallback = cached
	}

	adapter := oplog.New(logger)
	options := []translation.Option{
		translation.WithAttemptTimeout(cfg.AttemptTimeout),
		translation.WithFallback(fallback),
		translation.WithAttemptLogger(adapter),
		translation.WithRequestObserver(adapter),
	}
	if recorder != nil {
		options = append(options, translation.WithAttemptLogger(recorder), translation.WithRequestObserver(recorder))
	}
	if cfg.ValidateLanguages {
		options = append(options, translation.WithLanguageValidation())
	}
	options = append(options, extra...)

	orchestrator, err := translation.New(backend, options...)
	if err != nil {
		return nil, nil, err
	}
	return orchestrator, backend, nil
}
