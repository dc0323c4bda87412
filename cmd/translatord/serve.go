package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/grpchealth"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/ledgersync"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/metrics"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/oplog"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/session"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/sessionapi"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagDeviceHeader       = "device-header"
	flagTranslateTimeout   = "translate-timeout"
	flagMaxSessionSeconds  = "max-session-seconds"
	flagLowBalanceSeconds  = "low-balance-seconds"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagHealthGRPCAddr     = "health-grpc-addr"
	flagSyncURL            = "sync-url"
	flagSyncSigningKey     = "sync-signing-key"
	flagResetCheckInterval = "reset-check-interval"
)

type serveConfig struct {
	API                sessionapi.Config
	GRPCListenAddr     string
	HealthGRPCAddr     string
	Sync               ledgersync.Config
	ResetCheckInterval time.Duration
}

func newServeCommand(runtime *runtimeConfig) *cobra.Command {
	cfg := &serveConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP façade, gRPC health endpoint and background loops",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, runtime, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, ":9090", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagDeviceHeader, "X-Device-ID", "header carrying the anonymous device id")
	cmd.Flags().Duration(flagTranslateTimeout, time.Minute, "overall deadline of one translate request")
	cmd.Flags().Int64(flagMaxSessionSeconds, session.DefaultMaxSessionSeconds, "recording cap per session (0 disables)")
	cmd.Flags().Int64(flagLowBalanceSeconds, session.DefaultLowBalanceSeconds, "low balance reminder threshold (0 disables)")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC health listen address (empty disables)")
	cmd.Flags().String(flagHealthGRPCAddr, "", "probe backend health over gRPC at this address instead of HTTP")
	cmd.Flags().String(flagSyncURL, "", "remote ledger base URL (empty disables sync)")
	cmd.Flags().String(flagSyncSigningKey, "", "HS256 key for remote ledger bearer tokens")
	cmd.Flags().Duration(flagResetCheckInterval, time.Hour, "how often weekly resets are checked")

	return cmd
}

func loadServeConfig(cmd *cobra.Command, cfg *serveConfig) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(v.GetString(flagJWTSigningKey)) == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	cfg.API = sessionapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    sessionapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		DeviceHeader:      strings.TrimSpace(v.GetString(flagDeviceHeader)),
		TranslateTimeout:  v.GetDuration(flagTranslateTimeout),
		Policy: session.Policy{
			MaxSessionSeconds: v.GetInt64(flagMaxSessionSeconds),
			LowBalanceSeconds: v.GetInt64(flagLowBalanceSeconds),
		},
	}
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.HealthGRPCAddr = strings.TrimSpace(v.GetString(flagHealthGRPCAddr))
	cfg.Sync = ledgersync.Config{
		BaseURL:    strings.TrimSpace(v.GetString(flagSyncURL)),
		SigningKey: v.GetString(flagSyncSigningKey),
	}
	if cfg.Sync.BaseURL != "" {
		if err := cfg.Sync.Validate(); err != nil {
			return err
		}
	}
	cfg.ResetCheckInterval = v.GetDuration(flagResetCheckInterval)
	return cfg.API.Validate()
}

func runServer(ctx context.Context, runtime *runtimeConfig, cfg *serveConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, runtime)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	defer func() {
		cancelLoops()
		loops.Wait()
	}()

	recorder := metrics.New()
	adapter := oplog.New(logger)
	ledgerOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(adapter),
		ledger.WithOperationLogger(recorder),
	}
	if cfg.Sync.BaseURL != "" {
		syncClient, err := ledgersync.New(cfg.Sync, ledgersync.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("ledger sync init: %w", err)
		}
		ledgerOptions = append(ledgerOptions, ledger.WithSyncer(syncClient))
		loops.Add(1)
		go func() {
			defer loops.Done()
			syncClient.Run(loopCtx)
		}()
	}

	var orchestratorOptions []translation.Option
	if cfg.HealthGRPCAddr != "" {
		conn, err := grpc.NewClient(cfg.HealthGRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("health client: %w", err)
		}
		defer conn.Close()
		orchestratorOptions = append(orchestratorOptions, translation.WithHealthProbe(grpchealth.NewChecker(conn, grpchealth.ServiceTranslation)))
	}
	orchestrator, backend, err := buildOrchestrator(runtime, logger, recorder, orchestratorOptions...)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	registry := sessionapi.NewRegistry(store, orchestrator, cfg.API.Policy,
		sessionapi.WithLedgerOptions(ledgerOptions...),
		sessionapi.WithRegistryLogger(logger),
	)

	scheduler := session.NewResetScheduler(registry.ResetTargets, cfg.ResetCheckInterval, time.Now, logger)
	loops.Add(1)
	go func() {
		defer loops.Done()
		scheduler.Run(loopCtx)
	}()

	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		reporter := grpchealth.NewReporter(backend, logger, 0, 0)
		reporter.Register(grpcServer)
		loops.Add(2)
		go func() {
			defer loops.Done()
			reporter.Run(loopCtx)
		}()
		go func() {
			defer loops.Done()
			logger.Info("gRPC health server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				logger.Error("gRPC health server stopped", zap.Error(serveErr))
			}
		}()
		go func() {
			<-loopCtx.Done()
			grpcServer.GracefulStop()
		}()
	}

	return sessionapi.Run(ctx, cfg.API, registry, logger, recorder.Handler())
}
