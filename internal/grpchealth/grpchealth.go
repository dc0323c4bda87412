// Package grpchealth bridges translation backend health and the standard
// grpc.health.v1 protocol in both directions.
package grpchealth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	// ServiceTranslation is the health service name reported for the translation backend.
	ServiceTranslation = "voicetranslate.Translation"

	defaultPollInterval = 15 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Checker implements translation.HealthChecker over grpc.health.v1.
type Checker struct {
	client  healthpb.HealthClient
	service string
}

// NewChecker probes service through conn.
func NewChecker(conn grpc.ClientConnInterface, service string) *Checker {
	return &Checker{client: healthpb.NewHealthClient(conn), service: service}
}

// Health reports SERVING as healthy. An unknown service is unhealthy; other
// RPC failures are returned as errors.
func (checker *Checker) Health(ctx context.Context) (bool, error) {
	response, err := checker.client.Check(ctx, &healthpb.HealthCheckRequest{Service: checker.service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return response.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Reporter publishes the health of a translation.HealthChecker on a gRPC server.
type Reporter struct {
	server       *health.Server
	checker      translation.HealthChecker
	logger       *zap.Logger
	interval     time.Duration
	probeTimeout time.Duration
}

// NewReporter builds a Reporter. Zero durations fall back to defaults.
func NewReporter(checker translation.HealthChecker, logger *zap.Logger, interval time.Duration, probeTimeout time.Duration) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	server := health.NewServer()
	server.SetServingStatus(ServiceTranslation, healthpb.HealthCheckResponse_UNKNOWN)
	return &Reporter{server: server, checker: checker, logger: logger, interval: interval, probeTimeout: probeTimeout}
}

// Register attaches the health service to grpcServer.
func (reporter *Reporter) Register(grpcServer grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(grpcServer, reporter.server)
}

// Probe checks the backend once and updates the reported status.
func (reporter *Reporter) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	probeContext, cancel := context.WithTimeout(ctx, reporter.probeTimeout)
	defer cancel()
	servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
	healthy, err := reporter.checker.Health(probeContext)
	switch {
	case err != nil:
		reporter.logger.Warn("backend health probe failed", zap.Error(err))
	case healthy:
		servingStatus = healthpb.HealthCheckResponse_SERVING
	}
	reporter.server.SetServingStatus(ServiceTranslation, servingStatus)
	return servingStatus
}

// Run probes on every interval until ctx is done, then marks all services NOT_SERVING.
func (reporter *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(reporter.interval)
	defer ticker.Stop()
	reporter.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			reporter.server.Shutdown()
			return
		case <-ticker.C:
			reporter.Probe(ctx)
		}
	}
}
