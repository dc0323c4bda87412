package grpchealth

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchChecker struct {
	healthy atomic.Bool
	err     atomic.Pointer[error]
}

func (checker *switchChecker) Health(context.Context) (bool, error) {
	if errPointer := checker.err.Load(); errPointer != nil {
		return false, *errPointer
	}
	return checker.healthy.Load(), nil
}

func startReporter(t *testing.T, checker *switchChecker) (*Reporter, *Checker) {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	reporter := NewReporter(checker, nil, time.Hour, time.Second)
	reporter.Register(grpcServer)
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return reporter, NewChecker(conn, ServiceTranslation)
}

func TestReporterAndCheckerRoundTrip(t *testing.T) {
	backend := &switchChecker{}
	reporter, checker := startReporter(t, backend)
	ctx := context.Background()

	healthy, err := checker.Health(ctx)
	if err != nil || healthy {
		t.Fatalf("expected UNKNOWN to read as unhealthy, got %v %v", healthy, err)
	}

	backend.healthy.Store(true)
	if got := reporter.Probe(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}
	healthy, err = checker.Health(ctx)
	if err != nil || !healthy {
		t.Fatalf("expected healthy, got %v %v", healthy, err)
	}

	probeErr := errors.New("connection refused")
	backend.err.Store(&probeErr)
	if got := reporter.Probe(ctx); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING on probe error, got %s", got)
	}
	healthy, err = checker.Health(ctx)
	if err != nil || healthy {
		t.Fatalf("expected unhealthy, got %v %v", healthy, err)
	}
}

func TestCheckerUnknownServiceIsUnhealthy(t *testing.T) {
	_, checker := startReporter(t, &switchChecker{})
	checker.service = "missing.Service"
	healthy, err := checker.Health(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if healthy {
		t.Fatalf("expected unknown service to be unhealthy")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	backend := &switchChecker{}
	backend.healthy.Store(true)
	reporter, checker := startReporter(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		healthy, _ := checker.Health(context.Background())
		if healthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reporter never marked the backend healthy")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
	healthy, err := checker.Health(context.Background())
	if err != nil || healthy {
		t.Fatalf("expected NOT_SERVING after shutdown, got %v %v", healthy, err)
	}
}
