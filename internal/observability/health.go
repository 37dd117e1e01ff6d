package observability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RelayServiceName is the health service name reported for the relay.
const RelayServiceName = "boardrelay.Relay"

// Readiness reports whether the relay can accept connections.
type Readiness interface {
	Started() bool
}

// HealthServer serves grpc.health.v1.Health and keeps RelayServiceName in
// sync with a Readiness probe.
type HealthServer struct {
	addr     string
	probe    Readiness
	interval time.Duration
	logger   *zap.Logger

	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
}

// NewHealthServer creates a HealthServer. Both the overall ("") and the relay
// service start NOT_SERVING until the first probe.
//
// Precondition: probe and logger must be non-nil; interval > 0.
// Postcondition: Returns a HealthServer ready for ListenAndServe.
func NewHealthServer(addr string, probe Readiness, interval time.Duration, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(RelayServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		addr:     addr,
		probe:    probe,
		interval: interval,
		logger:   logger,
		grpc:     srv,
		health:   hs,
		quit:     make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and blocks until Stop.
func (h *HealthServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	return h.Serve(lis)
}

// Serve serves health checks on lis until Stop.
//
// Postcondition: lis is closed when Serve returns.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))

	h.Refresh()
	go h.watch()

	return h.grpc.Serve(lis)
}

// Refresh sets the serving status from the probe.
func (h *HealthServer) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.probe.Started() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(RelayServiceName, status)
}

func (h *HealthServer) watch() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.Refresh()
		}
	}
}

// Addr returns the listening address, or "" before Serve.
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and stops the gRPC server gracefully.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.health.Shutdown()
		h.grpc.GracefulStop()
		h.logger.Info("gRPC health server stopped")
	})
}

// Check queries the health service behind conn for service. It backs the
// relayserver -healthcheck flag.
func Check(ctx context.Context, conn grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}
