// Package main provides the board relay server. It wires together
// configuration, the relay hub, the WebSocket acceptor, and the optional
// gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/boardrelay/internal/config"
	"github.com/cory-johannsen/boardrelay/internal/observability"
	"github.com/cory-johannsen/boardrelay/internal/relay"
	"github.com/cory-johannsen/boardrelay/internal/scripting"
	"github.com/cory-johannsen/boardrelay/internal/server"
	"github.com/cory-johannsen/boardrelay/internal/session"
	"github.com/cory-johannsen/boardrelay/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "query the admin health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *healthcheck {
		os.Exit(runHealthcheck(cfg.Admin))
	}

	logger, err := observability.NewLogger(cfg.Logging, "relayserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var validator relay.MoveValidator = relay.AcceptAll{}
	if cfg.Relay.MoveScript != "" {
		v, err := scripting.LoadValidator(cfg.Relay.MoveScript, cfg.Relay.ScriptInstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading move script", zap.Error(err))
		}
		defer v.Close()
		validator = v
	}

	registry := session.NewRegistry(cfg.Relay.MaxOccupants)
	hub := relay.NewHub(registry, relay.Policy{
		RequireMembership: cfg.Relay.RequireMembership,
		ReconnectGrace:    cfg.Relay.ReconnectGrace,
		ReapInterval:      cfg.Relay.ReapInterval,
	}, validator, logger)
	acceptor := transport.NewAcceptor(cfg.Transport, hub, logger)

	lifecycle := server.NewLifecycle(logger)

	// The hub is started lazily by the first bootstrap request.
	lifecycle.Add("hub", &server.FuncService{
		StartFn: func() error {
			<-hub.Done()
			return nil
		},
		StopFn: hub.Stop,
	})

	lifecycle.Add("transport", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Admin.Enabled {
		healthServer := observability.NewHealthServer(cfg.Admin.Addr(), hub, time.Second, logger)
		lifecycle.Add("health", &server.FuncService{
			StartFn: healthServer.ListenAndServe,
			StopFn:  healthServer.Stop,
		})
	}

	logger.Info("relay server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Transport.Addr()),
		zap.String("path", cfg.Transport.Path),
		zap.Int("max_occupants", cfg.Relay.MaxOccupants),
		zap.Bool("require_membership", cfg.Relay.RequireMembership),
		zap.Bool("admin", cfg.Admin.Enabled),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// runHealthcheck returns the process exit code for a health probe against
// the admin endpoint: 0 when the relay reports SERVING.
func runHealthcheck(admin config.AdminConfig) int {
	conn, err := grpc.NewClient(admin.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := observability.Check(ctx, conn, observability.RelayServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
