// Package server runs the relay's long-lived services (the hub, the
// WebSocket transport, and the optional health endpoint) as one unit: they
// start together and the first to end takes the others down with it.
package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is one relay component. Start blocks while the component serves;
// Stop makes Start return.
type Service interface {
	Start() error
	Stop()
}

// FuncService builds a Service from a serve function and a stop function,
// e.g. an acceptor's ListenAndServe and Stop.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

func (f *FuncService) Start() error { return f.StartFn() }

func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle owns the relay's services. They are stopped in the reverse of
// registration order, so the transport registered after the hub stops
// accepting connections before the hub drains.
type Lifecycle struct {
	logger *zap.Logger

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// exit is the outcome of one service's Start.
type exit struct {
	name string
	err  error
}

// NewLifecycle returns an empty Lifecycle that logs to logger.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers svc under name. Names appear in logs and in the error Run
// returns.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run serves until SIGINT or SIGTERM arrives, ctx ends, or a service fails,
// then stops every service. It returns the failing service's error wrapped
// with its name, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	began := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	exits := make(chan exit, len(services))
	for _, ns := range services {
		ns := ns
		l.logger.Info("starting service", zap.String("service", ns.name))
		go func() {
			exits <- exit{name: ns.name, err: ns.service.Start()}
		}()
	}
	l.logger.Info("relay services running",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(began)),
	)

	var err error
	select {
	case e := <-exits:
		err = l.failed(e)
	case <-ctx.Done():
		// a failure racing the signal still wins
		select {
		case e := <-exits:
			err = l.failed(e)
		default:
			l.logger.Info("shutdown requested", zap.NamedError("cause", context.Cause(ctx)))
		}
	}

	l.stopAll(services)
	l.logger.Info("relay stopped", zap.Duration("uptime", time.Since(began)))
	return err
}

// failed logs a service that ended before shutdown was requested and turns
// its exit into Run's result. A clean early return is logged but not an error.
func (l *Lifecycle) failed(e exit) error {
	if e.err == nil {
		l.logger.Warn("service ended early, shutting down", zap.String("service", e.name))
		return nil
	}
	l.logger.Error("service failed, shutting down",
		zap.String("service", e.name),
		zap.Error(e.err),
	)
	return fmt.Errorf("service %s: %w", e.name, e.err)
}

func (l *Lifecycle) stopAll(services []namedService) {
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		began := time.Now()
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(began)),
		)
	}
}
