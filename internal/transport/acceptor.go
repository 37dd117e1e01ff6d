// Package transport serves the relay over WebSocket: the idempotent HTTP
// bootstrap, the upgrade, per-connection read and write pumps, and the small
// admin surface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/config"
	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/session"
)

// Hub is the relay as seen by the transport.
type Hub interface {
	Start() bool
	Started() bool
	Attach(s *session.Session) error
	Receive(s *session.Session, f protocol.Frame) error
	Disconnected(s *session.Session, reason protocol.DisconnectReason)
	Disconnect(ctx context.Context, connID string) error
	Stats() session.Stats
}

// Acceptor listens for HTTP requests, upgrades relay connections, and hands
// each one to the Hub.
type Acceptor struct {
	cfg      config.TransportConfig
	hub      Hub
	logger   *zap.Logger
	router   *httprouter.Router
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopping bool
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: cfg must be valid; hub and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe,
// or mounted directly through Handler.
func NewAcceptor(cfg config.TransportConfig, hub Hub, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		conns:  make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  cfg.ConnectTimeout,
			EnableCompression: true,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	a.router = a.routes()
	return a
}

// Handler returns the HTTP handler serving every route.
func (a *Acceptor) Handler() http.Handler {
	return a.router
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: a.cfg.ConnectTimeout,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("relay acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", a.cfg.Addr(), err)
	}
	return nil
}

// Stop closes the listener, closes every live connection with
// ReasonServerShuttingDown, and waits for their pumps to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	srv := a.server
	a.running = false
	a.stopping = true
	for c := range a.conns {
		c.session.Close(protocol.ReasonServerShuttingDown)
	}
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	a.wg.Wait()

	a.logger.Info("relay acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// upgrade turns the request into a relay connection. A failed handshake
// creates no session.
func (a *Acceptor) upgrade(w http.ResponseWriter, r *http.Request) {
	if !a.hub.Started() {
		http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s := session.New(uuid.NewString(), a.cfg.SendBuffer)
	c := newConn(ws, s, a.hub, a.cfg, a.logger)

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		s.Close(protocol.ReasonServerShuttingDown)
		c.writeClose()
		ws.Close()
		return
	}
	a.conns[c] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, c)
		a.mu.Unlock()
		a.wg.Done()
	}()

	if err := a.hub.Attach(s); err != nil {
		s.Close(protocol.ReasonServerShuttingDown)
		c.writeClose()
		ws.Close()
		a.logger.Warn("rejecting connection", zap.String("conn_id", s.ID()), zap.Error(err))
		return
	}
	c.serve()
}
