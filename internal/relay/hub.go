// Package relay implements the room event relay: a single dispatch loop that
// owns room membership, forwards game events between occupants, reconciles
// player identity, and classifies disconnects.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/session"
)

var (
	// ErrHubStopped is returned when work is submitted after Stop.
	ErrHubStopped = errors.New("relay hub stopped")
	// ErrUnknownSession is returned by Disconnect for an id with no live connection.
	ErrUnknownSession = errors.New("unknown session")
)

type envelopeKind int

const (
	kindAttach envelopeKind = iota
	kindFrame
	kindDisconnect
	kindKick
)

type envelope struct {
	kind    envelopeKind
	session *session.Session
	frame   protocol.Frame
	reason  protocol.DisconnectReason
	connID  string
	reply   chan error
}

// Hub serializes every registry mutation and relay decision through one
// goroutine. Transports hand it connections and frames; it never blocks on
// a client, since outbound delivery is a non-blocking push.
type Hub struct {
	registry  *session.Registry
	policy    Policy
	validator MoveValidator
	logger    *zap.Logger
	now       func() time.Time

	inbox chan envelope
	// conns is owned by the dispatch goroutine.
	conns map[string]*session.Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewHub creates a Hub. A nil validator accepts every move.
//
// Precondition: registry and logger must be non-nil.
// Postcondition: Returns a Hub that processes nothing until Start.
func NewHub(registry *session.Registry, policy Policy, validator MoveValidator, logger *zap.Logger) *Hub {
	if validator == nil {
		validator = AcceptAll{}
	}
	if policy.ReapInterval <= 0 {
		policy.ReapInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:  registry,
		policy:    policy,
		validator: validator,
		logger:    logger,
		now:       time.Now,
		inbox:     make(chan envelope, 1024),
		conns:     make(map[string]*session.Session),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the dispatch loop. It reports false when the loop was
// already started or the hub has been stopped.
func (h *Hub) Start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.stopped {
		return false
	}
	h.started = true
	go h.run()
	h.logger.Info("relay hub started")
	return true
}

// Started reports whether Start has launched the dispatch loop.
func (h *Hub) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.stopped
}

// Stop ends the dispatch loop and closes every attached connection with
// ReasonServerShuttingDown.
//
// Postcondition: The dispatch loop has exited when Stop returns.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.stopped = true
	h.cancel()
	if !h.started {
		close(h.done)
	}
	h.mu.Unlock()

	<-h.done
	h.logger.Info("relay hub stopped")
}

// Done is closed once the dispatch loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats summarizes the registry.
func (h *Hub) Stats() session.Stats {
	return h.registry.Stats()
}

// Attach registers a freshly upgraded connection.
func (h *Hub) Attach(s *session.Session) error {
	return h.enqueue(h.ctx, envelope{kind: kindAttach, session: s})
}

// Receive queues an inbound frame from s.
func (h *Hub) Receive(s *session.Session, f protocol.Frame) error {
	return h.enqueue(h.ctx, envelope{kind: kindFrame, session: s, frame: f})
}

// Disconnected reports that the transport under s is gone. A reason the
// server recorded when it closed s takes precedence over reason.
func (h *Hub) Disconnected(s *session.Session, reason protocol.DisconnectReason) {
	if err := h.enqueue(h.ctx, envelope{kind: kindDisconnect, session: s, reason: reason}); err != nil {
		h.logger.Debug("disconnect after hub stop",
			zap.String("conn_id", s.ID()),
			zap.String("reason", string(reason)),
		)
	}
}

// Disconnect performs a server namespace disconnect on the connection
// connID. The occupant keeps its seat and the client is expected to return.
//
// Postcondition: Returns ErrUnknownSession if connID has no live connection.
func (h *Hub) Disconnect(ctx context.Context, connID string) error {
	reply := make(chan error, 1)
	if err := h.enqueue(ctx, envelope{kind: kindKick, connID: connID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) enqueue(ctx context.Context, env envelope) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.inbox <- env:
		return nil
	case <-ctx.Done():
		if ctx == h.ctx {
			return ErrHubStopped
		}
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) run() {
	defer close(h.done)

	var reap <-chan time.Time
	if h.policy.ReconnectGrace > 0 {
		ticker := time.NewTicker(h.policy.ReapInterval)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return
		case env := <-h.inbox:
			h.process(env)
		case now := <-reap:
			h.reapDetached(now)
		}
	}
}

func (h *Hub) process(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("relay handler panicked",
				zap.Any("panic", r),
				zap.String("event", env.frame.Event),
			)
		}
	}()

	switch env.kind {
	case kindAttach:
		h.attach(env.session)
	case kindFrame:
		h.dispatch(env.session, env.frame)
	case kindDisconnect:
		h.disconnected(env.session, env.reason)
	case kindKick:
		env.reply <- h.kick(env.connID)
	}
}

func (h *Hub) shutdown() {
	for id, s := range h.conns {
		s.Close(protocol.ReasonServerShuttingDown)
		delete(h.conns, id)
	}
}

func (h *Hub) broadcast(room, event string, payload any, exclude func(*session.Session) bool) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encoding broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.fanout(room, event, frame, exclude)
}

func (h *Hub) fanout(room, event string, frame []byte, exclude func(*session.Session) bool) {
	for _, o := range h.registry.Occupants(room) {
		if o.State() == session.StateDetached {
			continue
		}
		if exclude != nil && exclude(o) {
			continue
		}
		if err := o.Push(frame); err != nil {
			h.logger.Warn("dropping frame",
				zap.String("event", event),
				zap.String("room", room),
				zap.String("conn_id", o.ID()),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) send(s *session.Session, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encoding reply", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.Push(frame); err != nil {
		h.logger.Warn("dropping frame",
			zap.String("event", event),
			zap.String("conn_id", s.ID()),
			zap.Error(err),
		)
	}
}
