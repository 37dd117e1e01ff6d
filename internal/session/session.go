// Package session provides per-connection session state and the room
// registry that tracks which sessions occupy which room.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// State is where a session sits in its connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateConnected
	// StateDetached marks a member whose transport dropped transiently; it
	// still counts as an occupant of its room.
	StateDetached
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDetached:
		return "detached"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one live connection. A reconnect always produces a new Session.
//
// Outbound frames are queued with Push and drained by the transport's write
// pump through Outbound. Room membership fields are written only by the
// registry.
type Session struct {
	id       string
	outbound chan []byte

	mu         sync.Mutex
	state      State
	closed     bool
	reason     protocol.DisconnectReason
	room       string
	identity   protocol.Identity
	token      string
	color      protocol.Color
	joinedAt   time.Time
	detachedAt time.Time
}

// New creates a Session for the connection id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns a Session in StateConnecting with an open outbound buffer.
func New(id string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Session{
		id:       id,
		outbound: make(chan []byte, bufferSize),
		state:    StateConnecting,
	}
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// Push enqueues an encoded frame for delivery. It never blocks.
//
// Postcondition: The frame is queued, or an error reports a closed or full buffer.
func (s *Session) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("session %s outbound buffer full", s.id)
	}
}

// Outbound returns the channel the write pump drains. It is closed by Close.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Close records reason and closes the outbound buffer. The first reason wins;
// closing twice is a no-op apart from the state change.
//
// Postcondition: Further Push calls fail; the state is StateClosed.
func (s *Session) Close(reason protocol.DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason protocol.DisconnectReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.outbound)
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason returns the reason given to Close, or "" if still open.
func (s *Session) CloseReason() protocol.DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkConnected moves a connecting session to StateConnected.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateConnected
	}
}

// Room returns the joined room id, or "" before join.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Identity returns the player identity recorded at join.
func (s *Session) Identity() protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SetResumeToken records the private token the client presented with its
// join. It is ignored once the session has joined a room.
func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		s.token = token
	}
}

// provesOwnership reports whether s carries the same non-empty resume token
// as prev.
func (s *Session) provesOwnership(prev *Session) bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	prev.mu.Lock()
	defer prev.mu.Unlock()
	return token != "" && token == prev.token
}

// Color returns the assigned color.
func (s *Session) Color() protocol.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.color
}

// DetachedAt returns when the session was detached, or the zero time.
func (s *Session) DetachedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt
}

func (s *Session) bind(room string, id protocol.Identity, color protocol.Color, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
	s.identity = id
	s.color = color
	s.joinedAt = at
	if s.state == StateConnecting {
		s.state = StateConnected
	}
}

func (s *Session) detach(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(protocol.ReasonServerNamespaceDisconnect)
	s.state = StateDetached
	s.detachedAt = at
}

// JoinedAt returns when the session joined its room, or the zero time.
func (s *Session) JoinedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedAt
}
