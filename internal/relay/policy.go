package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// Policy holds the relay's tunable behavior.
type Policy struct {
	// RequireMembership rejects room-scoped events from sessions that have
	// not joined the named room. fetchPlayers is always allowed.
	RequireMembership bool
	// ReconnectGrace is how long a detached occupant keeps its seat. Zero
	// keeps it until superseded.
	ReconnectGrace time.Duration
	// ReapInterval is how often detached occupants are checked against
	// ReconnectGrace. Defaults to one second.
	ReapInterval time.Duration
}

// MoveValidator decides whether a move may be relayed. The relay never
// interprets move payloads itself.
type MoveValidator interface {
	ValidateMove(ctx context.Context, room string, color protocol.Color, move json.RawMessage) error
}

// AcceptAll is the default MoveValidator; it relays every move.
type AcceptAll struct{}

// ValidateMove always returns nil.
func (AcceptAll) ValidateMove(context.Context, string, protocol.Color, json.RawMessage) error {
	return nil
}

// AppError is an application-level failure reported to the sending client
// as a newError event.
type AppError struct {
	Msg string
}

func (e *AppError) Error() string { return e.Msg }

func appErrorf(format string, args ...any) *AppError {
	return &AppError{Msg: fmt.Sprintf(format, args...)}
}
