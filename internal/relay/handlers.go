package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/session"
)

// handlerFunc handles one inbound event. An *AppError result is sent back to
// the sender as newError; any other error drops the event with a log line.
type handlerFunc func(h *Hub, s *session.Session, data json.RawMessage) error

// handlers is the single source of truth for inbound event dispatch.
var handlers = map[string]handlerFunc{
	protocol.EventJoinRoom:       handleJoinRoom,
	protocol.EventCreatedMessage: handleCreatedMessage,
	protocol.EventMakeMove:       handleMakeMove,
	protocol.EventCameraMove:     handleCameraMove,
	protocol.EventFetchPlayers:   handleFetchPlayers,
	protocol.EventResetGame:      handleResetGame,
	protocol.EventExistingPlayer: handleExistingPlayer,
	protocol.EventPlayerLeft:     handlePlayerLeft,
}

func (h *Hub) dispatch(s *session.Session, f protocol.Frame) {
	fn, ok := handlers[f.Event]
	if !ok {
		h.logger.Warn("dropping unknown event",
			zap.String("event", f.Event),
			zap.String("conn_id", s.ID()),
		)
		return
	}

	err := fn(h, s, f.Data)
	if err == nil {
		return
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		h.logger.Info("event rejected",
			zap.String("event", f.Event),
			zap.String("conn_id", s.ID()),
			zap.String("reason", appErr.Msg),
		)
		h.send(s, protocol.EventNewError, appErr.Msg)
		return
	}
	h.logger.Warn("dropping malformed event",
		zap.String("event", f.Event),
		zap.String("conn_id", s.ID()),
		zap.Error(err),
	)
}

// requireMember enforces Policy.RequireMembership for a room-scoped event.
func (h *Hub) requireMember(s *session.Session, room string) error {
	if room == "" {
		return appErrorf("no room given")
	}
	if h.policy.RequireMembership && !h.registry.IsMember(s, room) {
		return appErrorf("not a member of room %q", room)
	}
	return nil
}

func handleJoinRoom(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.JoinRoom
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("joinRoom: %w", err)
	}
	if p.Player.SessionID == "" {
		p.Player.SessionID = s.ID()
	}

	s.SetResumeToken(p.Token)
	res, err := h.registry.Join(p.Room, s, p.Player)
	switch {
	case errors.Is(err, session.ErrIdentityInUse):
		return appErrorf("player %q is already connected to room %q", p.Player.DisplayName, p.Room)
	case errors.Is(err, session.ErrRoomFull):
		return appErrorf("room %q is full", p.Room)
	case errors.Is(err, session.ErrAlreadyInRoom):
		return appErrorf("already joined room %q", s.Room())
	case err != nil:
		return appErrorf("cannot join room: %v", err)
	}

	if res.Duplicate {
		h.logger.Debug("duplicate join ignored",
			zap.String("conn_id", s.ID()),
			zap.String("room", p.Room),
		)
		return nil
	}
	if old := res.Superseded; old != nil {
		old.Close(protocol.ReasonSuperseded)
		h.logger.Info("session superseded",
			zap.String("room", p.Room),
			zap.String("old_conn_id", old.ID()),
			zap.String("conn_id", s.ID()),
		)
	}

	h.logger.Info("player joined",
		zap.String("room", p.Room),
		zap.String("player", p.Player.Key()),
		zap.String("color", string(res.Color)),
		zap.Int("count", res.Count),
	)

	h.broadcast(p.Room, protocol.EventPlayerJoined, protocol.PlayerJoined{
		Room:        p.Room,
		Player:      p.Player,
		Color:       res.Color,
		PlayerCount: res.Count,
	}, nil)
	h.broadcast(p.Room, protocol.EventPlayersInRoom, res.Count, nil)
	return nil
}

func handleCreatedMessage(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.ChatMessage
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("createdMessage: %w", err)
	}
	room := p.Room
	if room == "" {
		room = s.Room()
	}
	if err := h.requireMember(s, room); err != nil {
		return err
	}
	author := p.Author
	if author == "" {
		author = s.Identity().DisplayName
	}

	h.broadcast(room, protocol.EventNewIncomingMessage, protocol.IncomingMessage{
		Author:  author,
		Message: p.Message,
	}, nil)
	return nil
}

func handleMakeMove(h *Hub, s *session.Session, data json.RawMessage) error {
	room, err := protocol.PeekRoom(data)
	if err != nil {
		return fmt.Errorf("makeMove: %w", err)
	}
	if err := h.requireMember(s, room); err != nil {
		return err
	}
	if err := h.validator.ValidateMove(h.ctx, room, s.Color(), data); err != nil {
		return appErrorf("move rejected: %v", err)
	}

	frame, err := protocol.EncodeRaw(protocol.EventMoveMade, data)
	if err != nil {
		return fmt.Errorf("makeMove: %w", err)
	}
	h.fanout(room, protocol.EventMoveMade, frame, nil)
	return nil
}

func handleCameraMove(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.CameraHeader
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("cameraMove: %w", err)
	}
	if err := h.requireMember(s, p.Room); err != nil {
		return err
	}

	frame, err := protocol.EncodeRaw(protocol.EventCameraMoved, data)
	if err != nil {
		return fmt.Errorf("cameraMove: %w", err)
	}
	// A player never gets its own camera motion back.
	h.fanout(p.Room, protocol.EventCameraMoved, frame, func(o *session.Session) bool {
		return p.Color.Valid() && o.Color() == p.Color
	})
	return nil
}

func handleFetchPlayers(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.RoomRef
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("fetchPlayers: %w", err)
	}
	room := p.Room
	if room == "" {
		room = s.Room()
	}
	if room == "" {
		return appErrorf("no room given")
	}
	h.send(s, protocol.EventPlayersInRoom, h.registry.OccupantCount(room))
	return nil
}

func handleResetGame(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.RoomRef
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("resetGame: %w", err)
	}
	if err := h.requireMember(s, p.Room); err != nil {
		return err
	}

	h.logger.Info("game reset",
		zap.String("room", p.Room),
		zap.String("conn_id", s.ID()),
	)
	h.broadcast(p.Room, protocol.EventGameReset, true, nil)
	return nil
}

func handleExistingPlayer(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.ExistingPlayer
	if err := protocol.DecodePayload(data, &p); err != nil {
		return fmt.Errorf("existingPlayer: %w", err)
	}
	if err := p.Player.Validate(); err != nil {
		return fmt.Errorf("existingPlayer: %w", err)
	}
	if err := h.requireMember(s, p.Room); err != nil {
		return err
	}
	h.broadcast(p.Room, protocol.EventClientExistingPlayer, p.Player, nil)
	return nil
}

func handlePlayerLeft(h *Hub, s *session.Session, data json.RawMessage) error {
	var p protocol.RoomRef
	if len(data) > 0 {
		if err := protocol.DecodePayload(data, &p); err != nil {
			return fmt.Errorf("playerLeft: %w", err)
		}
	}
	joined := s.Room()
	if joined == "" || (p.Room != "" && p.Room != joined) {
		h.logger.Debug("playerLeft for a room not joined",
			zap.String("conn_id", s.ID()),
			zap.String("room", p.Room),
		)
		return nil
	}
	h.teardown(s, protocol.ReasonClientNamespaceDisconnect)
	return nil
}
