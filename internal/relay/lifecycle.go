package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/session"
)

func (h *Hub) attach(s *session.Session) {
	s.MarkConnected()
	h.conns[s.ID()] = s
	h.logger.Info("client connected", zap.String("conn_id", s.ID()))
}

// disconnected classifies a transport loss. A transient disconnect detaches
// the occupant and keeps its seat without telling the room; anything else
// tears the session down.
func (h *Hub) disconnected(s *session.Session, reason protocol.DisconnectReason) {
	if recorded := s.CloseReason(); recorded != "" {
		reason = recorded
	}
	if cur, ok := h.conns[s.ID()]; ok && cur == s {
		delete(h.conns, s.ID())
	}

	disposition := protocol.Classify(reason)
	h.logger.Info("client disconnected",
		zap.String("conn_id", s.ID()),
		zap.String("room", s.Room()),
		zap.String("reason", string(reason)),
		zap.Stringer("disposition", disposition),
	)

	if disposition == protocol.Transient {
		if err := h.registry.Detach(s, h.now()); err != nil {
			s.Close(reason)
		}
		return
	}
	h.teardown(s, reason)
}

// teardown removes s from its room and tells the remaining occupants.
// It is safe to call more than once.
func (h *Hub) teardown(s *session.Session, reason protocol.DisconnectReason) {
	res := h.registry.Leave(s)
	s.Close(reason)
	if !res.WasMember {
		return
	}

	id := s.Identity()
	fields := []zap.Field{
		zap.String("room", res.Room),
		zap.String("player", id.Key()),
		zap.String("reason", string(reason)),
		zap.Int("count", res.Count),
	}
	if joined := s.JoinedAt(); !joined.IsZero() {
		fields = append(fields, zap.Duration("seated", h.now().Sub(joined)))
	}
	h.logger.Info("player left", fields...)

	h.broadcast(res.Room, protocol.EventPlayersInRoom, res.Count, nil)
	h.broadcast(res.Room, protocol.EventPlayerLeft, protocol.PlayerLeft{Room: res.Room, Player: &id}, nil)
}

// kick closes a live connection as a server namespace disconnect. The
// transport's close then arrives as a transient disconnect.
func (h *Hub) kick(connID string) error {
	s, ok := h.conns[connID]
	if !ok {
		return ErrUnknownSession
	}
	s.Close(protocol.ReasonServerNamespaceDisconnect)
	h.logger.Info("server namespace disconnect", zap.String("conn_id", connID))
	return nil
}

func (h *Hub) reapDetached(now time.Time) {
	for _, s := range h.registry.ExpiredDetached(now, h.policy.ReconnectGrace) {
		h.teardown(s, protocol.ReasonGraceExpired)
	}
}
