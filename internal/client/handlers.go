package client

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

type handlerFunc func(d *Driver, data json.RawMessage) error

// handlers maps each server-to-client event to its reconciliation step.
var handlers = map[string]handlerFunc{
	protocol.EventPlayerJoined:         (*Driver).onPlayerJoined,
	protocol.EventClientExistingPlayer: (*Driver).onExistingPlayer,
	protocol.EventNewIncomingMessage:   (*Driver).onIncomingMessage,
	protocol.EventCameraMoved:          (*Driver).onCameraMoved,
	protocol.EventMoveMade:             (*Driver).onMoveMade,
	protocol.EventPlayersInRoom:        (*Driver).onPlayersInRoom,
	protocol.EventGameReset:            (*Driver).onGameReset,
	protocol.EventNewError:             (*Driver).onNewError,
	protocol.EventPlayerLeft:           (*Driver).onPlayerLeft,
}

func (d *Driver) dispatch(f protocol.Frame) {
	fn, ok := handlers[f.Event]
	if !ok {
		d.logger.Debug("ignoring unknown event", zap.String("event", f.Event))
		return
	}
	if err := fn(d, f.Data); err != nil {
		d.logger.Warn("handling event", zap.String("event", f.Event), zap.Error(err))
	}
}

func (d *Driver) isSelf(id protocol.Identity) bool {
	return id.SessionID == d.self.SessionID
}

// onPlayerJoined confirms our own join, or learns the opponent and answers
// with our identity so a late joiner learns about us.
func (d *Driver) onPlayerJoined(data json.RawMessage) error {
	var p protocol.PlayerJoined
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	d.store.AppendMessage(protocol.IncomingMessage{
		Author:  SystemAuthor,
		Message: fmt.Sprintf("%s has joined %s", p.Player.DisplayName, p.Room),
	})
	d.store.SetPlayerCount(p.PlayerCount)

	if d.isSelf(p.Player) {
		d.mu.Lock()
		d.color = p.Color
		d.mu.Unlock()
		d.store.SetJoined(p.Room, p.Color)
		return nil
	}

	d.store.SetOpponent(p.Player.DisplayName)
	return d.emit(protocol.EventExistingPlayer, protocol.ExistingPlayer{Room: p.Room, Player: d.self})
}

func (d *Driver) onExistingPlayer(data json.RawMessage) error {
	var id protocol.Identity
	if err := protocol.DecodePayload(data, &id); err != nil {
		return err
	}
	if !d.isSelf(id) {
		d.store.SetOpponent(id.DisplayName)
	}
	return nil
}

func (d *Driver) onIncomingMessage(data json.RawMessage) error {
	var m protocol.IncomingMessage
	if err := protocol.DecodePayload(data, &m); err != nil {
		return err
	}
	d.store.AppendMessage(m)
	return nil
}

// onCameraMoved ignores positions reported for our own color.
func (d *Driver) onCameraMoved(data json.RawMessage) error {
	var c protocol.CameraMove
	if err := protocol.DecodePayload(data, &c); err != nil {
		return err
	}
	if c.Color == d.Color() {
		return nil
	}
	d.store.SetOpponentCamera(c.Position)
	return nil
}

func (d *Driver) onMoveMade(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("move is not valid JSON")
	}
	d.store.SetLastMove(data)
	return nil
}

func (d *Driver) onPlayersInRoom(data json.RawMessage) error {
	var n int
	if err := protocol.DecodePayload(data, &n); err != nil {
		return err
	}
	d.store.SetPlayerCount(n)
	return nil
}

func (d *Driver) onGameReset(json.RawMessage) error {
	d.store.ResetGame()
	return nil
}

func (d *Driver) onNewError(data json.RawMessage) error {
	var msg string
	if err := protocol.DecodePayload(data, &msg); err != nil {
		return err
	}
	d.store.NotifyError(msg)
	return nil
}

func (d *Driver) onPlayerLeft(data json.RawMessage) error {
	var p protocol.PlayerLeft
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	if p.Player == nil || d.isSelf(*p.Player) {
		return nil
	}
	d.store.ClearOpponent()
	d.store.AppendMessage(protocol.IncomingMessage{
		Author:  SystemAuthor,
		Message: fmt.Sprintf("%s has left %s", p.Player.DisplayName, p.Room),
	})
	return nil
}
