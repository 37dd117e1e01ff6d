package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Color is the side a player holds in a room.
type Color string

const (
	// ColorNone is held by occupants beyond the second when no cap is enforced.
	ColorNone  Color = ""
	ColorWhite Color = "white"
	ColorBlack Color = "black"
)

// Valid reports whether c names a playable side.
func (c Color) Valid() bool {
	return c == ColorWhite || c == ColorBlack
}

// Identity names a logical player. SessionID is chosen by the client once and
// reused on every reconnect, so it outlives any single connection.
type Identity struct {
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
}

// Validate checks that the identity carries a display name.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.DisplayName) == "" {
		return errors.New("player display name must not be empty")
	}
	return nil
}

// Key renders the identity as "name#id" for log fields.
func (i Identity) Key() string {
	return i.DisplayName + "#" + i.SessionID
}

// JoinRoom is the joinRoom payload. Token is a client secret that is never
// relayed; it lets a client take over its own still-connected session.
type JoinRoom struct {
	Room   string   `json:"room"`
	Player Identity `json:"player"`
	Token  string   `json:"token,omitempty"`
}

// ChatMessage is the createdMessage payload. Room is optional; the sender's
// joined room is used when it is empty.
type ChatMessage struct {
	Room    string `json:"room,omitempty"`
	Author  string `json:"author"`
	Message string `json:"message"`
}

// IncomingMessage is the newIncomingMessage payload.
type IncomingMessage struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

// RoomRef is the payload of fetchPlayers, resetGame and a client-sent playerLeft.
type RoomRef struct {
	Room string `json:"room"`
}

// ExistingPlayer is the existingPlayer payload.
type ExistingPlayer struct {
	Room   string   `json:"room"`
	Player Identity `json:"player"`
}

// PlayerJoined is the playerJoined payload.
type PlayerJoined struct {
	Room        string   `json:"room"`
	Player      Identity `json:"player"`
	Color       Color    `json:"color"`
	PlayerCount int      `json:"playerCount"`
}

// PlayerLeft is the server-sent playerLeft payload.
type PlayerLeft struct {
	Room   string    `json:"room"`
	Player *Identity `json:"player,omitempty"`
}

// CameraMove is the cameraMove payload as clients produce and consume it.
type CameraMove struct {
	Room     string     `json:"room"`
	Color    Color      `json:"color"`
	Position [3]float64 `json:"position"`
}

// CameraHeader is the part of a cameraMove payload the relay reads. The
// position is forwarded in whatever shape the sender chose.
type CameraHeader struct {
	Room  string `json:"room"`
	Color Color  `json:"color"`
}

// MoveHeader is the part of an otherwise opaque move descriptor the relay reads.
type MoveHeader struct {
	Room string `json:"room"`
}

// PeekRoom extracts the room field from an opaque payload without decoding
// the rest of it.
func PeekRoom(data json.RawMessage) (string, error) {
	var h MoveHeader
	if err := DecodePayload(data, &h); err != nil {
		return "", err
	}
	if h.Room == "" {
		return "", errors.New("payload has no room")
	}
	return h.Room, nil
}
