// Package protocol defines the wire vocabulary shared by the relay server and
// its clients: event names, the frame envelope, one payload type per event,
// the player identity record, and the closed set of disconnect reasons.
package protocol

// Client-to-server events.
const (
	EventJoinRoom       = "joinRoom"
	EventCreatedMessage = "createdMessage"
	EventMakeMove       = "makeMove"
	EventCameraMove     = "cameraMove"
	EventFetchPlayers   = "fetchPlayers"
	EventResetGame      = "resetGame"
	EventExistingPlayer = "existingPlayer"
)

// Server-to-client events.
const (
	EventPlayerJoined         = "playerJoined"
	EventNewIncomingMessage   = "newIncomingMessage"
	EventMoveMade             = "moveMade"
	EventCameraMoved          = "cameraMoved"
	EventPlayersInRoom        = "playersInRoom"
	EventGameReset            = "gameReset"
	EventClientExistingPlayer = "clientExistingPlayer"
	EventNewError             = "newError"
)

// EventPlayerLeft travels in both directions: a client announces a
// cooperative leave, and the server confirms it to the remaining occupants.
const EventPlayerLeft = "playerLeft"
