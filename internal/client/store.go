package client

import (
	"encoding/json"
	"sync"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// SystemAuthor is the author of messages the driver synthesizes.
const SystemAuthor = "System"

// Store receives the state the driver observes. The driver's read loop is
// its only writer.
type Store interface {
	SetConnected(connected bool)
	SetJoined(room string, color protocol.Color)
	SetOpponent(name string)
	ClearOpponent()
	SetOpponentCamera(position [3]float64)
	SetLastMove(move json.RawMessage)
	SetPlayerCount(n int)
	ResetGame()
	AppendMessage(msg protocol.IncomingMessage)
	// NotifyError surfaces msg once; repeats of the same text are ignored
	// until it is dismissed.
	NotifyError(msg string)
}

// Snapshot is a copy of a MemoryStore's state.
type Snapshot struct {
	Connected      bool
	Joined         bool
	Room           string
	Color          protocol.Color
	OpponentName   string
	OpponentCamera *[3]float64
	LastMove       json.RawMessage
	PlayerCount    int
	GameStarted    bool
	Resets         int
	Messages       []protocol.IncomingMessage
	Errors         []string
}

// MemoryStore is an in-memory Store safe for concurrent readers.
type MemoryStore struct {
	mu     sync.RWMutex
	state  Snapshot
	errors map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{errors: make(map[string]struct{})}
}

func (m *MemoryStore) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Connected = connected
}

func (m *MemoryStore) SetJoined(room string, color protocol.Color) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Joined = true
	m.state.Room = room
	m.state.Color = color
}

func (m *MemoryStore) SetOpponent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OpponentName = name
}

func (m *MemoryStore) ClearOpponent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OpponentName = ""
	m.state.OpponentCamera = nil
}

func (m *MemoryStore) SetOpponentCamera(position [3]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OpponentCamera = &position
}

func (m *MemoryStore) SetLastMove(move json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastMove = append(json.RawMessage(nil), move...)
}

// SetPlayerCount records the room's occupant count. The game counts as
// started once two players have been present; it stays started.
func (m *MemoryStore) SetPlayerCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PlayerCount = n
	if n == 2 {
		m.state.GameStarted = true
	}
}

func (m *MemoryStore) ResetGame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastMove = nil
	m.state.Resets++
}

func (m *MemoryStore) AppendMessage(msg protocol.IncomingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Messages = append(m.state.Messages, msg)
}

func (m *MemoryStore) NotifyError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.errors[msg]; seen {
		return
	}
	m.errors[msg] = struct{}{}
	m.state.Errors = append(m.state.Errors, msg)
}

// DismissError removes msg so a later NotifyError shows it again.
func (m *MemoryStore) DismissError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.errors[msg]; !seen {
		return
	}
	delete(m.errors, msg)
	kept := m.state.Errors[:0]
	for _, e := range m.state.Errors {
		if e != msg {
			kept = append(kept, e)
		}
	}
	m.state.Errors = kept
}

// Snapshot returns a deep copy of the current state.
func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	if s.OpponentCamera != nil {
		pos := *s.OpponentCamera
		s.OpponentCamera = &pos
	}
	s.LastMove = append(json.RawMessage(nil), s.LastMove...)
	s.Messages = append([]protocol.IncomingMessage(nil), s.Messages...)
	s.Errors = append([]string(nil), s.Errors...)
	return s
}
