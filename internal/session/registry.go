package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

var (
	// ErrEmptyRoom is returned when a join names no room.
	ErrEmptyRoom = errors.New("room id must not be empty")
	// ErrAlreadyInRoom is returned when a session that joined one room tries another.
	ErrAlreadyInRoom = errors.New("session already joined a different room")
	// ErrRoomFull is returned when the occupant cap is reached.
	ErrRoomFull = errors.New("room is full")
	// ErrIdentityInUse is returned when a join claims the session id of a
	// connected occupant without presenting that occupant's resume token.
	ErrIdentityInUse = errors.New("player identity is held by a connected occupant")
	// ErrNotMember is returned when an operation needs a session that is not an occupant.
	ErrNotMember = errors.New("session is not a room occupant")
)

// JoinResult describes the outcome of a successful Join.
type JoinResult struct {
	Color protocol.Color
	// Count is the occupant count after the join.
	Count int
	// Duplicate is true when the session had already joined this room; the
	// caller should not announce it again.
	Duplicate bool
	// Superseded is the older session with the same identity that this join
	// replaced, or nil.
	Superseded *Session
}

// LeaveResult describes the outcome of Leave.
type LeaveResult struct {
	Room string
	// Count is the occupant count after the leave.
	Count int
	// WasMember is false when the session was not an occupant; nothing changed.
	WasMember bool
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
	Detached int `json:"detached"`
}

type room struct {
	id        string
	occupants []*Session // join order
}

// Registry maps room ids to their occupant sessions.
// A room exists only while it has at least one occupant.
// All methods are safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	maxOccupants int
	rooms        map[string]*room
	members      map[string]*Session // connection id → session
	now          func() time.Time
}

// NewRegistry creates an empty Registry. maxOccupants caps each room; 0
// disables the cap.
//
// Precondition: maxOccupants must be >= 0.
func NewRegistry(maxOccupants int) *Registry {
	return &Registry{
		maxOccupants: maxOccupants,
		rooms:        make(map[string]*room),
		members:      make(map[string]*Session),
		now:          time.Now,
	}
}

// Join admits s into roomID under identity id.
//
// The first occupant is white and the second black; a freed color goes to
// the next arrival. A join whose identity matches a detached occupant (same
// session id or same display name) replaces it and inherits its color. A
// connected occupant is replaced only by a join with its session id and its
// resume token; the session id alone yields ErrIdentityInUse.
//
// Precondition: s must be non-nil.
// Postcondition: On success s is an occupant of roomID with an assigned color.
func (r *Registry) Join(roomID string, s *Session, id protocol.Identity) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, ErrEmptyRoom
	}
	if err := id.Validate(); err != nil {
		return JoinResult{}, fmt.Errorf("joining %q: %w", roomID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current := s.Room(); current != "" && current != roomID {
		return JoinResult{}, fmt.Errorf("joining %q while in %q: %w", roomID, current, ErrAlreadyInRoom)
	}

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{id: roomID}
	}

	if _, ok := r.members[s.ID()]; ok && rm.indexOf(s) >= 0 {
		return JoinResult{Color: s.Color(), Count: len(rm.occupants), Duplicate: true}, nil
	}

	idx, err := rm.supersedable(s, id)
	if err != nil {
		return JoinResult{}, fmt.Errorf("joining %q as %s: %w", roomID, id.Key(), err)
	}
	result := JoinResult{}
	if idx >= 0 {
		old := rm.occupants[idx]
		result.Superseded = old
		result.Color = old.Color()
		rm.occupants[idx] = s
		delete(r.members, old.ID())
	} else {
		if r.maxOccupants > 0 && len(rm.occupants) >= r.maxOccupants {
			return JoinResult{}, fmt.Errorf("joining %q: %w", roomID, ErrRoomFull)
		}
		result.Color = rm.freeColor()
		rm.occupants = append(rm.occupants, s)
	}

	r.rooms[roomID] = rm
	r.members[s.ID()] = s
	s.bind(roomID, id, result.Color, r.now())

	result.Count = len(rm.occupants)
	return result, nil
}

// Leave removes s from its room. Leaving twice is harmless.
//
// Postcondition: s is no longer an occupant; an emptied room is deleted.
func (r *Registry) Leave(s *Session) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID := s.Room()
	res := LeaveResult{Room: roomID}

	rm, ok := r.rooms[roomID]
	if !ok {
		return res
	}
	idx := rm.indexOf(s)
	if idx < 0 {
		res.Count = len(rm.occupants)
		return res
	}

	rm.occupants = append(rm.occupants[:idx], rm.occupants[idx+1:]...)
	delete(r.members, s.ID())
	if len(rm.occupants) == 0 {
		delete(r.rooms, roomID)
	}

	res.WasMember = true
	res.Count = len(rm.occupants)
	return res
}

// Detach marks an occupant as transiently disconnected. It keeps its seat
// and color until it is superseded or removed.
//
// Postcondition: Returns ErrNotMember if s is not an occupant.
func (r *Registry) Detach(s *Session, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[s.ID()]; !ok {
		return fmt.Errorf("detaching %s: %w", s.ID(), ErrNotMember)
	}
	s.detach(at)
	return nil
}

// ExpiredDetached returns detached occupants whose detach time is at least
// grace before now.
func (r *Registry) ExpiredDetached(now time.Time, grace time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.members {
		if s.State() != StateDetached {
			continue
		}
		if now.Sub(s.DetachedAt()) >= grace {
			out = append(out, s)
		}
	}
	return out
}

// OccupantCount returns the number of occupants of roomID, detached ones included.
func (r *Registry) OccupantCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.occupants)
	}
	return 0
}

// Occupants returns the occupants of roomID in join order.
//
// Postcondition: Returns a fresh slice (may be empty).
func (r *Registry) Occupants(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Session, len(rm.occupants))
	copy(out, rm.occupants)
	return out
}

// IsMember reports whether s occupies roomID.
func (r *Registry) IsMember(s *Session, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[s.ID()]; !ok {
		return false
	}
	return s.Room() == roomID
}

// Lookup returns the occupant with connection id connID.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.members[connID]
	return s, ok
}

// Stats returns room, occupant and detached counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Rooms: len(r.rooms), Sessions: len(r.members)}
	for _, s := range r.members {
		if s.State() == StateDetached {
			st.Detached++
		}
	}
	return st
}

func (rm *room) indexOf(s *Session) int {
	for i, o := range rm.occupants {
		if o == s {
			return i
		}
	}
	return -1
}

// supersedable finds the occupant a join by s under id replaces. A connected
// occupant is only replaced by a join carrying its resume token; a detached
// or closed one by its session id or display name.
func (rm *room) supersedable(s *Session, id protocol.Identity) (int, error) {
	for i, o := range rm.occupants {
		if o == s {
			continue
		}
		prev := o.Identity()
		sameID := id.SessionID != "" && prev.SessionID == id.SessionID
		// a closed connection whose disconnect is still in flight counts as gone
		if o.State() == StateDetached || o.IsClosed() {
			if sameID || prev.DisplayName == id.DisplayName {
				return i, nil
			}
			continue
		}
		if sameID {
			if !s.provesOwnership(o) {
				return -1, ErrIdentityInUse
			}
			return i, nil
		}
	}
	return -1, nil
}

func (rm *room) freeColor() protocol.Color {
	white, black := false, false
	for _, o := range rm.occupants {
		switch o.Color() {
		case protocol.ColorWhite:
			white = true
		case protocol.ColorBlack:
			black = true
		}
	}
	switch {
	case !white:
		return protocol.ColorWhite
	case !black:
		return protocol.ColorBlack
	default:
		return protocol.ColorNone
	}
}
