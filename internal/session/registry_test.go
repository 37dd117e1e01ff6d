package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

func ident(name, id string) protocol.Identity {
	return protocol.Identity{DisplayName: name, SessionID: id}
}

func TestSession_Push(t *testing.T) {
	s := New("c1", 4)
	require.NoError(t, s.Push([]byte("hello")))

	data := <-s.Outbound()
	assert.Equal(t, []byte("hello"), data)
}

func TestSession_PushClosed(t *testing.T) {
	s := New("c1", 4)
	s.Close(protocol.ReasonTransportClose)
	assert.True(t, s.IsClosed())
	assert.Equal(t, StateClosed, s.State())
	assert.Error(t, s.Push([]byte("fail")))
}

func TestSession_PushFull(t *testing.T) {
	s := New("c1", 1)
	require.NoError(t, s.Push([]byte("first")))
	err := s.Push([]byte("overflow"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestSession_CloseFirstReasonWins(t *testing.T) {
	s := New("c1", 4)
	s.Close(protocol.ReasonServerNamespaceDisconnect)
	s.Close(protocol.ReasonTransportClose)
	assert.Equal(t, protocol.ReasonServerNamespaceDisconnect, s.CloseReason())

	_, open := <-s.Outbound()
	assert.False(t, open)
}

func TestSession_StateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "detached", StateDetached.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestRegistry_FirstWhiteSecondBlack(t *testing.T) {
	r := NewRegistry(2)
	a, b := New("a", 4), New("b", 4)

	res, err := r.Join("R1", a, ident("Alice", "ida"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ColorWhite, res.Color)
	assert.Equal(t, 1, res.Count)

	res, err = r.Join("R1", b, ident("Bob", "idb"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ColorBlack, res.Color)
	assert.Equal(t, 2, res.Count)

	assert.Equal(t, 2, r.OccupantCount("R1"))
	assert.Equal(t, []*Session{a, b}, r.Occupants("R1"))
	assert.Equal(t, "R1", a.Room())
	assert.Equal(t, StateConnected, a.State())
}

func TestRegistry_JoinIsIdempotentPerSession(t *testing.T) {
	r := NewRegistry(2)
	a := New("a", 4)
	_, err := r.Join("R1", a, ident("Alice", "ida"))
	require.NoError(t, err)

	res, err := r.Join("R1", a, ident("Alice", "ida"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, protocol.ColorWhite, res.Color)
	assert.Equal(t, 1, r.OccupantCount("R1"))
}

func TestRegistry_JoinSecondRoomRejected(t *testing.T) {
	r := NewRegistry(2)
	a := New("a", 4)
	_, err := r.Join("R1", a, ident("Alice", "ida"))
	require.NoError(t, err)

	_, err = r.Join("R2", a, ident("Alice", "ida"))
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
	assert.Equal(t, 0, r.OccupantCount("R2"))
}

func TestRegistry_JoinValidation(t *testing.T) {
	r := NewRegistry(2)
	_, err := r.Join("", New("a", 4), ident("Alice", "ida"))
	assert.ErrorIs(t, err, ErrEmptyRoom)

	_, err = r.Join("R1", New("b", 4), ident("", "idb"))
	assert.Error(t, err)
	assert.Equal(t, 0, r.OccupantCount("R1"))
}

func TestRegistry_RoomFull(t *testing.T) {
	r := NewRegistry(2)
	_, _ = r.Join("R1", New("a", 4), ident("Alice", "ida"))
	_, _ = r.Join("R1", New("b", 4), ident("Bob", "idb"))

	_, err := r.Join("R1", New("c", 4), ident("Carol", "idc"))
	assert.True(t, errors.Is(err, ErrRoomFull))
	assert.Equal(t, 2, r.OccupantCount("R1"))
}

func TestRegistry_UncappedThirdGetsNoColor(t *testing.T) {
	r := NewRegistry(0)
	_, _ = r.Join("R1", New("a", 4), ident("Alice", "ida"))
	_, _ = r.Join("R1", New("b", 4), ident("Bob", "idb"))

	res, err := r.Join("R1", New("c", 4), ident("Carol", "idc"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ColorNone, res.Color)
	assert.Equal(t, 3, res.Count)
}

func TestRegistry_FreedColorIsReused(t *testing.T) {
	r := NewRegistry(2)
	a, b, c := New("a", 4), New("b", 4), New("c", 4)
	_, _ = r.Join("R1", a, ident("Alice", "ida"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))

	left := r.Leave(a)
	assert.True(t, left.WasMember)
	assert.Equal(t, 1, left.Count)

	res, err := r.Join("R1", c, ident("Carol", "idc"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ColorWhite, res.Color)
}

func TestRegistry_LeaveIdempotentAndRoomVanishes(t *testing.T) {
	r := NewRegistry(2)
	a := New("a", 4)
	_, _ = r.Join("R1", a, ident("Alice", "ida"))

	res := r.Leave(a)
	assert.True(t, res.WasMember)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, Stats{}, r.Stats())

	res = r.Leave(a)
	assert.False(t, res.WasMember)
	assert.Equal(t, "R1", res.Room)

	res = r.Leave(New("never", 4))
	assert.False(t, res.WasMember)
}

func TestRegistry_SupersedeBySessionID(t *testing.T) {
	r := NewRegistry(2)
	a1, b, a2 := New("a1", 4), New("b", 4), New("a2", 4)
	a1.SetResumeToken("secret")
	a2.SetResumeToken("secret")
	_, _ = r.Join("R1", a1, ident("Alice", "ida"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))

	res, err := r.Join("R1", a2, ident("Alice", "ida"))
	require.NoError(t, err)
	assert.Same(t, a1, res.Superseded)
	assert.Equal(t, protocol.ColorWhite, res.Color)
	assert.Equal(t, 2, res.Count)

	_, ok := r.Lookup("a1")
	assert.False(t, ok)
	assert.Equal(t, []*Session{a2, b}, r.Occupants("R1"))
}

func TestRegistry_ConnectedSessionIDNeedsResumeToken(t *testing.T) {
	for name, token := range map[string]string{"missing": "", "wrong": "guess"} {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(2)
			alice, bob, mallory := New("a", 4), New("b", 4), New("m", 4)
			alice.SetResumeToken("secret")
			mallory.SetResumeToken(token)
			_, _ = r.Join("R1", alice, ident("Alice", "ida"))
			_, _ = r.Join("R1", bob, ident("Bob", "idb"))

			res, err := r.Join("R1", mallory, ident("Mallory", "ida"))
			assert.ErrorIs(t, err, ErrIdentityInUse)
			assert.Nil(t, res.Superseded)
			assert.Equal(t, []*Session{alice, bob}, r.Occupants("R1"))
			assert.Equal(t, protocol.ColorWhite, alice.Color())
			assert.Empty(t, mallory.Room())
		})
	}
}

func TestRegistry_SupersedeDetachedBySessionIDWithoutToken(t *testing.T) {
	r := NewRegistry(2)
	a1, b := New("a1", 4), New("b", 4)
	a1.SetResumeToken("secret")
	_, _ = r.Join("R1", a1, ident("Alice", "ida"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))
	require.NoError(t, r.Detach(a1, time.Now()))

	res, err := r.Join("R1", New("a2", 4), ident("Alice", "ida"))
	require.NoError(t, err)
	assert.Same(t, a1, res.Superseded)
}

func TestRegistry_SupersedeClosedBySessionIDWithoutToken(t *testing.T) {
	r := NewRegistry(2)
	a1, b := New("a1", 4), New("b", 4)
	a1.SetResumeToken("secret")
	_, _ = r.Join("R1", a1, ident("Alice", "ida"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))
	a1.Close(protocol.ReasonServerNamespaceDisconnect)

	res, err := r.Join("R1", New("a2", 4), ident("Alice", "ida"))
	require.NoError(t, err)
	assert.Same(t, a1, res.Superseded)
}

func TestRegistry_SupersedeDetachedByDisplayName(t *testing.T) {
	r := NewRegistry(2)
	a1, b := New("a1", 4), New("b", 4)
	_, _ = r.Join("R1", a1, ident("Alice", "old"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))
	require.NoError(t, r.Detach(a1, time.Now()))

	res, err := r.Join("R1", New("a2", 4), ident("Alice", "new"))
	require.NoError(t, err)
	assert.Same(t, a1, res.Superseded)
	assert.Equal(t, protocol.ColorWhite, res.Color)
}

func TestRegistry_SameNameAttachedIsNotSuperseded(t *testing.T) {
	r := NewRegistry(2)
	_, _ = r.Join("R1", New("a", 4), ident("Alice", "ida"))
	_, _ = r.Join("R1", New("b", 4), ident("Bob", "idb"))

	_, err := r.Join("R1", New("c", 4), ident("Alice", "other"))
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestRegistry_DetachAndExpire(t *testing.T) {
	r := NewRegistry(2)
	a, b := New("a", 4), New("b", 4)
	_, _ = r.Join("R1", a, ident("Alice", "ida"))
	_, _ = r.Join("R1", b, ident("Bob", "idb"))

	at := time.Unix(1000, 0)
	require.NoError(t, r.Detach(a, at))
	assert.Equal(t, StateDetached, a.State())
	assert.True(t, a.IsClosed())
	assert.Equal(t, 2, r.OccupantCount("R1"))
	assert.Equal(t, Stats{Rooms: 1, Sessions: 2, Detached: 1}, r.Stats())

	assert.Empty(t, r.ExpiredDetached(at.Add(time.Second), time.Minute))
	assert.Equal(t, []*Session{a}, r.ExpiredDetached(at.Add(time.Minute), time.Minute))

	assert.ErrorIs(t, r.Detach(New("x", 4), at), ErrNotMember)
}

func TestRegistry_IsMember(t *testing.T) {
	r := NewRegistry(2)
	a := New("a", 4)
	assert.False(t, r.IsMember(a, "R1"))
	_, _ = r.Join("R1", a, ident("Alice", "ida"))
	assert.True(t, r.IsMember(a, "R1"))
	assert.False(t, r.IsMember(a, "R2"))
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry(0)
	const n = 100
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = New(fmt.Sprintf("c%d", i), 4)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			room := fmt.Sprintf("room_%d", i%5)
			_, _ = r.Join(room, sessions[i], ident(fmt.Sprintf("P%d", i), fmt.Sprintf("id%d", i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Stats().Sessions)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.Leave(sessions[i])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Stats{}, r.Stats())
}

func TestPropertyColorsUniquePerRoom(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(rapid.IntRange(0, 3).Draw(t, "cap"))
		rooms := []string{"r1", "r2"}
		var live []*Session

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "leave") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "leave_idx")
				r.Leave(live[idx])
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			s := New(fmt.Sprintf("c%d", i), 4)
			room := rooms[rapid.IntRange(0, len(rooms)-1).Draw(t, "room")]
			if _, err := r.Join(room, s, ident(fmt.Sprintf("P%d", i), fmt.Sprintf("id%d", i))); err == nil {
				live = append(live, s)
			}
		}

		total := 0
		for _, room := range rooms {
			seen := map[protocol.Color]int{}
			occ := r.Occupants(room)
			for _, s := range occ {
				seen[s.Color()]++
			}
			if seen[protocol.ColorWhite] > 1 || seen[protocol.ColorBlack] > 1 {
				t.Fatalf("room %s has duplicate colors: %v", room, seen)
			}
			total += len(occ)
		}
		if total != len(live) || total != r.Stats().Sessions {
			t.Fatalf("occupancy %d, live %d, stats %d", total, len(live), r.Stats().Sessions)
		}
	})
}
