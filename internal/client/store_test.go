package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

func TestMemoryStoreNotifyErrorDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	s.NotifyError("room \"R1\" is full")
	s.NotifyError("room \"R1\" is full")
	s.NotifyError(ConnectFailedMessage)

	assert.Equal(t, []string{"room \"R1\" is full", ConnectFailedMessage}, s.Snapshot().Errors)
}

func TestMemoryStoreDismissAllowsRepeat(t *testing.T) {
	s := NewMemoryStore()
	s.NotifyError("boom")
	s.DismissError("boom")
	assert.Empty(t, s.Snapshot().Errors)

	s.NotifyError("boom")
	assert.Equal(t, []string{"boom"}, s.Snapshot().Errors)

	s.DismissError("never shown")
	assert.Equal(t, []string{"boom"}, s.Snapshot().Errors)
}

func TestMemoryStoreGameStartedLatches(t *testing.T) {
	s := NewMemoryStore()
	s.SetPlayerCount(1)
	assert.False(t, s.Snapshot().GameStarted)

	s.SetPlayerCount(2)
	s.SetPlayerCount(1)
	snap := s.Snapshot()
	assert.True(t, snap.GameStarted)
	assert.Equal(t, 1, snap.PlayerCount)
}

func TestMemoryStoreResetClearsLastMove(t *testing.T) {
	s := NewMemoryStore()
	s.SetLastMove(json.RawMessage(`{"to":"e4"}`))
	s.ResetGame()

	snap := s.Snapshot()
	assert.Nil(t, snap.LastMove)
	assert.Equal(t, 1, snap.Resets)
}

func TestMemoryStoreClearOpponent(t *testing.T) {
	s := NewMemoryStore()
	s.SetOpponent("Bob")
	s.SetOpponentCamera([3]float64{1, 2, 3})
	s.ClearOpponent()

	snap := s.Snapshot()
	assert.Empty(t, snap.OpponentName)
	assert.Nil(t, snap.OpponentCamera)
}

func TestMemoryStoreSnapshotIsCopy(t *testing.T) {
	s := NewMemoryStore()
	s.SetOpponentCamera([3]float64{1, 2, 3})
	s.SetLastMove(json.RawMessage(`{"to":"e4"}`))
	s.AppendMessage(protocol.IncomingMessage{Author: "Alice", Message: "hi"})

	snap := s.Snapshot()
	snap.OpponentCamera[0] = 99
	snap.LastMove[0] = '['
	snap.Messages[0].Message = "changed"

	again := s.Snapshot()
	assert.Equal(t, [3]float64{1, 2, 3}, *again.OpponentCamera)
	assert.JSONEq(t, `{"to":"e4"}`, string(again.LastMove))
	assert.Equal(t, "hi", again.Messages[0].Message)
}

func TestPropertyNotifyErrorKeepsDistinctInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", "c", "d"})).Draw(t, "msgs")
		s := NewMemoryStore()
		var want []string
		seen := map[string]bool{}
		for _, m := range msgs {
			s.NotifyError(m)
			if !seen[m] {
				seen[m] = true
				want = append(want, m)
			}
		}
		got := s.Snapshot().Errors
		if len(got) != len(want) {
			t.Fatalf("errors = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("errors = %v, want %v", got, want)
			}
		}
	})
}
