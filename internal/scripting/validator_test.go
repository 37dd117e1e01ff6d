package scripting_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/scripting"
)

const turnScript = `
function validate_move(room, color, move)
	if color == "" then
		return false, "spectators cannot move"
	end
	if move.piece == nil then
		return false, "no piece"
	end
	if move.to[1] < 0 or move.to[2] > 7 then
		return false, "off the board"
	end
	relay.log("accepted " .. move.piece .. " in " .. room)
	return true
end
`

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moves.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func loadValidator(t *testing.T, src string, limit int) *scripting.Validator {
	t.Helper()
	v, err := scripting.LoadValidator(writeScript(t, src), limit, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestValidator_Accepts(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	err := v.ValidateMove(context.Background(), "R1", protocol.ColorWhite,
		json.RawMessage(`{"room":"R1","piece":"pawn","to":[4,3]}`))
	assert.NoError(t, err)
}

func TestValidator_RejectsWithReason(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	ctx := context.Background()

	err := v.ValidateMove(ctx, "R1", protocol.ColorNone, json.RawMessage(`{"piece":"pawn","to":[4,3]}`))
	require.Error(t, err)
	assert.Equal(t, "spectators cannot move", err.Error())

	err = v.ValidateMove(ctx, "R1", protocol.ColorBlack, json.RawMessage(`{"piece":"rook","to":[4,9]}`))
	require.Error(t, err)
	assert.Equal(t, "off the board", err.Error())
}

func TestValidator_NilResultRejects(t *testing.T) {
	v := loadValidator(t, `function validate_move() end`, 0)
	err := v.ValidateMove(context.Background(), "R1", protocol.ColorWhite, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, "illegal move", err.Error())
}

func TestValidator_RuntimeErrorRejects(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	// move.to is missing, so indexing it raises a Lua error
	err := v.ValidateMove(context.Background(), "R1", protocol.ColorWhite, json.RawMessage(`{"piece":"pawn"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "move script failed")
}

func TestValidator_BudgetResetsPerCall(t *testing.T) {
	v := loadValidator(t, `
function validate_move(room, color, move)
	if move.spin then
		while true do end
	end
	return true
end
`, 1000)
	ctx := context.Background()

	require.Error(t, v.ValidateMove(ctx, "R1", protocol.ColorWhite, json.RawMessage(`{"spin":true}`)))
	for i := 0; i < 5; i++ {
		assert.NoError(t, v.ValidateMove(ctx, "R1", protocol.ColorWhite, json.RawMessage(`{"spin":false}`)))
	}
}

func TestValidator_InvalidMoveJSON(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	err := v.ValidateMove(context.Background(), "R1", protocol.ColorWhite, json.RawMessage(`{nope`))
	assert.Error(t, err)
}

func TestLoadValidator_MissingHook(t *testing.T) {
	_, err := scripting.LoadValidator(writeScript(t, `x = 1`), 0, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, scripting.ErrNoHook)
}

func TestLoadValidator_SyntaxError(t *testing.T) {
	_, err := scripting.LoadValidator(writeScript(t, `function validate_move(`), 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLoadValidator_MissingFile(t *testing.T) {
	_, err := scripting.LoadValidator(filepath.Join(t.TempDir(), "absent.lua"), 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestValidator_SandboxedAtLoad(t *testing.T) {
	_, err := scripting.LoadValidator(writeScript(t, `
os.exit(1)
function validate_move() return true end
`), 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestValidator_ClosedRejects(t *testing.T) {
	v, err := scripting.LoadValidator(writeScript(t, turnScript), 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	v.Close()
	v.Close()
	assert.Error(t, v.ValidateMove(context.Background(), "R1", protocol.ColorWhite, json.RawMessage(`{}`)))
}

func TestValidator_ConcurrentCalls(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := v.ValidateMove(context.Background(), "R1", protocol.ColorBlack,
				json.RawMessage(`{"piece":"knight","to":[2,5]}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestProperty_ValidatorMatchesBoardBounds(t *testing.T) {
	v := loadValidator(t, turnScript, 0)
	rapid.Check(t, func(rt *rapid.T) {
		file := rapid.IntRange(-3, 10).Draw(rt, "file")
		rank := rapid.IntRange(-3, 10).Draw(rt, "rank")
		move, err := json.Marshal(map[string]any{"piece": "queen", "to": []int{file, rank}})
		if err != nil {
			rt.Fatal(err)
		}
		err = v.ValidateMove(context.Background(), "R1", protocol.ColorWhite, move)
		legal := file >= 0 && rank <= 7
		if legal != (err == nil) {
			rt.Fatalf("to=[%d,%d] legal=%v err=%v", file, rank, legal, err)
		}
	})
}

func TestShippedMoveScript(t *testing.T) {
	v, err := scripting.LoadValidator(filepath.Join("..", "..", "scripts", "moves.lua"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	ctx := context.Background()

	assert.NoError(t, v.ValidateMove(ctx, "R1", protocol.ColorWhite, json.RawMessage(`{"room":"R1","from":"e2","to":"e4"}`)))
	assert.NoError(t, v.ValidateMove(ctx, "R1", protocol.ColorBlack, json.RawMessage(`{"room":"R1","fen":"opaque"}`)))

	err = v.ValidateMove(ctx, "R1", protocol.ColorWhite, json.RawMessage(`{"room":"R1","from":"e2","to":"e9"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "square off the board")

	err = v.ValidateMove(ctx, "R1", protocol.ColorNone, json.RawMessage(`{"room":"R1","from":"e2","to":"e4"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spectators cannot move")
}
