package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// ValidateHook is the global Lua function a move script must define:
//
//	function validate_move(room, color, move) return ok, reason end
//
// move is the makeMove payload converted to a Lua table.
const ValidateHook = "validate_move"

// ErrNoHook is returned by LoadValidator when the script defines no
// validate_move function.
var ErrNoHook = errors.New("script does not define " + ValidateHook)

// Validator runs a move script in a sandboxed LState.
//
// A single LState is not goroutine safe; calls are serialized by mu.
type Validator struct {
	mu        sync.Mutex
	L         *lua.LState
	cancel    context.CancelFunc
	instLimit int
	path      string
	logger    *zap.Logger
}

// LoadValidator executes the script at path in a fresh sandbox and checks
// that it defines validate_move.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns a ready Validator, or an error on read, compile, or
// missing-hook failure.
func LoadValidator(path string, instLimit int, logger *zap.Logger) (*Validator, error) {
	L, cancel := NewSandboxedState(instLimit)
	v := &Validator{
		L:         L,
		cancel:    cancel,
		instLimit: instLimit,
		path:      path,
		logger:    logger,
	}
	v.registerModules(L)

	if err := L.DoFile(path); err != nil {
		v.Close()
		return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
	}
	if L.GetGlobal(ValidateHook).Type() != lua.LTFunction {
		v.Close()
		return nil, fmt.Errorf("scripting: %q: %w", path, ErrNoHook)
	}

	logger.Info("move script loaded", zap.String("script", path))
	return v, nil
}

// ValidateMove calls validate_move with the room, the mover's color, and
// the decoded move. A false or nil first result rejects the move with the
// script's reason; a Lua runtime error or exhausted budget also rejects it.
//
// Postcondition: Returns nil only when the script returned true.
func (v *Validator) ValidateMove(ctx context.Context, room string, color protocol.Color, move json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(move, &decoded); err != nil {
		return fmt.Errorf("decoding move: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.L == nil {
		return errors.New("validator closed")
	}

	v.cancel()
	v.cancel = armBudget(ctx, v.L, v.instLimit)

	err := v.L.CallByParam(lua.P{
		Fn:      v.L.GetGlobal(ValidateHook),
		NRet:    2,
		Protect: true,
	}, lua.LString(room), lua.LString(color), toLua(v.L, decoded))
	if err != nil {
		v.logger.Warn("move script error",
			zap.String("script", v.path),
			zap.String("room", room),
			zap.Error(err),
		)
		return fmt.Errorf("move script failed: %w", err)
	}

	reason := v.L.Get(-1)
	ok := v.L.Get(-2)
	v.L.Pop(2)

	if lua.LVAsBool(ok) {
		return nil
	}
	if reason.Type() == lua.LTString {
		return errors.New(reason.String())
	}
	return errors.New("illegal move")
}

// Close releases the LState. It is safe to call more than once.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.L == nil {
		return
	}
	v.cancel()
	v.L.Close()
	v.L = nil
}
