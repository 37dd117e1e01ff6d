package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the relay.* table into L:
//
//	relay.log(msg)  -- info log line tagged with the script path
//	relay.warn(msg) -- warn log line
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: relay global is defined in L.
func (v *Validator) registerModules(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		v.logger.Info(L.CheckString(1), zap.String("script", v.path))
		return 0
	}))
	L.SetField(mod, "warn", L.NewFunction(func(L *lua.LState) int {
		v.logger.Warn(L.CheckString(1), zap.String("script", v.path))
		return 0
	}))
	L.SetGlobal("relay", mod)
}

// toLua converts a decoded JSON value into a Lua value. Arrays become
// 1-based sequence tables and objects become string-keyed tables.
func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.CreateTable(len(t), 0)
		for _, e := range t {
			tbl.Append(toLua(L, e))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(t))
		for k, e := range t {
			tbl.RawSetString(k, toLua(L, e))
		}
		return tbl
	default:
		return lua.LNil
	}
}
