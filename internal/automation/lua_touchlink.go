//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zll-bridge/internal/coordinator"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 5 * time.Second
)

// registerTouchlinkModule registers the `touchlink` global table.
func registerTouchlinkModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":         func(L *lua.LState) int { return touchlinkOn(L, vm) },
		"start":      func(L *lua.LState) int { return touchlinkStart(L, e) },
		"reset_node": func(L *lua.LState) int { return touchlinkResetNode(L, e) },
		"state":      func(L *lua.LState) int { return touchlinkState(L, e) },
		"node":       func(L *lua.LState) int { return touchlinkNode(L, e) },
		"after":      func(L *lua.LState) int { return touchlinkAfter(L, vm, e) },
		"log":        func(L *lua.LState) int { return touchlinkLog(L, vm, e) },
	})
	L.SetGlobal("touchlink", mod)
}

// touchlink.on(event, fn)
func touchlinkOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{event: L.CheckString(1), fn: L.CheckFunction(2)}
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// pushResult returns true, or false and the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// touchlink.start([reset_target]) -> ok, err
func touchlinkStart(L *lua.LState, e *Engine) int {
	reset := L.OptBool(1, false)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := e.coord.StartTouchlink(ctx, reset)
	if err != nil {
		e.logger.Warn("script touchlink start", "reset_target", reset, "err", err)
	}
	return pushResult(L, err)
}

// touchlink.reset_node() -> ok, err
func touchlinkResetNode(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := e.coord.ResetNode(ctx)
	if err != nil {
		e.logger.Warn("script reset node", "err", err)
	}
	return pushResult(L, err)
}

// touchlink.state() -> "idle", "scanning", ...
func touchlinkState(L *lua.LState, e *Engine) int {
	L.Push(lua.LString(e.coord.Status().State.String()))
	return 1
}

// touchlink.node() -> table describing the local node's network
func touchlinkNode(L *lua.LState, e *Engine) int {
	st := e.coord.Status()
	role := st.Role
	t := L.NewTable()
	t.RawSetString("ieee", lua.LString(st.IEEE))
	t.RawSetString("factory_new", lua.LBool(role.FactoryNew))
	t.RawSetString("channel", lua.LNumber(role.Channel))
	t.RawSetString("pan_id", lua.LNumber(role.PanID))
	t.RawSetString("ext_pan_id", lua.LString(coordinator.FormatIEEE(role.ExtPanID)))
	t.RawSetString("short_addr", lua.LNumber(role.ShortAddr))
	t.RawSetString("update_id", lua.LNumber(role.UpdateID))
	groups := L.NewTable()
	groups.RawSetString("low", lua.LNumber(role.Groups.Low))
	groups.RawSetString("high", lua.LNumber(role.Groups.High))
	t.RawSetString("groups", groups)
	L.Push(t)
	return 1
}

// touchlink.after(seconds, fn) runs fn on the script's VM later.
func touchlinkAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	if seconds < 0 {
		L.ArgError(1, "seconds must not be negative")
		return 0
	}

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		call := func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}
		select {
		case vm.commands <- call:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// touchlink.log(msg, ...)
func touchlinkLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	for i := 2; i <= L.GetTop(); i++ {
		msg += fmt.Sprintf(" %s", L.Get(i).String())
	}
	if vm.logf != nil {
		vm.logf(msg)
		return 0
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
