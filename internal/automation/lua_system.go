//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

// registerSystemModule registers the `system` global table: clock helpers
// and leveled logging.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
	})
	L.SetGlobal("system", mod)
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(now()))
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// is in [from, to). A range with from > to wraps past midnight.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm.logf != nil {
		vm.logf("[" + level + "] " + msg)
		return 0
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
