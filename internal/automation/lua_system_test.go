//go:build !no_automation

package automation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestVM returns a sandboxed state with both modules and captured logs.
func newTestVM(t *testing.T, e *Engine) (*lua.LState, *[]string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	var logs []string
	vm.logf = func(msg string) { logs = append(logs, msg) }
	t.Cleanup(func() {
		cancel()
		vm.state.Close()
	})
	return vm.state, &logs
}

func fixClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestSystemDatetime(t *testing.T) {
	fixClock(t, time.Date(2026, time.March, 14, 21, 5, 9, 0, time.UTC))
	e := NewEngine(&fakeCommissioner{}, nil, testLogger())
	L, _ := newTestVM(t, e)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(5)},
		{"second", lua.LNumber(9)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"time_str", lua.LString("21:05:09")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component should raise an error")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
		{5, 5, 5, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemTimeBetween(t *testing.T) {
	fixClock(t, time.Date(2026, time.March, 14, 23, 0, 0, 0, time.UTC))
	e := NewEngine(&fakeCommissioner{}, nil, testLogger())
	L, _ := newTestVM(t, e)

	if err := L.DoString(`_night = system.time_between(22, 6); _day = system.time_between(8, 22)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_night") != lua.LTrue {
		t.Error("23:00 should be between 22 and 6")
	}
	if L.GetGlobal("_day") != lua.LFalse {
		t.Error("23:00 should not be between 8 and 22")
	}
}

func TestSystemLogCaptured(t *testing.T) {
	e := NewEngine(&fakeCommissioner{}, nil, testLogger())
	L, logs := newTestVM(t, e)

	if err := L.DoString(`system.log("warn", "low link quality")`); err != nil {
		t.Fatal(err)
	}
	if len(*logs) != 1 || (*logs)[0] != "[warn] low link quality" {
		t.Errorf("logs = %q", *logs)
	}
}

func TestSandboxRemovesUnsafeGlobals(t *testing.T) {
	e := NewEngine(&fakeCommissioner{}, nil, testLogger())
	L, _ := newTestVM(t, e)

	for _, name := range []string{"os", "io", "require", "load", "dofile", "debug"} {
		if L.GetGlobal(name) != lua.LNil {
			t.Errorf("global %s is still reachable", name)
		}
	}
}
