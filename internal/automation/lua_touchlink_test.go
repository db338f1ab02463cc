//go:build !no_automation

package automation

import (
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/touchlink"
)

func TestTouchlinkStartAndReset(t *testing.T) {
	tests := []struct {
		name string
		code string
		call string
	}{
		{"start", `_ok, _err = touchlink.start()`, "start"},
		{"start with reset", `_ok, _err = touchlink.start(true)`, "start+reset"},
		{"reset node", `_ok, _err = touchlink.reset_node()`, "reset_node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCommissioner{}
			L, _ := newTestVM(t, NewEngine(fc, nil, testLogger()))
			if err := L.DoString(tt.code); err != nil {
				t.Fatal(err)
			}
			if L.GetGlobal("_ok") != lua.LTrue || L.GetGlobal("_err") != lua.LNil {
				t.Errorf("result = %v, %v", L.GetGlobal("_ok"), L.GetGlobal("_err"))
			}
			if len(fc.calls) != 1 || fc.calls[0] != tt.call {
				t.Errorf("calls = %v, want [%s]", fc.calls, tt.call)
			}
		})
	}
}

func TestTouchlinkStartBusy(t *testing.T) {
	fc := &fakeCommissioner{err: touchlink.ErrBusy}
	L, _ := newTestVM(t, NewEngine(fc, nil, testLogger()))

	if err := L.DoString(`_ok, _err = touchlink.start()`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_ok") != lua.LFalse {
		t.Error("busy start should return false")
	}
	msg := L.GetGlobal("_err").String()
	if !strings.Contains(msg, "session in progress") {
		t.Errorf("error message = %q", msg)
	}
}

func TestTouchlinkStateAndNode(t *testing.T) {
	fc := &fakeCommissioner{status: coordinator.Status{
		State: touchlink.ScanWaitInfo,
		IEEE:  "00124B00000000A1",
		Role: touchlink.NodeRole{
			Channel:   20,
			PanID:     0x1A62,
			ExtPanID:  0x00124B0001020304,
			ShortAddr: 0x0001,
			UpdateID:  3,
			Groups:    touchlink.Range{Low: 0x0010, High: 0x0017},
		},
	}}
	L, _ := newTestVM(t, NewEngine(fc, nil, testLogger()))

	if err := L.DoString(`_state = touchlink.state(); _node = touchlink.node()`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_state").String(); got != "scan_wait_info" {
		t.Errorf("state = %q", got)
	}
	node, ok := L.GetGlobal("_node").(*lua.LTable)
	if !ok {
		t.Fatal("node() did not return a table")
	}
	checks := map[string]lua.LValue{
		"ieee":        lua.LString("00124B00000000A1"),
		"factory_new": lua.LFalse,
		"channel":     lua.LNumber(20),
		"pan_id":      lua.LNumber(0x1A62),
		"ext_pan_id":  lua.LString("00124B0001020304"),
		"short_addr":  lua.LNumber(1),
		"update_id":   lua.LNumber(3),
	}
	for k, want := range checks {
		if got := node.RawGetString(k); got != want {
			t.Errorf("node.%s = %v, want %v", k, got, want)
		}
	}
	groups, ok := node.RawGetString("groups").(*lua.LTable)
	if !ok || groups.RawGetString("low") != lua.LNumber(0x10) || groups.RawGetString("high") != lua.LNumber(0x17) {
		t.Errorf("groups = %v", node.RawGetString("groups"))
	}
}

func TestTouchlinkOnLimit(t *testing.T) {
	L, _ := newTestVM(t, NewEngine(&fakeCommissioner{}, nil, testLogger()))
	err := L.DoString(`for i = 1, 101 do touchlink.on("*", function() end) end`)
	if err == nil || !strings.Contains(err.Error(), "too many handlers") {
		t.Errorf("err = %v", err)
	}
}

func TestTouchlinkAfter(t *testing.T) {
	_, fc := newTestEngine(t, &Script{
		Meta:    ScriptMeta{Name: "delayed", Enabled: true},
		LuaCode: `touchlink.after(0.01, function() touchlink.start() end)`,
	})

	start := time.Now()
	calls := fc.waitCalls(t, 1)
	if calls[0] != "start" {
		t.Errorf("calls = %v", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("after callback took too long")
	}
}

func TestTouchlinkAfterCancelledOnStop(t *testing.T) {
	e, fc := newTestEngine(t, &Script{
		Meta:    ScriptMeta{Name: "cancelled", Enabled: true},
		LuaCode: `touchlink.after(0.05, function() touchlink.start() end)`,
	})
	e.StopScript("cancelled")

	time.Sleep(150 * time.Millisecond)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.calls) != 0 {
		t.Errorf("callback ran after stop: %v", fc.calls)
	}
}
