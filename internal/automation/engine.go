//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zll-bridge/internal/coordinator"
)

// Commissioner is the coordinator surface exposed to scripts.
type Commissioner interface {
	StartTouchlink(ctx context.Context, resetTarget bool) error
	ResetNode(ctx context.Context) error
	Status() coordinator.Status
	Events() *coordinator.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// anyEvent matches every event in touchlink.on.
const anyEvent = "*"

// runTimeout bounds RunLuaCode.
const runTimeout = 5 * time.Second

// luaEventHandler is a Lua callback registered with touchlink.on. The event
// name is a coordinator event type, a touchlink outcome kind or "*".
type luaEventHandler struct {
	event string
	fn    *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives touchlink.log output. nil logs through the engine.
	logf func(string)
}

// run executes queued commands on the VM's state until the script is
// stopped, then closes the state.
func (vm *scriptVM) run() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case fn := <-vm.commands:
			fn(vm.state)
		}
	}
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return slices.Clone(vm.handlers)
}

// Engine manages Lua VMs and dispatches coordinator events to scripts.
type Engine struct {
	coord   Commissioner
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(coord Commissioner, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		coord:   coord,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vm := range e.vms {
		vm.cancel()
	}
	clear(e.vms)
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM, if any, and starts the script again when it
// is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running returns the ids of the running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.vms))
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway sandboxed VM, then calls each
// handler it registered once with a synthetic event. Log output is captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel)
	vm.logf = func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.snapshot() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.event))
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newVM creates a sandboxed Lua state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerTouchlinkModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	// Top-level code registers the handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go vm.run()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It runs on the
// emitter's goroutine and never blocks.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := slices.Collect(maps.Values(e.vms))
	e.mu.Unlock()

	var fields map[string]interface{}
	for _, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		for _, h := range vm.snapshot() {
			if !matchesHandler(h, event) {
				continue
			}
			if fields == nil {
				fields = eventFields(event)
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	switch h.event {
	case anyEvent, event.Type:
		return true
	}
	if out, ok := event.Data.(coordinator.Outcome); ok {
		return out.Kind == h.event
	}
	return false
}

// eventFields flattens an event into the table passed to Lua handlers.
// Struct payloads go through their JSON form; non-object payloads land in
// "data".
func eventFields(event coordinator.Event) map[string]interface{} {
	fields := map[string]interface{}{}
	if event.Data != nil {
		var decoded interface{}
		if raw, err := json.Marshal(event.Data); err == nil && json.Unmarshal(raw, &decoded) == nil {
			if m, ok := decoded.(map[string]interface{}); ok {
				fields = m
			} else {
				fields["data"] = decoded
			}
		}
	}
	fields["type"] = event.Type
	return fields
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, toLua(L, fields)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// toLua converts a JSON-decoded value into a Lua value. Objects and arrays
// become tables, numbers are float64 after decoding.
func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	case []interface{}:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}
