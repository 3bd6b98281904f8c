//go:build !no_automation

// Package automation runs user Lua scripts that react to device property
// changes and drive devices and keyval switches.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/registry"
)

const (
	// runTimeout bounds one-shot runs from the API.
	runTimeout = 5 * time.Second
	// callTimeout bounds a single hub.set from a script.
	callTimeout = 10 * time.Second
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// propertyHandler is a callback registered with hub.on.
type propertyHandler struct {
	id   string
	kind device.Kind
	prop string
	fn   *lua.LFunction
}

// scriptVM is one Lua state. A running script's state is only touched by its
// own command loop.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []propertyHandler
	logs     []string
	capture  bool
}

func (vm *scriptVM) addLog(msg string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.capture {
		vm.logs = append(vm.logs, msg)
	}
}

func (vm *scriptVM) snapshotHandlers() []propertyHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]propertyHandler(nil), vm.handlers...)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithKeyval gives scripts hub.keyval_get and hub.keyval_set.
func WithKeyval(k *keyval.Store) EngineOption {
	return func(e *Engine) { e.keyval = k }
}

// WithClock overrides time.Now for the system module.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine keeps one VM per enabled script and feeds it property changes.
type Engine struct {
	reg     *registry.Registry
	bus     *events.Bus
	keyval  *keyval.Store
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

func NewEngine(reg *registry.Registry, bus *events.Bus, mgr *Manager, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:     reg,
		bus:     bus,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to property changes and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.bus.On(events.PropertyChanged, e.dispatch)

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

// Stop cancels every VM.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of the running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk, or just stops it when disabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript runs a stored script once; see RunCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunCode(s.Code)
}

// RunCode executes code in a throwaway VM, then calls every handler it
// registered once with the property's current value, capturing hub.log
// output.
func (e *Engine) RunCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM("_inline", ctx, cancel)
	vm.capture = true
	L := vm.state
	defer L.Close()

	result := func(err error) *RunResult {
		vm.mu.Lock()
		logs := append([]string{}, vm.logs...)
		vm.mu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.Error = fmt.Sprintf("timeout (%v)", runTimeout)
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.snapshotHandlers() {
		var v any
		if d, ok := e.reg.Device(h.id); ok {
			if p, ok := device.PropertyOf(d, h.kind, h.prop); ok {
				v, _ = p.Value()
			}
		}
		change := registry.PropertyChange{ID: h.id, Kind: h.kind, Property: h.prop, Value: v}
		if err := e.call(L, h.fn, change); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) newVM(id string, ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	// Sandbox: no filesystem, process or module loading.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerHubModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(s.ID, ctx, cancel)
	L := vm.state

	if err := L.DoString(s.Code); err != nil {
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

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatch routes a property change to the matching handlers of every VM.
func (e *Engine) dispatch(ev events.Event) {
	change, ok := ev.Data.(registry.PropertyChange)
	if !ok {
		return
	}
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if h.id != change.ID || h.kind != change.Kind || h.prop != change.Property {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				if err := e.call(L, fn, change); err != nil {
					e.logger.Error("lua handler error", "script", vm.id, "err", err)
				}
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "script", vm.id)
			}
		}
	}
}

func (e *Engine) call(L *lua.LState, fn *lua.LFunction, change registry.PropertyChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua handler panic: %v", r)
		}
	}()
	event := L.NewTable()
	event.RawSetString("id", lua.LString(change.ID))
	event.RawSetString("kind", lua.LString(change.Kind.String()))
	event.RawSetString("property", lua.LString(change.Property))
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, change.Value), event)
}

// goToLua converts a property value to Lua.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case device.Color:
		t := L.NewTable()
		t.RawSetString("hue", lua.LNumber(val.Hue))
		t.RawSetString("saturation", lua.LNumber(val.Saturation))
		t.RawSetString("value", lua.LNumber(val.Value))
		return t
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a script argument to the JSON-like shape SetValue accepts.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return nil
	}
}

func joinArgs(L *lua.LState) string {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}
