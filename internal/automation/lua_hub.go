//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hub-go-home/internal/device"
)

const maxHandlersPerScript = 100

// registerHubModule installs the `hub` global.
func registerHubModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"devices":    func(L *lua.LState) int { return hubDevices(L, e) },
		"get":        func(L *lua.LState) int { return hubGet(L, e) },
		"set":        func(L *lua.LState) int { return hubSet(L, e) },
		"on":         func(L *lua.LState) int { return hubOn(L, vm, e) },
		"after":      func(L *lua.LState) int { return hubAfter(L, vm, e) },
		"keyval_get": func(L *lua.LState) int { return hubKeyvalGet(L, e) },
		"keyval_set": func(L *lua.LState) int { return hubKeyvalSet(L, e) },
		"log":        func(L *lua.LState) int { return hubLog(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("hub", mod)
}

// hub.devices() returns {id, name, source, kinds} for every device.
func hubDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.reg.Sorted() {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(d.UniqueID()))
		t.RawSetString("name", lua.LString(e.reg.DisplayName(d)))
		t.RawSetString("source", lua.LString(d.Source()))
		kinds := L.NewTable()
		for j, c := range d.Clusters() {
			kinds.RawSetInt(j+1, lua.LString(c.Kind().String()))
		}
		t.RawSetString("kinds", kinds)
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// lookup resolves the (device, kind, property) arguments at 1..3.
func lookup(L *lua.LState, e *Engine) (device.AnyProperty, string) {
	target := L.CheckString(1)
	kindName := L.CheckString(2)
	prop := L.CheckString(3)

	d := resolveDevice(e, target)
	if d == nil {
		return nil, "device not found: " + target
	}
	kind, err := device.ParseKind(kindName)
	if err != nil {
		return nil, err.Error()
	}
	p, ok := device.PropertyOf(d, kind, prop)
	if !ok {
		return nil, "no property " + kindName + "." + prop + " on " + target
	}
	return p, ""
}

// hub.get(device, kind, property) returns the current value or nil.
func hubGet(L *lua.LState, e *Engine) int {
	p, _ := lookup(L, e)
	if p == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := p.Value()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// hub.set(device, kind, property, value) returns true, or false and a message.
func hubSet(L *lua.LState, e *Engine) int {
	p, msg := lookup(L, e)
	value := luaToGo(L.CheckAny(4))
	if p == nil {
		e.logger.Warn("hub.set failed", "err", msg)
		L.Push(lua.LFalse)
		L.Push(lua.LString(msg))
		return 2
	}
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, callTimeout)
	defer cancel()
	if err := p.SetValue(ctx, value); err != nil {
		e.logger.Warn("hub.set failed", "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// hub.on(device, kind, property, fn) calls fn(value, event) on every change.
func hubOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	kind, err := device.ParseKind(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	prop := L.CheckString(3)
	fn := L.CheckFunction(4)

	id := target
	if d := resolveDevice(e, target); d != nil {
		id = d.UniqueID()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, propertyHandler{id: id, kind: kind, prop: prop, fn: fn})
	return 0
}

// hub.after(seconds, fn) runs fn later on the script's command loop.
func hubAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full", "script", vm.id)
		}
	}()
	return 0
}

func hubKeyvalGet(L *lua.LState, e *Engine) int {
	key := L.CheckString(1)
	if e.keyval == nil {
		L.RaiseError("keyval not available")
		return 0
	}
	L.Push(lua.LString(e.keyval.Get(key)))
	return 1
}

// hub.keyval_set(key, value) accepts "0"/"1" or a boolean and returns whether
// the value changed.
func hubKeyvalSet(L *lua.LState, e *Engine) int {
	key := L.CheckString(1)
	if e.keyval == nil {
		L.RaiseError("keyval not available")
		return 0
	}
	var value string
	switch v := L.CheckAny(2).(type) {
	case lua.LBool:
		value = "0"
		if v {
			value = "1"
		}
	default:
		value = v.String()
	}
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	changed, err := e.keyval.Set(parent, key, value)
	if err != nil {
		L.RaiseError("keyval_set %s: %s", key, err.Error())
		return 0
	}
	L.Push(lua.LBool(changed))
	return 1
}

// hub.log(...) joins its arguments with spaces.
func hubLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := joinArgs(L)
	vm.addLog(msg)
	e.logger.Info("script log", "script", vm.id, "msg", msg)
	return 0
}

// resolveDevice finds a device by id, then by display name ignoring case.
func resolveDevice(e *Engine, target string) device.Device {
	if d, ok := e.reg.Device(target); ok {
		return d
	}
	for _, d := range e.reg.Sorted() {
		if strings.EqualFold(e.reg.DisplayName(d), target) {
			return d
		}
	}
	return nil
}
