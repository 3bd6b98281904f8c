//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// maxSleep bounds system.sleep so a script cannot park its loop for long.
const maxSleep = time.Minute

// registerSystemModule installs the `system` global.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("time", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(e.now().UnixMilli()) / 1000))
		return 1
	}))
	mod.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		return systemSleep(L, vm)
	}))
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	L.SetGlobal("system", mod)
}

// system.sleep(ms) blocks the script, returning early when it is stopped.
func systemSleep(L *lua.LState, vm *scriptVM) int {
	ms := L.CheckNumber(1)
	d := min(time.Duration(float64(ms)*float64(time.Millisecond)), maxSleep)
	if d <= 0 {
		return 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-vm.ctx.Done():
		L.RaiseError("script stopped")
	}
	return 0
}

// system.datetime(component) returns one component of the local time.
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)
	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format(time.TimeOnly)))
	case "date_str":
		L.Push(lua.LString(now.Format(time.DateOnly)))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) handles ranges across midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()
	if from <= to {
		L.Push(lua.LBool(hour >= from && hour < to))
	} else {
		L.Push(lua.LBool(hour >= from || hour < to))
	}
	return 1
}
