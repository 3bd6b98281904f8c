//go:build !no_automation

package automation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/kvstore"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/sources/virtual"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"color", device.Color{Hue: 30, Saturation: 0.5, Value: 1}, lua.LTTable},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestGoToLuaColor(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := goToLua(L, device.Color{Hue: 30, Saturation: 0.5, Value: 1}).(*lua.LTable)
	if h := tbl.RawGetString("hue"); h != lua.LNumber(30) {
		t.Errorf("hue = %v, want 30", h)
	}
	if s := tbl.RawGetString("saturation"); s != lua.LNumber(0.5) {
		t.Errorf("saturation = %v, want 0.5", s)
	}
}

func TestLuaToGo(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`
		_list = {1, "two", true}
		_obj = {hue = 120, saturation = 1, value = 0.5}
	`); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{1.0, "two", true}, luaToGo(L.GetGlobal("_list"))); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}
	wantObj := map[string]any{"hue": 120.0, "saturation": 1.0, "value": 0.5}
	if diff := cmp.Diff(wantObj, luaToGo(L.GetGlobal("_obj"))); diff != "" {
		t.Errorf("object (-want +got):\n%s", diff)
	}
	if got := luaToGo(lua.LNil); got != nil {
		t.Errorf("nil = %v", got)
	}
}

type fixture struct {
	reg    *registry.Registry
	bus    *events.Bus
	mgr    *Manager
	keyval *keyval.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(logger)
	reg, err := registry.New(logger, registry.WithEvents(bus))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)
	t.Cleanup(reg.WatchProperties(bus))

	cfgs := []virtual.Config{
		{ID: "door", Name: "Front door", Capabilities: []string{"BooleanState"}, Values: map[string]any{"BooleanState.state": false}},
		{ID: "lamp", Name: "Hall lamp", Capabilities: []string{"OnOff", "LevelControl"}, Values: map[string]any{"OnOff.isOn": false}},
	}
	descs := make([]device.Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		d, err := virtual.NewDevice(c)
		if err != nil {
			t.Fatal(err)
		}
		descs = append(descs, device.Static(d))
	}
	if err := reg.SetDevices(context.Background(), device.SourceVirtual, descs); err != nil {
		t.Fatal(err)
	}

	kv, err := kvstore.Open(t.TempDir(), "keyval", kvstore.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	kval := keyval.New(kv, logger)

	mgr, err := NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(reg, bus, mgr, logger, WithKeyval(kval))
	t.Cleanup(engine.Stop)
	return &fixture{reg: reg, bus: bus, mgr: mgr, keyval: kval, engine: engine}
}

func (f *fixture) lampOn(t *testing.T) bool {
	t.Helper()
	d, ok := f.reg.Device("virtual:lamp")
	if !ok {
		t.Fatal("lamp missing")
	}
	onoff, _ := device.OnOff(d)
	on, _ := onoff.IsOn().Current()
	return on
}

func (f *fixture) reportDoor(t *testing.T, open bool) {
	t.Helper()
	d, ok := f.reg.Device("virtual:door")
	if !ok {
		t.Fatal("door missing")
	}
	bs, _ := device.BooleanState(d)
	bs.State().Report(open)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunCodeCapturesLogs(t *testing.T) {
	f := newFixture(t)

	res := f.engine.RunCode(`
		hub.log("devices:", #hub.devices())
		hub.log(hub.get("Front door", "BooleanState", "state"))
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if diff := cmp.Diff([]string{"devices: 2", "false"}, res.Logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
}

func TestRunCodeSetsDevice(t *testing.T) {
	f := newFixture(t)

	res := f.engine.RunCode(`
		local ok, err = hub.set("virtual:lamp", "OnOff", "isOn", true)
		hub.log(tostring(ok))
		local ok2, err2 = hub.set("nowhere", "OnOff", "isOn", true)
		hub.log(tostring(ok2), err2)
		local ok3, err3 = hub.set("virtual:door", "BooleanState", "state", true)
		hub.log(tostring(ok3))
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if !f.lampOn(t) {
		t.Error("lamp should be on")
	}
	want := []string{"true", "false device not found: nowhere", "false"}
	if diff := cmp.Diff(want, res.Logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
}

func TestRunCodeCallsHandlersWithCurrentValue(t *testing.T) {
	f := newFixture(t)

	res := f.engine.RunCode(`
		hub.on("Front door", "BooleanState", "state", function(open, ev)
			hub.log(ev.id, ev.kind, ev.property, tostring(open))
		end)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if diff := cmp.Diff([]string{"virtual:door BooleanState state false"}, res.Logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
}

func TestRunCodeErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `hub.log(`},
		{"runtime", `error("boom")`},
		{"sandboxed os", `os.execute("true")`},
		{"sandboxed require", `require("socket")`},
		{"unknown kind", `hub.on("lamp", "Toaster", "isOn", function() end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.engine.RunCode(tt.code)
			if res.OK || res.Error == "" {
				t.Errorf("RunCode(%q) = %+v, want error", tt.code, res)
			}
		})
	}
}

func TestKeyvalFunctions(t *testing.T) {
	f := newFixture(t)

	res := f.engine.RunCode(`
		hub.log(hub.keyval_get("porch"))
		hub.log(tostring(hub.keyval_set("porch", true)))
		hub.log(tostring(hub.keyval_set("porch", "1")))
		hub.log(hub.keyval_get("porch"))
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if diff := cmp.Diff([]string{"0", "true", "false", "1"}, res.Logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
	if got := f.keyval.Get("porch"); got != keyval.On {
		t.Errorf("porch = %q, want %q", got, keyval.On)
	}

	res = f.engine.RunCode(`hub.keyval_set("porch", "maybe")`)
	if res.OK {
		t.Error("invalid keyval value should fail the run")
	}
}

func TestStartedScriptReactsToChanges(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Save(&Script{
		ID:   "door_light",
		Meta: ScriptMeta{Name: "Door light", Enabled: true},
		Code: `
			hub.on("virtual:door", "BooleanState", "state", function(open)
				hub.set("virtual:lamp", "OnOff", "isOn", open)
			end)
		`,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.mgr.Save(&Script{ID: "disabled", Meta: ScriptMeta{Name: "Off"}, Code: `hub.log("x")`})
	if err != nil {
		t.Fatal(err)
	}

	f.engine.Start()
	if diff := cmp.Diff([]string{"door_light"}, f.engine.Running()); diff != "" {
		t.Errorf("running (-want +got):\n%s", diff)
	}

	f.reportDoor(t, true)
	waitFor(t, "lamp on", func() bool { return f.lampOn(t) })

	f.reportDoor(t, false)
	waitFor(t, "lamp off", func() bool { return !f.lampOn(t) })

	// A stopped script no longer reacts.
	f.engine.StopScript("door_light")
	f.reportDoor(t, true)
	time.Sleep(50 * time.Millisecond)
	if f.lampOn(t) {
		t.Error("stopped script still switched the lamp")
	}
}

func TestReloadScript(t *testing.T) {
	f := newFixture(t)
	f.engine.Start()

	s, err := f.mgr.Save(&Script{
		ID:   "follow",
		Meta: ScriptMeta{Name: "Follow", Enabled: true},
		Code: `hub.on("virtual:door", "BooleanState", "state", function(open) hub.set("virtual:lamp", "OnOff", "isOn", open) end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	f.reportDoor(t, true)
	waitFor(t, "lamp on", func() bool { return f.lampOn(t) })

	s.Meta.Enabled = false
	if _, err := f.mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.engine.Running()) != 0 {
		t.Errorf("running = %v, want none", f.engine.Running())
	}

	if err := f.engine.ReloadScript("missing"); err == nil {
		t.Error("reloading a missing script should fail")
	}
}

func TestStartScriptWithError(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Save(&Script{ID: "broken", Meta: ScriptMeta{Name: "Broken", Enabled: true}, Code: `error("nope")`})
	if err != nil {
		t.Fatal(err)
	}
	err = f.engine.ReloadScript("broken")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("err = %v, want script error", err)
	}
	if len(f.engine.Running()) != 0 {
		t.Error("broken script should not be running")
	}
}

func TestAfterRunsOnScriptLoop(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Save(&Script{
		ID:   "delayed",
		Meta: ScriptMeta{Name: "Delayed", Enabled: true},
		Code: `hub.after(0.01, function() hub.set("virtual:lamp", "OnOff", "isOn", true) end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Start()
	waitFor(t, "delayed lamp on", func() bool { return f.lampOn(t) })
}

func TestRunScript(t *testing.T) {
	f := newFixture(t)

	if res := f.engine.RunScript("missing"); res.OK {
		t.Error("running a missing script should fail")
	}
	_, err := f.mgr.Save(&Script{ID: "hello", Meta: ScriptMeta{Name: "Hello"}, Code: `hub.log("hi")`})
	if err != nil {
		t.Fatal(err)
	}
	res := f.engine.RunScript("hello")
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if diff := cmp.Diff([]string{"hi"}, res.Logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
}
