package wakelight

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/kvstore"
)

// fakeClock fires due timers from Advance, in deadline order, without
// holding its lock while a callback runs.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].at.Equal(due[j].at) {
				return due[i].at.Before(due[j].at)
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type deviceMap map[string]device.Device

func (m deviceMap) Device(id string) (device.Device, bool) {
	d, ok := m[id]
	return d, ok
}

type lamp struct {
	dev   *device.Base
	onoff *device.OnOffState
	level *device.LevelState
	color *device.ColorState

	mu       sync.Mutex
	onWrites []bool
	levels   []float64
	colors   []device.Color
	// onLevel runs inside the level write, before it returns.
	onLevel func(float64)
}

func newLamp(t *testing.T, id string, withLevel bool) *lamp {
	t.Helper()
	l := &lamp{}
	l.onoff = device.NewOnOff(func(_ context.Context, v bool) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.onWrites = append(l.onWrites, v)
		return nil
	})
	l.color = device.NewColorControl(func(_ context.Context, v device.Color) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.colors = append(l.colors, v)
		return nil
	})
	clusters := []device.Cluster{l.onoff, l.color}
	if withLevel {
		l.level = device.NewLevelControl(func(_ context.Context, v float64) error {
			l.mu.Lock()
			hook := l.onLevel
			l.levels = append(l.levels, v)
			l.mu.Unlock()
			if hook != nil {
				hook(v)
			}
			return nil
		})
		clusters = append(clusters, l.level)
	}
	dev, err := device.New(id, "Lamp "+id, device.SourceVirtual, clusters)
	require.NoError(t, err)
	l.dev = dev
	return l
}

func (l *lamp) levelWrites() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.levels...)
}

func (l *lamp) colorWrites() []device.Color {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]device.Color(nil), l.colors...)
}

var t0 = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type fixture struct {
	effect *Effect
	clock  *fakeClock
	store  *kvstore.Store
	states []State
	mu     sync.Mutex
}

func newFixture(t *testing.T, devs deviceMap, cfg *Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := kvstore.Open(t.TempDir(), ModuleName, kvstore.WithLogger(logger))
	require.NoError(t, err)

	f := &fixture{clock: newFakeClock(t0), store: store}
	bus := events.NewBus(logger)
	bus.On(events.WakelightState, func(ev events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states = append(f.states, ev.Data.(Status).State)
	})
	e, err := New(devs, store, logger, WithClock(f.clock), WithEvents(bus))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	if cfg != nil {
		require.NoError(t, e.SaveConfig(*cfg))
	}
	f.effect = e
	return f
}

func (f *fixture) seen() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func TestRampReachesFullAtAlarmTime(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	st := f.effect.Status()
	assert.Equal(t, Scheduled, st.State)
	assert.False(t, st.Active)
	require.NotNil(t, st.Alarm)
	assert.Equal(t, t0.Add(10*time.Minute).UnixMilli(), st.Alarm.AlarmTimestamp)
	assert.Equal(t, t0.Add(3*time.Minute).UnixMilli(), st.Alarm.StartTimestamp)
	assert.Equal(t, 1, st.Alarm.DeviceCount)

	f.clock.Advance(3*time.Minute - time.Second)
	assert.Empty(t, l.levelWrites(), "nothing written before the start time")

	f.clock.Advance(time.Second)
	assert.True(t, f.effect.IsActive())
	assert.Equal(t, []float64{0}, l.levelWrites())
	on, _ := l.onoff.IsOn().Current()
	assert.True(t, on, "lamp switched on at start")

	f.clock.Advance(210 * time.Second)
	levels := l.levelWrites()
	assert.InDelta(t, 0.5, levels[len(levels)-1], 1e-9)

	f.clock.Advance(210 * time.Second)
	levels = l.levelWrites()
	assert.Equal(t, 1.0, levels[len(levels)-1])
	assert.Len(t, levels, 85, "one write at start plus one per five seconds")
	for i := 1; i < len(levels); i++ {
		assert.GreaterOrEqual(t, levels[i], levels[i-1])
	}

	st = f.effect.Status()
	assert.Equal(t, Completed, st.State)
	assert.Nil(t, st.Alarm)

	f.clock.Advance(time.Hour)
	assert.Len(t, l.levelWrites(), 85, "no writes after completion")
	assert.Equal(t, []State{Scheduled, Running, Completed}, f.seen())
}

func TestSelfCausedOffDoesNotCancel(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	// Some lamps report themselves off when dimmed to zero.
	l.onLevel = func(v float64) {
		if v == 0 {
			l.onoff.IsOn().Report(false)
		}
	}
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, Running, f.effect.State())

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, Running, f.effect.State())
	on, _ := l.onoff.IsOn().Current()
	assert.True(t, on, "next tick switches the lamp back on")
}

func TestExternalSwitchOffCancels(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(4 * time.Minute)
	require.Equal(t, Running, f.effect.State())
	before := len(l.levelWrites())

	require.NoError(t, l.onoff.IsOn().Set(context.Background(), false))

	assert.Equal(t, Cancelled, f.effect.State())
	assert.Nil(t, f.effect.Status().Alarm)
	f.clock.Advance(10 * time.Minute)
	assert.Len(t, l.levelWrites(), before)
}

func TestExternalSwitchOffDuringWriteCancels(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	var once sync.Once
	l.onLevel = func(v float64) {
		if v <= 0 {
			return
		}
		once.Do(func() {
			done := make(chan error)
			go func() { done <- l.onoff.IsOn().Set(context.Background(), false) }()
			assert.NoError(t, <-done)
		})
	}
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(3 * time.Minute)
	require.Equal(t, Running, f.effect.State())

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, Cancelled, f.effect.State())
	on, _ := l.onoff.IsOn().Current()
	assert.False(t, on, "lamp stays off")

	n := len(l.levelWrites())
	f.clock.Advance(10 * time.Minute)
	assert.Len(t, l.levelWrites(), n)
	assert.Equal(t, []State{Scheduled, Running, Cancelled}, f.seen())
}

func TestCancelIsIdempotent(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	f.effect.Cancel()
	assert.Equal(t, Idle, f.effect.State())

	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.effect.Cancel()
	f.effect.Cancel()
	assert.Equal(t, Cancelled, f.effect.State())
	assert.Equal(t, []State{Scheduled, Cancelled}, f.seen())

	f.clock.Advance(15 * time.Minute)
	assert.Empty(t, l.levelWrites())
}

func TestNoWriteAfterCancelDuringTick(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	l.onoff.IsOn().Report(true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	l.onLevel = func(float64) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})
	require.NoError(t, f.effect.ScheduleAlarm(10))

	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		f.clock.Advance(3 * time.Minute)
	}()
	<-entered

	cancelled := make(chan struct{})
	go func() {
		defer close(cancelled)
		f.effect.Cancel()
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a write was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-cancelled
	<-advanced

	assert.Equal(t, Cancelled, f.effect.State())
	n := len(l.levelWrites())
	f.clock.Advance(10 * time.Minute)
	assert.Len(t, l.levelWrites(), n)
}

func TestInsufficientLeadTime(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	assert.ErrorIs(t, f.effect.ScheduleAlarm(5), ErrInsufficientLeadTime)
	assert.ErrorIs(t, f.effect.ScheduleAlarm(7), ErrInsufficientLeadTime)
	st := f.effect.Status()
	assert.Equal(t, Idle, st.State)
	assert.Nil(t, st.Alarm)
}

func TestScheduleWithoutDevices(t *testing.T) {
	f := newFixture(t, deviceMap{}, nil)
	assert.Equal(t, DefaultConfig(), f.effect.Config())
	assert.ErrorIs(t, f.effect.ScheduleAlarm(30), ErrNoDevices)
}

func TestRescheduleReplacesPrevious(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	require.NoError(t, f.effect.ScheduleAlarm(20))
	f.clock.Advance(5 * time.Minute)
	assert.Empty(t, l.levelWrites(), "first alarm must not fire")
	assert.Equal(t, t0.Add(20*time.Minute).UnixMilli(), f.effect.Status().Alarm.AlarmTimestamp)
}

func TestSkipsDevicesWithoutColorControl(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	plugOnOff := device.NewOnOff(func(context.Context, bool) error {
		t.Error("plug must not be written")
		return nil
	})
	plug, err := device.New("plug", "Plug", device.SourceVirtual, []device.Cluster{plugOnOff})
	require.NoError(t, err)

	f := newFixture(t, deviceMap{"bedroom": l.dev, "plug": plug},
		&Config{DeviceIDs: []string{"plug", "missing", "bedroom"}, DurationMinutes: 7})
	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(3 * time.Minute)

	assert.Equal(t, Running, f.effect.State())
	assert.NotEmpty(t, l.levelWrites())
}

func TestNoUsableDevicesCancels(t *testing.T) {
	f := newFixture(t, deviceMap{},
		&Config{DeviceIDs: []string{"gone"}, DurationMinutes: 7})
	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, Cancelled, f.effect.State())
}

func TestColorFallbackKeepsHue(t *testing.T) {
	l := newLamp(t, "strip", false)
	l.color.Color().Report(device.Color{Hue: 30, Saturation: 0.8, Value: 1})
	f := newFixture(t, deviceMap{"strip": l.dev},
		&Config{DeviceIDs: []string{"strip"}, DurationMinutes: 7})

	require.NoError(t, f.effect.ScheduleAlarm(10))
	f.clock.Advance(3*time.Minute + 210*time.Second)

	colors := l.colorWrites()
	require.NotEmpty(t, colors)
	assert.Equal(t, 0.0, colors[0].Value)
	last := colors[len(colors)-1]
	assert.Equal(t, 30.0, last.Hue)
	assert.Equal(t, 0.8, last.Saturation)
	assert.InDelta(t, 0.5, last.Value, 1e-9)
}

func TestSaveConfig(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 10})

	err := f.effect.SaveConfig(Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 0})
	assert.Error(t, err)
	err = f.effect.SaveConfig(Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 5, Repeat: "not cron"})
	assert.Error(t, err)
	assert.Equal(t, 10.0, f.effect.Config().DurationMinutes)

	raw, ok := f.store.Get("config.durationMinutes")
	require.True(t, ok)
	assert.Equal(t, 10.0, raw)

	require.NoError(t, f.effect.ScheduleAlarm(30))
	require.NoError(t, f.effect.SaveConfig(Config{DeviceIDs: nil, DurationMinutes: 10}))
	assert.Equal(t, Idle, f.effect.State(), "emptying the device list clears the alarm")
	assert.Equal(t, []string{}, f.effect.Config().DeviceIDs)
}

func TestConfigSurvivesReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	store, err := kvstore.Open(dir, ModuleName, kvstore.WithLogger(logger))
	require.NoError(t, err)
	e, err := New(deviceMap{}, store, logger, WithClock(newFakeClock(t0)))
	require.NoError(t, err)
	want := Config{DeviceIDs: []string{"a", "b"}, DurationMinutes: 12}
	require.NoError(t, e.SaveConfig(want))
	e.Close()

	store, err = kvstore.Open(dir, ModuleName, kvstore.WithLogger(logger))
	require.NoError(t, err)
	e, err = New(deviceMap{}, store, logger, WithClock(newFakeClock(t0)))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, want, e.Config())
}

func TestRecurringAlarm(t *testing.T) {
	l := newLamp(t, "bedroom", true)
	f := newFixture(t, deviceMap{"bedroom": l.dev},
		&Config{DeviceIDs: []string{"bedroom"}, DurationMinutes: 7, Repeat: "30 7 * * *"})

	wake := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, Idle, f.effect.State())

	// Armed one minute before the ramp starts.
	f.clock.Advance(wake.Sub(t0) - 8*time.Minute)
	st := f.effect.Status()
	require.Equal(t, Scheduled, st.State)
	assert.Equal(t, wake.UnixMilli(), st.Alarm.AlarmTimestamp)

	f.clock.Advance(8 * time.Minute)
	assert.Equal(t, Completed, f.effect.State())
	levels := l.levelWrites()
	assert.Equal(t, 1.0, levels[len(levels)-1])

	// And again the next morning.
	f.clock.Advance(24*time.Hour - 8*time.Minute)
	st = f.effect.Status()
	require.Equal(t, Scheduled, st.State)
	assert.Equal(t, wake.Add(24*time.Hour).UnixMilli(), st.Alarm.AlarmTimestamp)
}

func TestStateText(t *testing.T) {
	b, err := Running.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "running", string(b))
	assert.Equal(t, "State(9)", State(9).String())
}
