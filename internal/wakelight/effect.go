// Package wakelight ramps a set of lamps from dark to full brightness so the
// ramp ends at an alarm time. A lamp switched off by anyone else while the
// ramp runs cancels it.
package wakelight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/kvstore"
	"hub-go-home/internal/metrics"
)

var (
	ErrNoDevices            = errors.New("no devices configured for wakelight")
	ErrInsufficientLeadTime = errors.New("alarm is too soon for the configured duration")
)

// writeTimeout bounds one device write.
const writeTimeout = 10 * time.Second

// repeatLead is how long before the ramp starts a recurring alarm is armed.
const repeatLead = time.Minute

// State is the lifecycle of one scheduled ramp.
type State int

const (
	Idle State = iota
	Scheduled
	Running
	Completed
	Cancelled
)

var stateNames = [...]string{"idle", "scheduled", "running", "completed", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Alarm describes the scheduled ramp. Timestamps are unix milliseconds.
type Alarm struct {
	AlarmTimestamp  int64    `json:"alarmTimestamp"`
	StartTimestamp  int64    `json:"startTimestamp"`
	DeviceIDs       []string `json:"-"`
	DeviceCount     int      `json:"deviceCount"`
	DurationMinutes float64  `json:"durationMinutes"`
}

func (a *Alarm) start() time.Time { return time.UnixMilli(a.StartTimestamp) }
func (a *Alarm) end() time.Time   { return time.UnixMilli(a.AlarmTimestamp) }

// Status is returned by the status endpoint.
type Status struct {
	Active bool   `json:"active"`
	State  State  `json:"state"`
	Alarm  *Alarm `json:"alarm"`
}

// Devices resolves configured ids. *registry.Registry implements it.
type Devices interface {
	Device(id string) (device.Device, bool)
}

type Option func(*Effect)

func WithClock(c Clock) Option {
	return func(e *Effect) { e.clock = c }
}

func WithTickInterval(d time.Duration) Option {
	return func(e *Effect) { e.tickEvery = d }
}

func WithEvents(bus *events.Bus) Option {
	return func(e *Effect) { e.events = bus }
}

// Effect is the wakelight scheduler. One instance runs per process.
type Effect struct {
	devices   Devices
	db        *kvstore.Database[document]
	logger    *slog.Logger
	events    *events.Bus
	clock     Clock
	tickEvery time.Duration

	// gen changes on every reset; timers, ticks and writes carry the value
	// they were started with and do nothing once it moved on.
	gen atomic.Uint64
	// writeMu is held shared by each device write and exclusively by
	// external cancellation, so no write is in progress once Cancel returns.
	writeMu sync.RWMutex

	mu          sync.Mutex
	state       State
	alarm       *Alarm
	alarmTimer  Timer
	tickTimer   Timer
	repeatTimer Timer
	targets     []device.Device
	unsubs      []func()
	cancelRun   context.CancelFunc
	unsubConfig func()

	tokMu    sync.Mutex
	inflight map[string]int
}

// New loads the configuration from store and arms the recurring alarm if one
// is configured.
func New(devices Devices, store *kvstore.Store, logger *slog.Logger, opts ...Option) (*Effect, error) {
	db, err := kvstore.NewDatabase[document](store)
	if err != nil {
		return nil, err
	}
	e := &Effect{
		devices:   devices,
		db:        db,
		logger:    logger.With("component", "wakelight"),
		clock:     realClock{},
		tickEvery: DefaultTickInterval,
		inflight:  make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.Config().Validate(); err != nil {
		e.logger.Warn("stored config is invalid", "err", err)
	}
	e.unsubConfig = db.Subscribe(func(doc document, _ bool) {
		e.armRepeat(doc.config())
	})
	metrics.WakelightState.Set(float64(Idle))
	return e, nil
}

// Config returns the stored configuration or the defaults.
func (e *Effect) Config() Config {
	return e.db.Current().config()
}

// SaveConfig validates and persists cfg. An empty device list clears any
// scheduled alarm.
func (e *Effect) SaveConfig(cfg Config) error {
	if cfg.DeviceIDs == nil {
		cfg.DeviceIDs = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := e.db.Update(func(doc document) document {
		doc.Config = &cfg
		return doc
	})
	if err != nil {
		return fmt.Errorf("save wakelight config: %w", err)
	}
	if len(cfg.DeviceIDs) == 0 {
		e.ClearAlarm()
	}
	e.logger.Info("config updated", "devices", len(cfg.DeviceIDs), "duration_minutes", cfg.DurationMinutes)
	return nil
}

// ScheduleAlarm replaces any pending or running ramp with one that ends
// minutesToAlarm from now.
func (e *Effect) ScheduleAlarm(minutesToAlarm float64) error {
	at := e.clock.Now().Add(time.Duration(minutesToAlarm * float64(time.Minute)))
	return e.scheduleAt(at)
}

func (e *Effect) scheduleAt(alarmAt time.Time) error {
	cfg := e.Config()
	e.writeMu.Lock()
	e.mu.Lock()
	e.resetLocked(Idle)
	e.writeMu.Unlock()

	if len(cfg.DeviceIDs) == 0 {
		e.mu.Unlock()
		e.publish()
		return ErrNoDevices
	}
	now := e.clock.Now()
	start := alarmAt.Add(-cfg.Duration())
	if !start.After(now) {
		e.mu.Unlock()
		e.publish()
		return fmt.Errorf("%w: need more than %v minutes", ErrInsufficientLeadTime, cfg.DurationMinutes)
	}

	e.alarm = &Alarm{
		AlarmTimestamp:  alarmAt.UnixMilli(),
		StartTimestamp:  start.UnixMilli(),
		DeviceIDs:       append([]string(nil), cfg.DeviceIDs...),
		DeviceCount:     len(cfg.DeviceIDs),
		DurationMinutes: cfg.DurationMinutes,
	}
	e.state = Scheduled
	gen := e.gen.Load()
	e.alarmTimer = e.clock.AfterFunc(start.Sub(now), func() { e.begin(gen) })
	e.mu.Unlock()

	e.logger.Info("alarm scheduled", "alarm", alarmAt.Format(time.DateTime), "start", start.Format(time.DateTime))
	e.publish()
	return nil
}

// Cancel stops a scheduled or running ramp. It is a no-op otherwise. No
// device write happens after Cancel returns.
func (e *Effect) Cancel() {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.cancel(0, false) {
		e.publish()
	}
}

// ClearAlarm cancels and forgets the alarm, returning to Idle.
func (e *Effect) ClearAlarm() {
	e.writeMu.Lock()
	e.mu.Lock()
	changed := e.state != Idle
	e.resetLocked(Idle)
	e.mu.Unlock()
	e.writeMu.Unlock()
	if changed {
		e.logger.Info("alarm cleared")
		e.publish()
	}
}

// cancel moves to Cancelled. With checkGen it only acts on the ramp started
// as generation gen.
func (e *Effect) cancel(gen uint64, checkGen bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if checkGen && e.gen.Load() != gen {
		return false
	}
	if e.state != Scheduled && e.state != Running {
		return false
	}
	e.resetLocked(Cancelled)
	e.logger.Info("wakelight cancelled")
	return true
}

// resetLocked invalidates the current generation and releases timers and
// subscriptions.
func (e *Effect) resetLocked(next State) {
	e.gen.Add(1)
	if e.alarmTimer != nil {
		e.alarmTimer.Stop()
		e.alarmTimer = nil
	}
	if e.tickTimer != nil {
		e.tickTimer.Stop()
		e.tickTimer = nil
	}
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	if e.cancelRun != nil {
		e.cancelRun()
		e.cancelRun = nil
	}
	e.targets = nil
	e.alarm = nil
	e.state = next
}

// State returns the lifecycle state.
func (e *Effect) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsActive reports whether the ramp is currently writing to devices.
func (e *Effect) IsActive() bool { return e.State() == Running }

func (e *Effect) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{Active: e.state == Running, State: e.state}
	if e.alarm != nil {
		a := *e.alarm
		s.Alarm = &a
	}
	return s
}

func (e *Effect) publish() {
	s := e.Status()
	metrics.WakelightState.Set(float64(s.State))
	e.events.Emit(events.WakelightState, s)
}

// begin runs when the alarm timer fires.
func (e *Effect) begin(gen uint64) {
	e.mu.Lock()
	if e.gen.Load() != gen || e.state != Scheduled {
		e.mu.Unlock()
		return
	}
	e.alarmTimer = nil
	targets := e.resolveLocked(e.alarm.DeviceIDs)
	if len(targets) == 0 {
		e.logger.Warn("no usable devices for wakelight")
		e.resetLocked(Cancelled)
		e.mu.Unlock()
		e.publish()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelRun = cancel
	e.targets = targets
	e.state = Running
	for _, d := range targets {
		onoff, ok := device.OnOff(d)
		if !ok {
			continue
		}
		id := d.UniqueID()
		e.unsubs = append(e.unsubs, onoff.IsOn().Subscribe(func(on, initial bool) {
			if initial || on || e.expectsOff(id) {
				return
			}
			e.logger.Info("device switched off externally, cancelling", "device", id)
			if e.cancel(gen, true) {
				e.publish()
			}
		}))
	}
	e.logger.Info("wakelight started", "devices", len(targets), "duration_minutes", e.alarm.DurationMinutes)
	e.mu.Unlock()
	e.publish()

	e.step(ctx, gen)
}

func (e *Effect) resolveLocked(ids []string) []device.Device {
	var out []device.Device
	for _, id := range ids {
		d, ok := e.devices.Device(id)
		if !ok {
			e.logger.Warn("device not found", "device", id)
			continue
		}
		if _, ok := device.ColorControl(d); !ok {
			e.logger.Warn("device does not support ColorControl", "device", id)
			continue
		}
		out = append(out, d)
	}
	return out
}

// step writes the brightness for the current time and arms the next tick.
func (e *Effect) step(ctx context.Context, gen uint64) {
	e.mu.Lock()
	if e.gen.Load() != gen || e.state != Running {
		e.mu.Unlock()
		return
	}
	e.tickTimer = nil
	start, end := e.alarm.start(), e.alarm.end()
	targets := e.targets
	now := e.clock.Now()
	e.mu.Unlock()

	progress := 1.0
	if total := end.Sub(start); total > 0 {
		progress = min(max(float64(now.Sub(start))/float64(total), 0), 1)
	}
	e.writeAll(ctx, gen, targets, progress)

	e.mu.Lock()
	if e.gen.Load() != gen {
		e.mu.Unlock()
		return
	}
	if progress >= 1 {
		e.resetLocked(Completed)
		e.logger.Info("wakelight complete")
		e.mu.Unlock()
		e.publish()
		return
	}
	e.tickTimer = e.clock.AfterFunc(e.tickEvery, func() { e.step(ctx, gen) })
	e.mu.Unlock()
}

func (e *Effect) writeAll(ctx context.Context, gen uint64, targets []device.Device, brightness float64) {
	var g errgroup.Group
	for _, d := range targets {
		g.Go(func() error {
			if err := e.writeDevice(ctx, gen, d, brightness); err != nil && !errors.Is(err, errStale) {
				e.logger.Warn("failed to update device", "device", d.UniqueID(), "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

var errStale = errors.New("wakelight generation changed")

// writeDevice switches d on if needed, then sets its level, falling back to
// the value component of its colour.
func (e *Effect) writeDevice(ctx context.Context, gen uint64, d device.Device, brightness float64) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	id := d.UniqueID()

	if onoff, ok := device.OnOff(d); ok {
		if on, known := onoff.IsOn().Current(); !known || !on {
			err := e.guarded(gen, id, false, func() error { return onoff.IsOn().Set(ctx, true) })
			if err != nil {
				return err
			}
		}
	}
	if lvl, ok := device.Level(d); ok {
		return e.guarded(gen, id, brightness <= 0, func() error { return lvl.Level().Set(ctx, brightness) })
	}
	cc, ok := device.ColorControl(d)
	if !ok {
		return nil
	}
	c, known := cc.Color().Current()
	if !known {
		c = device.Color{}
	}
	return e.guarded(gen, id, brightness <= 0, func() error { return cc.Color().Set(ctx, c.WithValue(brightness)) })
}

// guarded runs one self-initiated write. When the write may itself make the
// device report off (a zero brightness), the device is marked for the
// duration so its on/off subscription ignores that report. Any other off
// observed meanwhile still cancels the ramp.
func (e *Effect) guarded(gen uint64, id string, mayTurnOff bool, write func() error) error {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if e.gen.Load() != gen {
		return errStale
	}
	if !mayTurnOff {
		return write()
	}
	e.tokMu.Lock()
	e.inflight[id]++
	e.tokMu.Unlock()
	defer func() {
		e.tokMu.Lock()
		if e.inflight[id]--; e.inflight[id] <= 0 {
			delete(e.inflight, id)
		}
		e.tokMu.Unlock()
	}()
	return write()
}

func (e *Effect) expectsOff(id string) bool {
	e.tokMu.Lock()
	defer e.tokMu.Unlock()
	return e.inflight[id] > 0
}

// armRepeat schedules the next recurring alarm from cfg, replacing any
// earlier one.
func (e *Effect) armRepeat(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.repeatTimer != nil {
		e.repeatTimer.Stop()
		e.repeatTimer = nil
	}
	if cfg.Repeat == "" || len(cfg.DeviceIDs) == 0 {
		return
	}
	sched, err := cron.ParseStandard(cfg.Repeat)
	if err != nil {
		e.logger.Warn("invalid repeat expression", "repeat", cfg.Repeat, "err", err)
		return
	}
	now := e.clock.Now()
	wake := sched.Next(now)
	for !wake.IsZero() && wake.Sub(now) <= cfg.Duration()+repeatLead {
		wake = sched.Next(wake)
	}
	if wake.IsZero() {
		return
	}
	delay := wake.Sub(now) - cfg.Duration() - repeatLead
	e.repeatTimer = e.clock.AfterFunc(delay, func() {
		if err := e.scheduleAt(wake); err != nil {
			e.logger.Warn("recurring alarm not scheduled", "err", err)
		}
		e.armRepeat(e.Config())
	})
	e.logger.Info("recurring alarm armed", "next_wake", wake.Format(time.DateTime))
}

// Close cancels everything and stops following the configuration.
func (e *Effect) Close() {
	e.unsubConfig()
	e.ClearAlarm()
	e.mu.Lock()
	if e.repeatTimer != nil {
		e.repeatTimer.Stop()
		e.repeatTimer = nil
	}
	e.mu.Unlock()
	e.db.Close()
}
