// Package poller runs a function on a timer and backs off exponentially while
// it keeps failing.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hub-go-home/internal/metrics"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultMaxInterval = 5 * time.Minute
)

var errPanic = errors.New("poll function panicked")

// Timer is the subset of *time.Timer the poller needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.min = d }
}

func WithMaxInterval(d time.Duration) Option {
	return func(p *Poller) { p.max = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithAfterFunc replaces the timer implementation, mainly for tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(p *Poller) { p.afterFunc = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// State is a snapshot of a poller for status endpoints.
type State struct {
	Name         string     `json:"name"`
	NextRunAt    *time.Time `json:"nextRunAt"`
	IntervalMs   int64      `json:"intervalMs"`
	FailureCount int        `json:"failureCount"`
	LastError    string     `json:"lastError,omitempty"`
	Active       bool       `json:"active"`
}

// Poller calls fn once immediately on Start and then after every interval.
// After n consecutive failures the next delay is min(interval*2^(n-1), max);
// a success brings it back to interval.
type Poller struct {
	name      string
	fn        func(ctx context.Context) error
	logger    *slog.Logger
	min, max  time.Duration
	afterFunc AfterFunc
	now       func() time.Time

	mu        sync.Mutex
	bo        *backoff.ExponentialBackOff
	gen       uint64
	timer     Timer
	cancelRun context.CancelFunc
	active    bool
	interval  time.Duration
	failures  int
	lastErr   string
	nextRunAt time.Time
}

// New creates a stopped poller.
func New(name string, fn func(ctx context.Context) error, opts ...Option) *Poller {
	p := &Poller{
		name:   name,
		fn:     fn,
		logger: slog.Default(),
		min:    DefaultInterval,
		max:    DefaultMaxInterval,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.max < p.min {
		p.max = p.min
	}
	p.logger = p.logger.With("component", "poller", "poller", name)
	p.bo = &backoff.ExponentialBackOff{
		InitialInterval:     p.min,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.max,
	}
	p.bo.Reset()
	p.interval = p.min
	return p
}

func (p *Poller) Name() string { return p.name }

// Start runs the first cycle immediately. It is a no-op while active.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.scheduleLocked(0)
}

// Resume is Start under the name used by status endpoints.
func (p *Poller) Resume() { p.Start() }

// Pause stops scheduling but keeps the failure count and interval.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haltLocked()
}

// Stop halts the poller and forgets its failure history. A cycle already in
// progress has its context cancelled and is not rescheduled. Stop may be
// called from inside the poll function.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haltLocked()
	p.failures = 0
	p.lastErr = ""
	p.bo.Reset()
	p.interval = p.min
	metrics.PollInterval.WithLabelValues(p.name).Set(p.interval.Seconds())
}

// Restart is Stop followed by Start.
func (p *Poller) Restart() {
	p.Stop()
	p.Start()
}

// State returns a snapshot.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Name:         p.name,
		IntervalMs:   p.interval.Milliseconds(),
		FailureCount: p.failures,
		LastError:    p.lastErr,
		Active:       p.active,
	}
	if p.active && !p.nextRunAt.IsZero() {
		t := p.nextRunAt
		s.NextRunAt = &t
	}
	return s
}

func (p *Poller) haltLocked() {
	p.active = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancelRun != nil {
		p.cancelRun()
		p.cancelRun = nil
	}
	p.nextRunAt = time.Time{}
}

func (p *Poller) scheduleLocked(delay time.Duration) {
	gen := p.gen
	p.nextRunAt = p.now().Add(delay)
	p.timer = p.afterFunc(delay, func() { p.run(gen) })
}

func (p *Poller) run(gen uint64) {
	p.mu.Lock()
	if !p.active || gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelRun = cancel
	p.timer = nil
	p.nextRunAt = time.Time{}
	p.mu.Unlock()

	err := p.safeCall(ctx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		// Paused, stopped or restarted while running.
		return
	}
	p.cancelRun = nil
	if err != nil {
		p.failures++
		p.lastErr = err.Error()
		p.interval = p.bo.NextBackOff()
		metrics.PollFailures.WithLabelValues(p.name).Inc()
		p.logger.Warn("poll failed", "err", err, "failures", p.failures, "retry_in", p.interval)
	} else {
		if p.failures > 0 {
			p.logger.Info("poll recovered", "after_failures", p.failures)
		}
		p.failures = 0
		p.lastErr = ""
		p.bo.Reset()
		p.interval = p.min
	}
	metrics.PollInterval.WithLabelValues(p.name).Set(p.interval.Seconds())
	if p.active {
		p.scheduleLocked(p.interval)
	}
}

func (p *Poller) safeCall(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll function panicked", "panic", r)
			err = errPanic
		}
	}()
	return p.fn(ctx)
}

// Group collects the pollers of all sources for status reporting.
type Group struct {
	mu      sync.Mutex
	pollers map[string]*Poller
}

func NewGroup() *Group {
	return &Group{pollers: make(map[string]*Poller)}
}

// Add registers p, replacing any poller with the same name.
func (g *Group) Add(p *Poller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollers[p.name] = p
}

func (g *Group) Get(name string) (*Poller, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pollers[name]
	return p, ok
}

// States returns a snapshot of every poller, sorted by name.
func (g *Group) States() []State {
	g.mu.Lock()
	list := make([]*Poller, 0, len(g.pollers))
	for _, p := range g.pollers {
		list = append(list, p)
	}
	g.mu.Unlock()
	out := make([]State, 0, len(list))
	for _, p := range list {
		out = append(out, p.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every poller.
func (g *Group) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pollers {
		p.Stop()
	}
}
