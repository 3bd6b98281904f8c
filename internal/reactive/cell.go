// Package reactive provides an observable single-value container used for
// runtime state such as the current device map or a capability property.
package reactive

import (
	"context"
	"sync"
)

// Listener receives the cell value. initial is true for exactly one call per
// subscription: the one made from Subscribe.
type Listener[T any] func(value T, initial bool)

// Cell holds one value and notifies subscribers when it changes.
//
// Deliveries to a single subscriber are serialised and never go backwards:
// when a newer value is set while a callback is still running (from another
// goroutine or re-entrantly from the callback itself), the pending value is
// delivered by the goroutine already delivering once the callback returns.
// Intermediate values may be coalesced this way, but a subscriber is never
// handed a value equal to the last one it received, even when the cell went
// A, B, A while its callback ran.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	known   bool
	seq     uint64
	equal   func(a, b T) bool
	subs    map[uint64]*subscription[T]
	nextID  uint64
	waiters []chan struct{}
}

type subscription[T any] struct {
	fn    Listener[T]
	equal func(a, b T) bool

	mu         sync.Mutex
	delivering bool
	active     bool
	seq        uint64
	last       T
	lastKnown  bool
	pending    *T
	pendingSeq uint64
}

// New creates a cell holding v, using == to suppress unchanged values.
func New[T comparable](v T) *Cell[T] {
	c := NewFunc(v, func(a, b T) bool { return a == b })
	return c
}

// NewEmpty creates a cell with no known value yet. Subscribers receive the
// zero value as their initial call and Get blocks until the first Set.
func NewEmpty[T comparable]() *Cell[T] {
	c := New(*new(T))
	c.known = false
	return c
}

// NewFunc creates a cell holding v with a custom equality. A nil equal makes
// every Set a change.
func NewFunc[T any](v T, equal func(a, b T) bool) *Cell[T] {
	if equal == nil {
		equal = func(T, T) bool { return false }
	}
	return &Cell[T]{
		value: v,
		known: true,
		equal: equal,
		subs:  make(map[uint64]*subscription[T]),
	}
}

// Current returns the value and whether it has been set.
func (c *Cell[T]) Current() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.known
}

// Get returns the value, waiting until one is known or ctx is done.
func (c *Cell[T]) Get(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if c.known {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		ch := make(chan struct{})
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Set stores v and notifies subscribers unless v equals the current value.
func (c *Cell[T]) Set(v T) {
	c.Update(func(old T) (T, bool) {
		return v, true
	})
}

// Update computes a new value from the current one while holding the cell
// lock. Returning false leaves the cell untouched. fn must not call back into
// the cell.
func (c *Cell[T]) Update(fn func(old T) (T, bool)) bool {
	c.mu.Lock()
	next, ok := fn(c.value)
	if !ok || (c.known && c.equal(c.value, next)) {
		c.mu.Unlock()
		return false
	}
	c.value = next
	c.known = true
	c.seq++
	seq := c.seq
	subs := make([]*subscription[T], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, s := range subs {
		s.deliver(next, seq)
	}
	return true
}

// Subscribe registers fn. It is called once immediately with the current
// value and initial=true, then on every change. The returned function
// unsubscribes and may be called from inside fn.
func (c *Cell[T]) Subscribe(fn Listener[T]) func() {
	s := &subscription[T]{fn: fn, equal: c.equal, active: true, delivering: true}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	v, known, seq := c.value, c.known, c.seq
	c.mu.Unlock()

	s.mu.Lock()
	s.seq = seq
	s.last, s.lastKnown = v, known
	s.mu.Unlock()
	fn(v, true)
	s.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			s.mu.Lock()
			s.active = false
			s.pending = nil
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (c *Cell[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (s *subscription[T]) deliver(v T, seq uint64) {
	s.mu.Lock()
	if !s.active || seq <= s.seq {
		s.mu.Unlock()
		return
	}
	if s.delivering {
		if seq > s.pendingSeq {
			s.pending = &v
			s.pendingSeq = seq
		}
		s.mu.Unlock()
		return
	}
	s.seq = seq
	if s.unchangedLocked(v) {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.last, s.lastKnown = v, true
	s.mu.Unlock()

	s.fn(v, false)
	s.drain()
}

// unchangedLocked reports whether v equals the value this subscriber last
// received.
func (s *subscription[T]) unchangedLocked(v T) bool {
	return s.lastKnown && s.equal(s.last, v)
}

// drain delivers values queued while a callback was running, then releases
// the delivering flag.
func (s *subscription[T]) drain() {
	for {
		s.mu.Lock()
		if !s.active || s.pending == nil || s.pendingSeq <= s.seq {
			s.pending = nil
			s.delivering = false
			s.mu.Unlock()
			return
		}
		v := *s.pending
		s.seq = s.pendingSeq
		s.pending = nil
		if s.unchangedLocked(v) {
			s.mu.Unlock()
			continue
		}
		s.last, s.lastKnown = v, true
		s.mu.Unlock()

		s.fn(v, false)
	}
}
