package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"hub-go-home/internal/reactive"
)

var (
	// ErrReadOnly is returned by Set on a property the source cannot write.
	ErrReadOnly = errors.New("property is read-only")
	// ErrClosed is returned by Set after the owning device was closed.
	ErrClosed = errors.New("device closed")
)

// Writer pushes a value to the physical device.
type Writer[V any] func(ctx context.Context, v V) error

// Property is an observable capability value. Adapters publish observed
// values with Report; consumers read, write and subscribe.
type Property[V comparable] struct {
	name   string
	cell   *reactive.Cell[V]
	write  Writer[V]
	closed atomic.Bool
}

// NewProperty creates a property with an unknown value. A nil write makes it
// read-only.
func NewProperty[V comparable](name string, write Writer[V]) *Property[V] {
	return &Property[V]{
		name:  name,
		cell:  reactive.NewEmpty[V](),
		write: write,
	}
}

// Name returns the property name.
func (p *Property[V]) Name() string { return p.name }

// Get waits for a known value.
func (p *Property[V]) Get(ctx context.Context) (V, error) {
	return p.cell.Get(ctx)
}

// Current returns the last known value and whether there is one.
func (p *Property[V]) Current() (V, bool) {
	return p.cell.Current()
}

// Set writes v to the device. On success the new value is published to
// subscribers before Set returns; on failure the error is returned and the
// stored value is left alone.
func (p *Property[V]) Set(ctx context.Context, v V) error {
	if p.closed.Load() {
		return fmt.Errorf("set %s: %w", p.name, ErrClosed)
	}
	if p.write == nil {
		return fmt.Errorf("set %s: %w", p.name, ErrReadOnly)
	}
	if err := p.write(ctx, v); err != nil {
		return fmt.Errorf("set %s: %w", p.name, err)
	}
	p.cell.Set(v)
	return nil
}

// Report publishes a value observed on the device.
func (p *Property[V]) Report(v V) {
	p.cell.Set(v)
}

// Subscribe delivers the current value with initial=true, then every change.
// While the value is unknown the initial call carries the zero value; callers
// that act on it must check Current first.
func (p *Property[V]) Subscribe(fn func(v V, initial bool)) func() {
	return p.cell.Subscribe(fn)
}

// Writable reports whether Set can succeed.
func (p *Property[V]) Writable() bool { return p.write != nil }

// Value implements AnyProperty.
func (p *Property[V]) Value() (any, bool) {
	return p.cell.Current()
}

// SetValue implements AnyProperty. v is typically decoded JSON and is
// converted to V.
func (p *Property[V]) SetValue(ctx context.Context, v any) error {
	typed, ok := v.(V)
	if !ok {
		var err error
		typed, err = convertValue[V](v)
		if err != nil {
			return fmt.Errorf("set %s: %w", p.name, err)
		}
	}
	return p.Set(ctx, typed)
}

// SubscribeValue implements AnyProperty. The initial call carries nil while
// the value is unknown.
func (p *Property[V]) SubscribeValue(fn func(v any, initial bool)) func() {
	return p.cell.Subscribe(func(v V, initial bool) {
		if initial {
			if _, known := p.cell.Current(); !known {
				fn(nil, true)
				return
			}
		}
		fn(v, initial)
	})
}

func (p *Property[V]) markClosed() { p.closed.Store(true) }

// AnyProperty is the untyped view of a Property used by generic consumers
// such as the HTTP API, the MQTT bridge and scripts.
type AnyProperty interface {
	Name() string
	Value() (any, bool)
	SetValue(ctx context.Context, v any) error
	SubscribeValue(fn func(v any, initial bool)) func()
	Writable() bool
	markClosed()
}

func convertValue[V any](v any) (V, error) {
	var out V
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("want %T: %w", out, err)
	}
	return out, nil
}
