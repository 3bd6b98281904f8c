// Package keyval implements the "0"/"1" switch keys used by wall buttons,
// scripts and the dashboard. Keys are dotted paths in the keyval module of
// the key/value store; a key that names an object reads as "1" only when
// every leaf below it is "1".
package keyval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"hub-go-home/internal/events"
	"hub-go-home/internal/kvstore"
)

// ModuleName is the key/value module backing the keys.
const ModuleName = "keyval"

const (
	On  = "1"
	Off = "0"
)

var ErrInvalidValue = errors.New(`value must be "0" or "1"`)

// Effect is how a linked key follows a written key.
type Effect string

const (
	Same   Effect = "same"
	Invert Effect = "invert"
)

// Groups maps a key to the keys that follow it. Linked keys are written to
// the store only; their listeners are not called.
type Groups map[string]map[string]Effect

func (g Groups) Validate() error {
	for key, linked := range g {
		for other, eff := range linked {
			if eff != Same && eff != Invert {
				return fmt.Errorf("group %s: key %s: unknown effect %q", key, other, eff)
			}
		}
	}
	return nil
}

// Listener is called after key (or a key below it) was written.
type Listener func(ctx context.Context, key, value string) error

// Change is the payload of keyval_changed events.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Option func(*Store)

func WithGroups(g Groups) Option {
	return func(s *Store) { s.groups = g }
}

func WithEvents(bus *events.Bus) Option {
	return func(s *Store) { s.events = bus }
}

type listener struct {
	key  string
	fn   Listener
	once bool
}

// Store is the keyval API.
type Store struct {
	kv     *kvstore.Store
	logger *slog.Logger
	events *events.Bus
	groups Groups

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]listener
	nextID    int
}

func New(kv *kvstore.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		logger:    logger.With("component", "keyval"),
		listeners: make(map[int]listener),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value of key, "0" when unset.
func (s *Store) Get(key string) string {
	v, ok := s.kv.Get(key)
	if !ok {
		return Off
	}
	return resolve(v)
}

func resolve(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		if len(v) == 0 {
			return Off
		}
		for k, child := range v {
			if k == kvstore.LastUpdatedKey {
				continue
			}
			if resolve(child) != On {
				return Off
			}
		}
		return On
	case bool:
		if v {
			return On
		}
		return Off
	case float64:
		if v != 0 {
			return On
		}
		return Off
	default:
		return Off
	}
}

// Set writes value to key. Listeners and groups are only triggered when the
// value changes. It reports whether it did.
func (s *Store) Set(ctx context.Context, key, value string) (bool, error) {
	if value != On && value != Off {
		return false, ErrInvalidValue
	}
	if key == "" {
		return false, errors.New("empty key")
	}
	s.writeMu.Lock()
	if cur, ok := s.kv.Get(key); ok && cur == value {
		s.writeMu.Unlock()
		return false, nil
	}
	if err := s.kv.SetVal(key, value); err != nil {
		s.writeMu.Unlock()
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	s.writeMu.Unlock()

	s.update(ctx, key, value)
	return true, nil
}

// Toggle flips key and returns the new value.
func (s *Store) Toggle(ctx context.Context, key string) (string, error) {
	s.writeMu.Lock()
	value := On
	if s.Get(key) == On {
		value = Off
	}
	if err := s.kv.SetVal(key, value); err != nil {
		s.writeMu.Unlock()
		return "", fmt.Errorf("toggle %s: %w", key, err)
	}
	s.writeMu.Unlock()

	s.update(ctx, key, value)
	return value, nil
}

// All returns the whole keyval document.
func (s *Store) All() map[string]any {
	data := s.kv.Data()
	delete(data, kvstore.LastUpdatedKey)
	return data
}

// Keys returns every leaf key with its value, sorted.
func (s *Store) Keys() []Change {
	var out []Change
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if obj, ok := v.(map[string]any); ok {
			for k, child := range obj {
				if k == kvstore.LastUpdatedKey {
					continue
				}
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, child)
			}
			return
		}
		out = append(out, Change{Key: prefix, Value: resolve(v)})
	}
	walk("", s.All())
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AddListener registers fn for writes to key, to keys below it, and to
// parents of it. A once listener is removed after its first call.
func (s *Store) AddListener(key string, fn Listener, once bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{key: key, fn: fn, once: once}
	return id
}

func (s *Store) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

// Wait returns the value of key once it differs from expected, or the
// current value when ctx ends first.
func (s *Store) Wait(ctx context.Context, key, expected string) string {
	// Listen before reading so a change between the two is not missed.
	changed := make(chan struct{}, 1)
	id := s.AddListener(key, func(context.Context, string, string) error {
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	}, false)
	defer s.RemoveListener(id)
	for {
		if v := s.Get(key); v != expected {
			return v
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s.Get(key)
		}
	}
}

func (s *Store) update(ctx context.Context, key, value string) {
	s.events.Emit(events.KeyvalChanged, Change{Key: key, Value: value})

	s.mu.Lock()
	var fire []listener
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		l := s.listeners[id]
		if !related(key, l.key) {
			continue
		}
		fire = append(fire, l)
		if l.once {
			delete(s.listeners, id)
		}
	}
	s.mu.Unlock()

	for _, l := range fire {
		if err := l.fn(ctx, key, value); err != nil {
			s.logger.Warn("listener failed", "key", l.key, "err", err)
		}
	}
	s.triggerGroups(key, value)
}

func (s *Store) triggerGroups(key, value string) {
	linked, ok := s.groups[key]
	if !ok {
		return
	}
	opposite := On
	if value == On {
		opposite = Off
	}
	for other, eff := range linked {
		v := value
		if eff == Invert {
			v = opposite
		}
		if err := s.kv.SetVal(other, v); err != nil {
			s.logger.Warn("group write failed", "key", other, "err", err)
			continue
		}
		s.logger.Debug("group key updated", "key", other, "value", v, "from", key)
	}
}

// related reports whether one dotted key is a prefix of the other.
func related(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < min(len(pa), len(pb)); i++ {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}
