// Package kvstore implements the per-module JSON documents that hold module
// configuration and state. Every document lives in its own file inside a
// database directory, is addressed with dotted paths and is rewritten
// atomically on each change.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"hub-go-home/internal/metrics"
)

// LastUpdatedKey is stamped with the write time (unix ms) on every persist.
const LastUpdatedKey = "___last_updated"

var (
	// ErrCorrupt is returned by Open when the file exists but is not a JSON object.
	ErrCorrupt = errors.New("corrupt database file")
	// ErrPathConflict is returned when a write would have to descend through a
	// value that is not an object.
	ErrPathConflict = errors.New("path crosses a non-object value")
)

// Duplicate selects how PushVal treats a value already present in the array.
type Duplicate int

const (
	// DuplicateWarning skips the push and logs a warning.
	DuplicateWarning Duplicate = iota
	// DuplicateIgnore skips the push silently.
	DuplicateIgnore
	// DuplicateAllow appends regardless.
	DuplicateAllow
)

// ParseDuplicate maps the names used in requests ("warning", "ignore",
// "duplicate") onto a Duplicate.
func ParseDuplicate(s string) (Duplicate, error) {
	switch s {
	case "", "warning":
		return DuplicateWarning, nil
	case "ignore":
		return DuplicateIgnore, nil
	case "duplicate":
		return DuplicateAllow, nil
	}
	return 0, fmt.Errorf("unknown duplicate behavior %q", s)
}

// Listener is called with the listened path and its value after a write
// that touched it.
type Listener func(path string, value any)

type listener struct {
	path string
	fn   Listener
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for the last-updated stamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type writeOpts struct {
	noWrite bool
}

// WriteOption modifies a single write.
type WriteOption func(*writeOpts)

// NoWrite applies the change in memory only. Neither the file nor the
// listeners see it until the next persisted write or Flush.
func NoWrite() WriteOption {
	return func(o *writeOpts) { o.noWrite = true }
}

// Store is one module's document.
type Store struct {
	module string
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	data  map[string]any
	dirty bool

	lmu       sync.RWMutex
	listeners map[uint64]listener
	nextID    uint64
}

// Open loads <dir>/<module>.json, creating it with an empty document when
// missing.
func Open(dir, module string, opts ...Option) (*Store, error) {
	s := &Store{
		module:    module,
		path:      filepath.Join(dir, module+".json"),
		logger:    slog.Default(),
		now:       time.Now,
		listeners: make(map[uint64]listener),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "kvstore", "module", module)

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		s.data = map[string]any{}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		s.logger.Debug("created database file", "path", s.path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", s.path, ErrCorrupt, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%s: %w: document is null", s.path, ErrCorrupt)
	}
	s.data = data
	return s, nil
}

// Module returns the module name the document belongs to.
func (s *Store) Module() string { return s.module }

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Data returns a deep copy of the whole document.
func (s *Store) Data() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(s.data).(map[string]any)
}

// Get returns the value at path. The empty path addresses the whole document.
// The returned value is a copy; mutating it does not affect the store.
func (s *Store) Get(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := lookup(s.data, path)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Get returns the value at path converted to V, or def when the path is
// missing or the value cannot be represented as V.
func Get[V any](s *Store, path string, def V) V {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	if typed, ok := v.(V); ok {
		return typed
	}
	out, err := convert[V](v)
	if err != nil {
		return def
	}
	return out
}

// SetVal writes value at path, creating missing intermediate objects. When
// the current value at path is an object and value is a primitive, the
// primitive is written to every leaf below it instead of replacing the
// object.
func (s *Store) SetVal(path string, value any, opts ...WriteOption) error {
	var wo writeOpts
	for _, o := range opts {
		o(&wo)
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	s.mu.Lock()
	if path == "" {
		obj, ok := v.(map[string]any)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("set root: %w", ErrPathConflict)
		}
		s.data = obj
	} else {
		parent, key, err := descend(s.data, path)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("set %s: %w", path, err)
		}
		if existing, ok := parent[key].(map[string]any); ok && isPrimitive(v) {
			broadcast(existing, v)
		} else {
			parent[key] = v
		}
	}
	return s.commitLocked(path, wo)
}

// PushVal appends value to the array at path. A missing or non-array target
// is replaced by a one-element array.
func (s *Store) PushVal(path string, value any, dup Duplicate, opts ...WriteOption) error {
	var wo writeOpts
	for _, o := range opts {
		o(&wo)
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("push %s: %w", path, err)
	}

	s.mu.Lock()
	parent, key, err := descend(s.data, path)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("push %s: %w", path, err)
	}
	arr, ok := parent[key].([]any)
	if !ok {
		parent[key] = []any{v}
		return s.commitLocked(path, wo)
	}
	if dup != DuplicateAllow {
		for _, el := range arr {
			if reflect.DeepEqual(el, v) {
				s.mu.Unlock()
				if dup == DuplicateWarning {
					s.logger.Warn("value already present, not pushing", "path", path, "value", v)
				}
				return nil
			}
		}
	}
	parent[key] = append(arr, v)
	return s.commitLocked(path, wo)
}

// DeleteArrayVal removes every element of the array at path for which pred
// returns true. It does nothing when path does not hold an array.
func (s *Store) DeleteArrayVal(path string, pred func(any) bool, opts ...WriteOption) error {
	var wo writeOpts
	for _, o := range opts {
		o(&wo)
	}

	s.mu.Lock()
	cur, ok := lookup(s.data, path)
	arr, isArr := cur.([]any)
	if !ok || !isArr {
		s.mu.Unlock()
		return nil
	}
	kept := make([]any, 0, len(arr))
	for _, el := range arr {
		if !pred(el) {
			kept = append(kept, el)
		}
	}
	parent, key, err := descend(s.data, path)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", path, err)
	}
	parent[key] = kept
	return s.commitLocked(path, wo)
}

// Flush persists changes made with NoWrite and notifies every listener.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	return s.commitLocked("", writeOpts{})
}

// Listen registers fn for writes to path, to anything below it or to any of
// its ancestors. The empty path listens to the whole document.
func (s *Store) Listen(path string, fn Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{path: path, fn: fn}
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// commitLocked persists and notifies. It releases s.mu.
func (s *Store) commitLocked(path string, wo writeOpts) error {
	if wo.noWrite {
		s.dirty = true
		s.mu.Unlock()
		return nil
	}
	if err := s.persistLocked(); err != nil {
		// The change stays in memory; the next Flush retries the write.
		s.dirty = true
		s.mu.Unlock()
		return err
	}

	s.lmu.RLock()
	type delivery struct {
		fn    Listener
		path  string
		value any
	}
	var pending []delivery
	for _, l := range s.listeners {
		if !overlaps(l.path, path) {
			continue
		}
		v, _ := lookup(s.data, l.path)
		pending = append(pending, delivery{l.fn, l.path, deepCopy(v)})
	}
	s.lmu.RUnlock()
	s.mu.Unlock()

	for _, d := range pending {
		s.notify(d.fn, d.path, d.value)
	}
	return nil
}

func (s *Store) notify(fn Listener, path string, value any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panic", "path", path, "panic", r)
		}
	}()
	fn(path, value)
}

// persistLocked writes the document to a temp file and renames it over the
// target so readers never observe a partial document.
func (s *Store) persistLocked() error {
	s.data[LastUpdatedKey] = s.now().UnixMilli()
	raw, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.module, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+s.module+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	s.dirty = false
	metrics.KVWrites.WithLabelValues(s.module).Inc()
	return nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func lookup(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, part := range splitPath(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// descend walks to the parent object of path, creating missing objects.
func descend(root map[string]any, path string) (map[string]any, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", ErrPathConflict
	}
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			obj := map[string]any{}
			cur[part] = obj
			cur = obj
			continue
		}
		obj, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w at %q", ErrPathConflict, part)
		}
		cur = obj
	}
	return cur, parts[len(parts)-1], nil
}

func broadcast(obj map[string]any, v any) {
	for k, child := range obj {
		if nested, ok := child.(map[string]any); ok {
			broadcast(nested, v)
			continue
		}
		obj[k] = v
	}
}

// overlaps reports whether one dotted path is a segment prefix of the other.
func overlaps(a, b string) bool {
	return segmentPrefix(a, b) || segmentPrefix(b, a)
}

func segmentPrefix(prefix, path string) bool {
	if prefix == "" || prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+".")
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

// normalize turns arbitrary Go values into the shapes encoding/json produces
// so stored values compare and traverse uniformly.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func convert[V any](v any) (V, error) {
	var out V
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	}
	return v
}
