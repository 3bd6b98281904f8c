package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"hub-go-home/internal/reactive"
)

// Database is a typed view over a module document. T must round-trip
// through encoding/json; the last-updated stamp is kept out of it.
type Database[T any] struct {
	store *Store

	mu    sync.Mutex
	cell  *reactive.Cell[T]
	unsub func()
}

// NewDatabase decodes the current document into T and follows every later
// write to the module, including SetVal calls made through the Store.
func NewDatabase[T any](s *Store) (*Database[T], error) {
	v, err := decode[T](s.Data())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Module(), err)
	}
	db := &Database[T]{
		store: s,
		cell:  reactive.NewFunc(v, nil),
	}
	db.unsub = s.Listen("", func(_ string, value any) {
		doc, _ := value.(map[string]any)
		next, err := decode[T](doc)
		if err != nil {
			s.logger.Warn("document no longer decodes", "err", err)
			return
		}
		db.cell.Set(next)
	})
	return db, nil
}

// Current returns the decoded document.
func (db *Database[T]) Current() T {
	v, _ := db.cell.Current()
	return v
}

// Update replaces the document with fn(current) and persists it. Subscribers
// are notified after the file has been written.
func (db *Database[T]) Update(fn func(T) T) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	next := fn(db.Current())
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", db.store.Module(), err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode %s: document must be an object: %w", db.store.Module(), err)
	}
	return db.store.SetVal("", doc)
}

// Subscribe calls fn with the current document and again after each write.
func (db *Database[T]) Subscribe(fn func(v T, initial bool)) func() {
	return db.cell.Subscribe(fn)
}

// Store returns the underlying document store.
func (db *Database[T]) Store() *Store { return db.store }

// Close stops following the store.
func (db *Database[T]) Close() {
	db.unsub()
}

func decode[T any](doc map[string]any) (T, error) {
	var out T
	delete(doc, LastUpdatedKey)
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
