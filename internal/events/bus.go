// Package events is the in-process pub/sub bus that fans hub activity out to
// the websocket hub, the MQTT bridge and automation scripts.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	DeviceAdded     = "device_added"
	DeviceRemoved   = "device_removed"
	DeviceStatus    = "device_status"
	DeviceRenamed   = "device_renamed"
	PropertyChanged = "property_changed"
	KeyvalChanged   = "keyval_changed"
	WakelightState  = "wakelight_state"
)

// Event is one published occurrence.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for hub events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit delivers an event synchronously to the matching handlers. A panicking
// handler is recovered and logged. A nil bus drops the event.
func (b *Bus) Emit(eventType string, data any) {
	if b == nil {
		return
	}
	ev := Event{Type: eventType, Time: time.Now(), Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.allHandlers))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", eventType, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
