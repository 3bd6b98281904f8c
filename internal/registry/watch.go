package registry

import (
	"sync"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
)

// PropertyChange is the payload of property_changed events.
type PropertyChange struct {
	ID       string      `json:"id"`
	Kind     device.Kind `json:"kind"`
	Property string      `json:"property"`
	Value    any         `json:"value"`
}

// WatchProperties emits a property_changed event on bus for every property
// change of every registered device, endpoints included. Initial values are
// not emitted. The returned func stops watching.
func (r *Registry) WatchProperties(bus *events.Bus) func() {
	var mu sync.Mutex
	watched := map[string][]func(){}
	stopped := false

	unsubRegistry := r.Subscribe(func(devices Devices, _ bool) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		for id, unsubs := range watched {
			if _, ok := devices[id]; ok {
				continue
			}
			for _, u := range unsubs {
				u()
			}
			delete(watched, id)
		}
		for id, d := range devices {
			if _, ok := watched[id]; ok {
				continue
			}
			watched[id] = watchDevice(bus, id, d)
		}
	})

	return func() {
		unsubRegistry()
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		for _, unsubs := range watched {
			for _, u := range unsubs {
				u()
			}
		}
		clear(watched)
	}
}

func watchDevice(bus *events.Bus, id string, d device.Device) []func() {
	var unsubs []func()
	for _, c := range d.Clusters() {
		kind := c.Kind()
		for _, p := range c.Properties() {
			name := p.Name()
			unsubs = append(unsubs, p.SubscribeValue(func(v any, initial bool) {
				if initial {
					return
				}
				bus.Emit(events.PropertyChanged, PropertyChange{ID: id, Kind: kind, Property: name, Value: v})
			}))
		}
	}
	for _, ep := range d.Endpoints() {
		unsubs = append(unsubs, watchDevice(bus, ep.UniqueID(), ep)...)
	}
	return unsubs
}
