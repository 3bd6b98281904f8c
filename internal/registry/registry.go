// Package registry reconciles the device lists reported independently by each
// source into one merged, de-duplicated map that consumers can observe.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/metrics"
	"hub-go-home/internal/reactive"
	"hub-go-home/internal/store"
)

// ErrClosed is returned by SetDevices after Close.
var ErrClosed = errors.New("registry closed")

// maxParallelBuilds bounds how many devices of one batch connect at once.
const maxParallelBuilds = 8

// Devices is a merged snapshot keyed by unique id. Snapshots are shared
// between subscribers and must not be modified.
type Devices = map[string]device.Device

// Option configures a Registry.
type Option func(*Registry)

// WithEvents publishes add/remove/status events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.events = bus }
}

// WithKnownStore persists every device seen, with status and custom names.
func WithKnownStore(s store.Store) Option {
	return func(r *Registry) { r.known = s }
}

// WithClock overrides time.Now for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the process-wide device registry.
type Registry struct {
	logger *slog.Logger
	events *events.Bus
	known  store.Store
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[device.Source]*sync.Mutex

	mu        sync.Mutex
	perSource map[device.Source]map[string]device.Device
	owner     map[string]device.Source
	conflicts map[string]device.Source
	names     map[string]string
	closed    bool

	devices *reactive.Cell[Devices]
}

// New creates an empty registry. Custom names already in the known-device
// store are loaded so display names survive restarts.
func New(logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		logger:    logger.With("component", "registry"),
		now:       time.Now,
		locks:     make(map[device.Source]*sync.Mutex),
		perSource: make(map[device.Source]map[string]device.Device),
		owner:     make(map[string]device.Source),
		conflicts: make(map[string]device.Source),
		names:     make(map[string]string),
		devices:   reactive.NewFunc(Devices{}, nil),
	}
	for _, o := range opts {
		o(r)
	}
	if r.known != nil {
		list, err := r.known.ListDevices()
		if err != nil {
			return nil, fmt.Errorf("load known devices: %w", err)
		}
		for _, kd := range list {
			if kd.CustomName != "" {
				r.names[kd.ID] = kd.CustomName
			}
		}
	}
	return r, nil
}

func (r *Registry) sourceLock(source device.Source) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[source]
	if !ok {
		l = &sync.Mutex{}
		r.locks[source] = l
	}
	return l
}

// SetDevices replaces the set of devices reported by source. Devices new to
// the source are built, devices no longer reported are closed, and the merged
// map is republished once if anything changed. Batches for the same source
// run one at a time. A device that fails to build is logged and skipped; an
// id already owned by another source is left with that source.
func (r *Registry) SetDevices(ctx context.Context, source device.Source, reported []device.Descriptor) error {
	lock := r.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()

	logger := r.logger.With("source", source)

	wanted := make(map[string]device.Descriptor, len(reported))
	for _, d := range reported {
		if d.UniqueID == "" || d.Build == nil {
			logger.Warn("ignoring device without id or constructor", "name", d.Name)
			continue
		}
		if _, dup := wanted[d.UniqueID]; dup {
			logger.Warn("device reported twice in one batch", "id", d.UniqueID)
			continue
		}
		wanted[d.UniqueID] = d
	}

	// Diff and reserve new ids so a concurrent batch from another source
	// cannot claim them while they are being built.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	current := r.perSource[source]
	var added []device.Descriptor
	var removed []device.Device
	var kept []string
	for id, d := range wanted {
		if _, ok := current[id]; ok {
			kept = append(kept, id)
			continue
		}
		if owner, ok := r.owner[id]; ok && owner != source {
			if r.conflicts[id] != source {
				r.conflicts[id] = source
				logger.Warn("device id already owned by another source", "id", id, "owner", owner)
			}
			continue
		}
		r.owner[id] = source
		added = append(added, d)
	}
	for id, dev := range current {
		if _, ok := wanted[id]; !ok {
			removed = append(removed, dev)
		}
	}
	r.mu.Unlock()

	built := r.build(ctx, logger, source, added)

	for _, dev := range removed {
		if err := dev.Close(); err != nil {
			logger.Warn("close removed device", "id", dev.UniqueID(), "err", err)
		}
	}

	var discard bool
	changed := r.devices.Update(func(old Devices) (Devices, bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			discard = true
			return old, false
		}
		src := r.perSource[source]
		if src == nil {
			src = make(map[string]device.Device)
			r.perSource[source] = src
		}
		dirty := false
		for _, dev := range removed {
			delete(src, dev.UniqueID())
			delete(r.owner, dev.UniqueID())
			dirty = true
		}
		for i, d := range added {
			if built[i] == nil {
				delete(r.owner, d.UniqueID)
				continue
			}
			src[d.UniqueID] = built[i]
			dirty = true
		}
		metrics.RegistryDevices.WithLabelValues(string(source)).Set(float64(len(src)))
		if !dirty {
			return old, false
		}
		merged := make(Devices, len(old)+len(added))
		for _, m := range r.perSource {
			for id, dev := range m {
				merged[id] = dev
			}
		}
		return merged, true
	})

	if discard {
		for _, dev := range built {
			if dev != nil {
				dev.Close()
			}
		}
		return ErrClosed
	}

	result := "unchanged"
	if changed {
		result = "changed"
	}
	metrics.Reconciliations.WithLabelValues(string(source), result).Inc()

	r.recordSeen(logger, source, built, removed, kept)
	return nil
}

// build constructs the added devices concurrently. Failed entries are nil.
func (r *Registry) build(ctx context.Context, logger *slog.Logger, source device.Source, added []device.Descriptor) []device.Device {
	built := make([]device.Device, len(added))
	var g errgroup.Group
	g.SetLimit(maxParallelBuilds)
	for i, d := range added {
		g.Go(func() error {
			dev, err := safeBuild(ctx, d)
			if err == nil && dev.UniqueID() != d.UniqueID {
				err = fmt.Errorf("built device has id %q", dev.UniqueID())
				dev.Close()
			}
			if err != nil {
				logger.Error("device failed to initialize", "id", d.UniqueID, "err", err)
				metrics.DeviceBuildFailures.WithLabelValues(string(source)).Inc()
				return nil
			}
			built[i] = dev
			return nil
		})
	}
	g.Wait()
	return built
}

func safeBuild(ctx context.Context, d device.Descriptor) (dev device.Device, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	dev, err = d.Build(ctx)
	if err == nil && dev == nil {
		err = errors.New("constructor returned no device")
	}
	return dev, err
}

// recordSeen updates the known-device store and emits events after a batch.
func (r *Registry) recordSeen(logger *slog.Logger, source device.Source, built, removed []device.Device, kept []string) {
	now := r.now()
	for _, dev := range removed {
		info := deviceEvent(dev, r.DisplayName(dev))
		r.events.Emit(events.DeviceRemoved, info)
		r.setStatus(logger, dev.UniqueID(), store.StatusOffline)
	}
	for _, dev := range built {
		if dev == nil {
			continue
		}
		r.events.Emit(events.DeviceAdded, deviceEvent(dev, r.DisplayName(dev)))
		if r.known == nil {
			continue
		}
		var caps []string
		for _, c := range dev.Clusters() {
			caps = append(caps, c.Kind().String())
		}
		var wasOnline bool
		err := r.known.UpsertDevice(dev.UniqueID(), func(kd *store.KnownDevice) error {
			wasOnline = kd.Status == store.StatusOnline
			kd.Name = dev.Name()
			kd.Source = string(source)
			kd.Capabilities = caps
			kd.Status = store.StatusOnline
			if kd.FirstSeen.IsZero() {
				kd.FirstSeen = now
			}
			kd.LastSeen = now
			return nil
		})
		if err != nil {
			logger.Warn("persist known device", "id", dev.UniqueID(), "err", err)
			continue
		}
		if !wasOnline {
			r.events.Emit(events.DeviceStatus, StatusChange{ID: dev.UniqueID(), Status: store.StatusOnline})
		}
	}
	if r.known == nil {
		return
	}
	for _, id := range kept {
		err := r.known.UpdateDevice(id, func(kd *store.KnownDevice) error {
			kd.LastSeen = now
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("update last seen", "id", id, "err", err)
		}
	}
}

func (r *Registry) setStatus(logger *slog.Logger, id string, status store.Status) {
	if r.known == nil {
		r.events.Emit(events.DeviceStatus, StatusChange{ID: id, Status: status})
		return
	}
	var changed bool
	err := r.known.UpdateDevice(id, func(kd *store.KnownDevice) error {
		changed = kd.Status != status
		kd.Status = status
		return nil
	})
	if err != nil {
		logger.Warn("update device status", "id", id, "err", err)
		return
	}
	if changed {
		r.events.Emit(events.DeviceStatus, StatusChange{ID: id, Status: status})
	}
}

// StatusChange is the payload of device_status events.
type StatusChange struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

// DeviceEvent is the payload of device_added and device_removed events.
type DeviceEvent struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Source device.Source `json:"source"`
}

func deviceEvent(d device.Device, name string) DeviceEvent {
	return DeviceEvent{ID: d.UniqueID(), Name: name, Source: d.Source()}
}

// Subscribe calls fn with the merged map now and after every change.
func (r *Registry) Subscribe(fn func(devices Devices, initial bool)) func() {
	return r.devices.Subscribe(fn)
}

// Current returns a copy of the merged map.
func (r *Registry) Current() Devices {
	v, _ := r.devices.Current()
	return maps.Clone(v)
}

// Device returns the device registered under id.
func (r *Registry) Device(id string) (device.Device, bool) {
	v, _ := r.devices.Current()
	d, ok := v[id]
	return d, ok
}

// Sorted returns the current devices ordered by display name, then id.
func (r *Registry) Sorted() []device.Device {
	v, _ := r.devices.Current()
	out := make([]device.Device, 0, len(v))
	for _, d := range v {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := r.DisplayName(out[i]), r.DisplayName(out[j])
		if ni != nj {
			return ni < nj
		}
		return out[i].UniqueID() < out[j].UniqueID()
	})
	return out
}

// DisplayName returns the user-assigned name of d, falling back to the name
// its source reports.
func (r *Registry) DisplayName(d device.Device) string {
	r.mu.Lock()
	name, ok := r.names[d.UniqueID()]
	r.mu.Unlock()
	if ok {
		return name
	}
	return d.Name()
}

// Rename sets a custom display name. An empty name restores the source name.
func (r *Registry) Rename(id, name string) error {
	if r.known != nil {
		err := r.known.UpdateDevice(id, func(kd *store.KnownDevice) error {
			kd.CustomName = name
			return nil
		})
		if err != nil {
			return fmt.Errorf("rename %s: %w", id, err)
		}
	} else if _, ok := r.Device(id); !ok {
		return fmt.Errorf("rename %s: %w", id, store.ErrNotFound)
	}

	r.mu.Lock()
	if name == "" {
		delete(r.names, id)
	} else {
		r.names[id] = name
	}
	r.mu.Unlock()

	r.events.Emit(events.DeviceRenamed, map[string]string{"id": id, "name": name})
	return nil
}

// Known lists every device ever registered, including those currently absent.
func (r *Registry) Known() ([]*store.KnownDevice, error) {
	if r.known == nil {
		return nil, errors.New("known-device store not configured")
	}
	list, err := r.known.ListDevices()
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Sources returns the sources that have reported at least once.
func (r *Registry) Sources() []device.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Source, 0, len(r.perSource))
	for s := range r.perSource {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close disposes every device and rejects further batches.
func (r *Registry) Close() {
	var all []device.Device
	r.devices.Update(func(old Devices) (Devices, bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return old, false
		}
		r.closed = true
		for _, m := range r.perSource {
			for _, dev := range m {
				all = append(all, dev)
			}
		}
		r.perSource = make(map[device.Source]map[string]device.Device)
		r.owner = make(map[string]device.Source)
		return Devices{}, len(all) > 0
	})
	for _, dev := range all {
		if err := dev.Close(); err != nil {
			r.logger.Warn("close device", "id", dev.UniqueID(), "err", err)
		}
	}
}
