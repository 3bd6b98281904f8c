// Package device defines the canonical device model shared by every
// integration: devices carry a unique id, a display name, the source that
// reported them and a set of capability clusters with observable properties.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Source tags the integration that reported a device.
type Source string

const (
	SourceWLED           Source = "wled"
	SourceMatter         Source = "matter"
	SourceTuya           Source = "tuya"
	SourceHomeWizard     Source = "homewizard"
	SourceEWeLink        Source = "ewelink"
	SourceSmartThings    Source = "smartthings"
	SourceAndroidControl Source = "android-control"
	SourceLEDStrip       Source = "led-strip"
	SourceVirtual        Source = "virtual"
)

// Device is the canonical entity consumers work with.
type Device interface {
	UniqueID() string
	Name() string
	Source() Source
	// Clusters returns the capability instances in order.
	Clusters() []Cluster
	// Cluster returns the instance of kind k, if the device has one.
	Cluster(k Kind) (Cluster, bool)
	// Endpoints returns child devices of a composite device.
	Endpoints() []Device
	// Close releases the device's resources. Only the first call does work.
	Close() error
}

// Option configures a Base.
type Option func(*Base)

// WithEndpoints attaches child devices. They are closed with the parent.
func WithEndpoints(eps ...Device) Option {
	return func(b *Base) { b.endpoints = append(b.endpoints, eps...) }
}

// WithCleanup registers fn to run on Close after the clusters are closed.
func WithCleanup(fn func() error) Option {
	return func(b *Base) { b.cleanups = append(b.cleanups, fn) }
}

// Base is a ready-made Device implementation for adapters.
type Base struct {
	id        string
	name      string
	source    Source
	clusters  []Cluster
	byKind    map[Kind]Cluster
	endpoints []Device
	cleanups  []func() error

	once     sync.Once
	closeErr error
}

// New builds a device. It fails when id is empty or two clusters share a kind.
func New(id, name string, source Source, clusters []Cluster, opts ...Option) (*Base, error) {
	if id == "" {
		return nil, errors.New("device id is empty")
	}
	b := &Base{
		id:       id,
		name:     name,
		source:   source,
		clusters: clusters,
		byKind:   make(map[Kind]Cluster, len(clusters)),
	}
	for _, c := range clusters {
		if _, dup := b.byKind[c.Kind()]; dup {
			return nil, fmt.Errorf("device %s: duplicate %s cluster", id, c.Kind())
		}
		b.byKind[c.Kind()] = c
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Base) UniqueID() string { return b.id }
func (b *Base) Name() string     { return b.name }
func (b *Base) Source() Source   { return b.source }

func (b *Base) Clusters() []Cluster {
	return append([]Cluster(nil), b.clusters...)
}

func (b *Base) Cluster(k Kind) (Cluster, bool) {
	c, ok := b.byKind[k]
	return c, ok
}

func (b *Base) Endpoints() []Device {
	return append([]Device(nil), b.endpoints...)
}

func (b *Base) Close() error {
	b.once.Do(func() {
		var errs []error
		for _, ep := range b.endpoints {
			errs = append(errs, ep.Close())
		}
		for _, c := range b.clusters {
			errs = append(errs, c.Close())
		}
		for _, fn := range b.cleanups {
			errs = append(errs, fn())
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}

// Descriptor is what an adapter reports for each device it currently sees.
// The registry calls Build only for ids that are new to it, so an adapter may
// report the same id on every poll without creating duplicate connections.
type Descriptor struct {
	UniqueID string
	Name     string
	Build    func(ctx context.Context) (Device, error)
}

// Static wraps an already constructed device. If the registry rejects it
// (the id is taken by another source) it is not closed by the registry.
func Static(d Device) Descriptor {
	return Descriptor{
		UniqueID: d.UniqueID(),
		Name:     d.Name(),
		Build:    func(context.Context) (Device, error) { return d, nil },
	}
}

// Info is the JSON view of a device.
type Info struct {
	UniqueID  string        `json:"uniqueId"`
	Name      string        `json:"name"`
	Source    Source        `json:"source"`
	Clusters  []ClusterInfo `json:"clusters"`
	Endpoints []Info        `json:"endpoints,omitempty"`
}

// ClusterInfo is the JSON view of a cluster.
type ClusterInfo struct {
	Kind       Kind           `json:"kind"`
	Properties map[string]any `json:"properties"`
}

// DescribeDevice snapshots d for serialization. Unknown property values are
// reported as null.
func DescribeDevice(d Device) Info {
	info := Info{
		UniqueID: d.UniqueID(),
		Name:     d.Name(),
		Source:   d.Source(),
		Clusters: []ClusterInfo{},
	}
	for _, c := range d.Clusters() {
		ci := ClusterInfo{Kind: c.Kind(), Properties: map[string]any{}}
		for _, p := range c.Properties() {
			if v, ok := p.Value(); ok {
				ci.Properties[p.Name()] = v
			} else {
				ci.Properties[p.Name()] = nil
			}
		}
		info.Clusters = append(info.Clusters, ci)
	}
	for _, ep := range d.Endpoints() {
		info.Endpoints = append(info.Endpoints, DescribeDevice(ep))
	}
	return info
}
