// Package virtual provides in-memory devices declared in the config file.
// Writes are accepted and echoed back as the new state, so virtual devices
// behave like well-mannered hardware for dashboards, demos and tests.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"hub-go-home/internal/device"
)

// Registrar receives the device list. *registry.Registry implements it.
type Registrar interface {
	SetDevices(ctx context.Context, source device.Source, devices []device.Descriptor) error
}

// Config declares one device. Values seeds properties, keyed
// "<Kind>.<property>", e.g. "TemperatureMeasurement.temperature: 21.5".
type Config struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Capabilities []string       `yaml:"capabilities"`
	Values       map[string]any `yaml:"values,omitempty"`
}

func (c Config) displayName() string {
	if c.Name == "" {
		return c.ID
	}
	return c.Name
}

// DeviceID is the registry id for a declared device.
func DeviceID(id string) string {
	return string(device.SourceVirtual) + ":" + id
}

// Validate checks ids, kinds and seed keys.
func Validate(cfgs []Config) error {
	var errs []error
	seen := map[string]bool{}
	for i, c := range cfgs {
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("virtual[%d]: id is required", i))
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("virtual[%d]: duplicate id %q", i, c.ID))
		}
		seen[c.ID] = true
		if len(c.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("virtual %q: no capabilities", c.ID))
		}
		kinds := map[device.Kind]bool{}
		for _, name := range c.Capabilities {
			k, err := device.ParseKind(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("virtual %q: %w", c.ID, err))
				continue
			}
			kinds[k] = true
		}
		for key := range c.Values {
			kindName, prop, ok := strings.Cut(key, ".")
			k, err := device.ParseKind(kindName)
			if !ok || err != nil || !kinds[k] || !hasProperty(k, prop) {
				errs = append(errs, fmt.Errorf("virtual %q: unknown value key %q", c.ID, key))
			}
		}
	}
	return errors.Join(errs...)
}

func hasProperty(k device.Kind, name string) bool {
	def, _ := device.Describe(k)
	for _, p := range def.Properties {
		if p.Name == name {
			return true
		}
	}
	return false
}

// NewDevice builds a device from c. Writable properties accept any value;
// read-only ones only change through seeding or Report on the typed cluster.
func NewDevice(c Config) (device.Device, error) {
	clusters := make([]device.Cluster, 0, len(c.Capabilities))
	for _, name := range c.Capabilities {
		k, err := device.ParseKind(name)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, newCluster(k))
	}
	d, err := device.New(DeviceID(c.ID), c.displayName(), device.SourceVirtual, clusters)
	if err != nil {
		return nil, err
	}
	for key, v := range c.Values {
		kindName, prop, _ := strings.Cut(key, ".")
		k, err := device.ParseKind(kindName)
		if err != nil {
			return nil, err
		}
		if err := seed(d, k, prop, v); err != nil {
			return nil, fmt.Errorf("virtual %q: seed %s: %w", c.ID, key, err)
		}
	}
	return d, nil
}

func accept[V any](context.Context, V) error { return nil }

func newCluster(k device.Kind) device.Cluster {
	switch k {
	case device.KindOnOff:
		return device.NewOnOff(accept[bool])
	case device.KindLevelControl:
		return device.NewLevelControl(accept[float64])
	case device.KindColorControl:
		return device.NewColorControl(accept[device.Color])
	case device.KindThermostat:
		return device.NewThermostat(accept[float64], accept[string])
	case device.KindTemperatureMeasurement:
		return device.NewTemperature()
	case device.KindRelativeHumidityMeasurement:
		return device.NewHumidity()
	case device.KindOccupancySensing:
		return device.NewOccupancy()
	case device.KindIlluminanceMeasurement:
		return device.NewIlluminance()
	case device.KindBooleanState:
		return device.NewBooleanState()
	case device.KindWindowCovering:
		return device.NewWindowCovering(accept[float64])
	case device.KindElectricalPowerMeasurement:
		return device.NewPower()
	case device.KindElectricalEnergyMeasurement:
		return device.NewEnergy()
	default:
		return device.NewPowerSource()
	}
}

func seed(d device.Device, k device.Kind, prop string, v any) error {
	c, ok := d.Cluster(k)
	if !ok {
		return fmt.Errorf("no %s cluster", k)
	}
	switch c := c.(type) {
	case *device.Sensor[float64]:
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		c.Report(f)
		return nil
	case *device.Sensor[bool]:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		c.Report(b)
		return nil
	case *device.ThermostatState:
		if prop == "currentTemperature" {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			c.CurrentTemperature().Report(f)
			return nil
		}
	}
	p, ok := device.PropertyOf(d, k, prop)
	if !ok {
		return fmt.Errorf("no property %q", prop)
	}
	return p.SetValue(context.Background(), v)
}

func toFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}

// Source registers the declared devices once.
type Source struct {
	cfgs   []Config
	reg    Registrar
	logger *slog.Logger
}

func NewSource(cfgs []Config, reg Registrar, logger *slog.Logger) *Source {
	return &Source{cfgs: cfgs, reg: reg, logger: logger.With("component", "virtual")}
}

func (s *Source) Start(ctx context.Context) error {
	descs := make([]device.Descriptor, 0, len(s.cfgs))
	for _, c := range s.cfgs {
		descs = append(descs, device.Descriptor{
			UniqueID: DeviceID(c.ID),
			Name:     c.displayName(),
			Build: func(context.Context) (device.Device, error) {
				return NewDevice(c)
			},
		})
	}
	if err := s.reg.SetDevices(ctx, device.SourceVirtual, descs); err != nil {
		return fmt.Errorf("register virtual devices: %w", err)
	}
	s.logger.Info("virtual devices registered", "count", len(descs))
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	return s.reg.SetDevices(ctx, device.SourceVirtual, nil)
}
