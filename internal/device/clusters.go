package device

import (
	"errors"
	"sync"
)

// Cluster is one capability instance on a device.
type Cluster interface {
	Kind() Kind
	// Properties lists the cluster properties in definition order.
	Properties() []AnyProperty
	// Close releases anything the cluster owns. It is idempotent.
	Close() error
}

type OnOffCluster interface {
	Cluster
	IsOn() *Property[bool]
}

// LevelControlCluster exposes brightness as a fraction in [0, 1].
type LevelControlCluster interface {
	Cluster
	Level() *Property[float64]
}

type ColorControlCluster interface {
	Cluster
	Color() *Property[Color]
}

type ThermostatCluster interface {
	Cluster
	CurrentTemperature() *Property[float64]
	TargetTemperature() *Property[float64]
	Mode() *Property[string]
}

type TemperatureCluster interface {
	Cluster
	Temperature() *Property[float64]
}

type HumidityCluster interface {
	Cluster
	Humidity() *Property[float64]
}

type OccupancyCluster interface {
	Cluster
	Occupied() *Property[bool]
}

type IlluminanceCluster interface {
	Cluster
	Illuminance() *Property[float64]
}

type BooleanStateCluster interface {
	Cluster
	State() *Property[bool]
}

// WindowCoveringCluster exposes the lift position, 0 closed and 1 open.
type WindowCoveringCluster interface {
	Cluster
	Position() *Property[float64]
}

type PowerCluster interface {
	Cluster
	ActivePower() *Property[float64]
}

type EnergyCluster interface {
	Cluster
	TotalEnergy() *Property[float64]
}

type PowerSourceCluster interface {
	Cluster
	BatteryLevel() *Property[float64]
}

func clusterAs[C Cluster](d Device, k Kind) (C, bool) {
	var zero C
	c, ok := d.Cluster(k)
	if !ok {
		return zero, false
	}
	typed, ok := c.(C)
	if !ok {
		return zero, false
	}
	return typed, true
}

func OnOff(d Device) (OnOffCluster, bool) { return clusterAs[OnOffCluster](d, KindOnOff) }
func Level(d Device) (LevelControlCluster, bool) {
	return clusterAs[LevelControlCluster](d, KindLevelControl)
}
func ColorControl(d Device) (ColorControlCluster, bool) {
	return clusterAs[ColorControlCluster](d, KindColorControl)
}
func Thermostat(d Device) (ThermostatCluster, bool) {
	return clusterAs[ThermostatCluster](d, KindThermostat)
}
func Temperature(d Device) (TemperatureCluster, bool) {
	return clusterAs[TemperatureCluster](d, KindTemperatureMeasurement)
}
func Humidity(d Device) (HumidityCluster, bool) {
	return clusterAs[HumidityCluster](d, KindRelativeHumidityMeasurement)
}
func Occupancy(d Device) (OccupancyCluster, bool) {
	return clusterAs[OccupancyCluster](d, KindOccupancySensing)
}
func Illuminance(d Device) (IlluminanceCluster, bool) {
	return clusterAs[IlluminanceCluster](d, KindIlluminanceMeasurement)
}
func BooleanState(d Device) (BooleanStateCluster, bool) {
	return clusterAs[BooleanStateCluster](d, KindBooleanState)
}
func WindowCovering(d Device) (WindowCoveringCluster, bool) {
	return clusterAs[WindowCoveringCluster](d, KindWindowCovering)
}
func Power(d Device) (PowerCluster, bool) {
	return clusterAs[PowerCluster](d, KindElectricalPowerMeasurement)
}
func Energy(d Device) (EnergyCluster, bool) {
	return clusterAs[EnergyCluster](d, KindElectricalEnergyMeasurement)
}
func PowerSource(d Device) (PowerSourceCluster, bool) {
	return clusterAs[PowerSourceCluster](d, KindPowerSource)
}

// PropertyOf looks up a property by kind and name on d.
func PropertyOf(d Device, k Kind, name string) (AnyProperty, bool) {
	c, ok := d.Cluster(k)
	if !ok {
		return nil, false
	}
	for _, p := range c.Properties() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// ClusterOption configures the stock cluster implementations.
type ClusterOption func(*clusterBase)

// WithCloser runs fn when the cluster is closed.
func WithCloser(fn func() error) ClusterOption {
	return func(b *clusterBase) { b.closers = append(b.closers, fn) }
}

type clusterBase struct {
	kind    Kind
	props   []AnyProperty
	closers []func() error

	once sync.Once
	err  error
}

func (b *clusterBase) init(kind Kind, opts []ClusterOption, props ...AnyProperty) {
	b.kind = kind
	b.props = props
	for _, o := range opts {
		o(b)
	}
}

func (b *clusterBase) Kind() Kind { return b.kind }

func (b *clusterBase) Properties() []AnyProperty {
	return append([]AnyProperty(nil), b.props...)
}

func (b *clusterBase) Close() error {
	b.once.Do(func() {
		for _, p := range b.props {
			p.markClosed()
		}
		var errs []error
		for _, fn := range b.closers {
			errs = append(errs, fn())
		}
		b.err = errors.Join(errs...)
	})
	return b.err
}

// The stock implementations below are what adapters normally use: they wire
// each property to a source-specific Writer (nil for read-only values) and
// publish observations with Report.

type OnOffState struct {
	clusterBase
	isOn *Property[bool]
}

func NewOnOff(write Writer[bool], opts ...ClusterOption) *OnOffState {
	c := &OnOffState{isOn: NewProperty("isOn", write)}
	c.init(KindOnOff, opts, c.isOn)
	return c
}

func (c *OnOffState) IsOn() *Property[bool] { return c.isOn }

type LevelState struct {
	clusterBase
	level *Property[float64]
}

func NewLevelControl(write Writer[float64], opts ...ClusterOption) *LevelState {
	c := &LevelState{level: NewProperty("level", write)}
	c.init(KindLevelControl, opts, c.level)
	return c
}

func (c *LevelState) Level() *Property[float64] { return c.level }

type ColorState struct {
	clusterBase
	color *Property[Color]
}

func NewColorControl(write Writer[Color], opts ...ClusterOption) *ColorState {
	c := &ColorState{color: NewProperty("color", write)}
	c.init(KindColorControl, opts, c.color)
	return c
}

func (c *ColorState) Color() *Property[Color] { return c.color }

type ThermostatState struct {
	clusterBase
	current *Property[float64]
	target  *Property[float64]
	mode    *Property[string]
}

func NewThermostat(writeTarget Writer[float64], writeMode Writer[string], opts ...ClusterOption) *ThermostatState {
	c := &ThermostatState{
		current: NewProperty[float64]("currentTemperature", nil),
		target:  NewProperty("targetTemperature", writeTarget),
		mode:    NewProperty("mode", writeMode),
	}
	c.init(KindThermostat, opts, c.current, c.target, c.mode)
	return c
}

func (c *ThermostatState) CurrentTemperature() *Property[float64] { return c.current }
func (c *ThermostatState) TargetTemperature() *Property[float64]  { return c.target }
func (c *ThermostatState) Mode() *Property[string]                { return c.mode }

// Sensor is the stock implementation for single read-only value kinds.
type Sensor[V comparable] struct {
	clusterBase
	value *Property[V]
}

func newSensor[V comparable](kind Kind, name string, opts []ClusterOption) *Sensor[V] {
	s := &Sensor[V]{value: NewProperty[V](name, nil)}
	s.init(kind, opts, s.value)
	return s
}

// Report publishes a new reading.
func (s *Sensor[V]) Report(v V) { s.value.Report(v) }

// Reading returns the underlying property.
func (s *Sensor[V]) Reading() *Property[V] { return s.value }

func (s *Sensor[V]) Temperature() *Property[V]  { return s.value }
func (s *Sensor[V]) Humidity() *Property[V]     { return s.value }
func (s *Sensor[V]) Occupied() *Property[V]     { return s.value }
func (s *Sensor[V]) Illuminance() *Property[V]  { return s.value }
func (s *Sensor[V]) State() *Property[V]        { return s.value }
func (s *Sensor[V]) ActivePower() *Property[V]  { return s.value }
func (s *Sensor[V]) TotalEnergy() *Property[V]  { return s.value }
func (s *Sensor[V]) BatteryLevel() *Property[V] { return s.value }

func NewTemperature(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindTemperatureMeasurement, "temperature", opts)
}

func NewHumidity(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindRelativeHumidityMeasurement, "humidity", opts)
}

func NewOccupancy(opts ...ClusterOption) *Sensor[bool] {
	return newSensor[bool](KindOccupancySensing, "occupied", opts)
}

func NewIlluminance(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindIlluminanceMeasurement, "illuminance", opts)
}

func NewBooleanState(opts ...ClusterOption) *Sensor[bool] {
	return newSensor[bool](KindBooleanState, "state", opts)
}

func NewPower(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindElectricalPowerMeasurement, "activePower", opts)
}

func NewEnergy(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindElectricalEnergyMeasurement, "totalEnergy", opts)
}

func NewPowerSource(opts ...ClusterOption) *Sensor[float64] {
	return newSensor[float64](KindPowerSource, "batteryLevel", opts)
}

type WindowCoveringState struct {
	clusterBase
	position *Property[float64]
}

func NewWindowCovering(write Writer[float64], opts ...ClusterOption) *WindowCoveringState {
	c := &WindowCoveringState{position: NewProperty("position", write)}
	c.init(KindWindowCovering, opts, c.position)
	return c
}

func (c *WindowCoveringState) Position() *Property[float64] { return c.position }
