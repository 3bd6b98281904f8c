package device

import (
	"fmt"
	"sort"
)

// Kind identifies a capability. The set is closed: every kind has a typed
// cluster interface and an accessor (OnOff, Level, ...) in this package.
type Kind uint8

const (
	KindOnOff Kind = iota + 1
	KindLevelControl
	KindColorControl
	KindThermostat
	KindTemperatureMeasurement
	KindRelativeHumidityMeasurement
	KindOccupancySensing
	KindIlluminanceMeasurement
	KindBooleanState
	KindWindowCovering
	KindElectricalPowerMeasurement
	KindElectricalEnergyMeasurement
	KindPowerSource
)

// ValueType is the JSON shape of a property value.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeNumber ValueType = "number"
	TypeString ValueType = "string"
	TypeColor  ValueType = "color"
)

// PropertyDef describes one property of a kind.
type PropertyDef struct {
	Name     string    `json:"name"`
	Type     ValueType `json:"type"`
	Unit     string    `json:"unit,omitempty"`
	Writable bool      `json:"writable"`
}

// KindDef describes a capability kind.
type KindDef struct {
	Kind       Kind          `json:"-"`
	Name       string        `json:"name"`
	Properties []PropertyDef `json:"properties"`
}

var kindDefs = map[Kind]KindDef{
	KindOnOff: {Name: "OnOff", Properties: []PropertyDef{
		{Name: "isOn", Type: TypeBool, Writable: true},
	}},
	KindLevelControl: {Name: "LevelControl", Properties: []PropertyDef{
		{Name: "level", Type: TypeNumber, Unit: "fraction", Writable: true},
	}},
	KindColorControl: {Name: "ColorControl", Properties: []PropertyDef{
		{Name: "color", Type: TypeColor, Writable: true},
	}},
	KindThermostat: {Name: "Thermostat", Properties: []PropertyDef{
		{Name: "currentTemperature", Type: TypeNumber, Unit: "°C"},
		{Name: "targetTemperature", Type: TypeNumber, Unit: "°C", Writable: true},
		{Name: "mode", Type: TypeString, Writable: true},
	}},
	KindTemperatureMeasurement: {Name: "TemperatureMeasurement", Properties: []PropertyDef{
		{Name: "temperature", Type: TypeNumber, Unit: "°C"},
	}},
	KindRelativeHumidityMeasurement: {Name: "RelativeHumidityMeasurement", Properties: []PropertyDef{
		{Name: "humidity", Type: TypeNumber, Unit: "%"},
	}},
	KindOccupancySensing: {Name: "OccupancySensing", Properties: []PropertyDef{
		{Name: "occupied", Type: TypeBool},
	}},
	KindIlluminanceMeasurement: {Name: "IlluminanceMeasurement", Properties: []PropertyDef{
		{Name: "illuminance", Type: TypeNumber, Unit: "lx"},
	}},
	KindBooleanState: {Name: "BooleanState", Properties: []PropertyDef{
		{Name: "state", Type: TypeBool},
	}},
	KindWindowCovering: {Name: "WindowCovering", Properties: []PropertyDef{
		{Name: "position", Type: TypeNumber, Unit: "fraction", Writable: true},
	}},
	KindElectricalPowerMeasurement: {Name: "ElectricalPowerMeasurement", Properties: []PropertyDef{
		{Name: "activePower", Type: TypeNumber, Unit: "W"},
	}},
	KindElectricalEnergyMeasurement: {Name: "ElectricalEnergyMeasurement", Properties: []PropertyDef{
		{Name: "totalEnergy", Type: TypeNumber, Unit: "kWh"},
	}},
	KindPowerSource: {Name: "PowerSource", Properties: []PropertyDef{
		{Name: "batteryLevel", Type: TypeNumber, Unit: "fraction"},
	}},
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindDefs))
	for k, def := range kindDefs {
		m[def.Name] = k
	}
	return m
}()

// Describe returns the definition of k.
func Describe(k Kind) (KindDef, bool) {
	def, ok := kindDefs[k]
	if !ok {
		return KindDef{}, false
	}
	def.Kind = k
	def.Properties = append([]PropertyDef(nil), def.Properties...)
	return def, true
}

// Kinds returns every kind, ordered by value.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindDefs))
	for k := range kindDefs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind accepts the kind name ("OnOff", "ColorControl", ...).
func ParseKind(name string) (Kind, error) {
	if k, ok := kindsByName[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown capability kind %q", name)
}

func (k Kind) String() string {
	if def, ok := kindDefs[k]; ok {
		return def.Name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindDefs[k]; !ok {
		return nil, fmt.Errorf("unknown capability kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
