//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"math"
	"strings"

	"hub-go-home/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/hub_virtual_desk/temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	StateOn             string   `json:"state_on,omitempty"`
	StateOff            string   `json:"state_off,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// brightnessScale is the HA brightness range; levels are fractions.
const brightnessScale = 254

// sensorDef describes how one read-only property is exposed.
type sensorDef struct {
	key         string
	suffix      string
	component   string
	deviceClass string
	unit        string
	stateClass  string
}

// stateKeys maps (kind, property) to the key in the device's state document.
var stateKeys = map[device.Kind]map[string]sensorDef{
	device.KindOnOff:        {"isOn": {key: "state"}},
	device.KindLevelControl: {"level": {key: "brightness"}},
	device.KindColorControl: {"color": {key: "color"}},
	device.KindThermostat: {
		"currentTemperature": {key: "current_temperature", suffix: "Current temperature", component: "sensor", deviceClass: "temperature", unit: "°C", stateClass: "measurement"},
		"targetTemperature":  {key: "target_temperature", suffix: "Target temperature", component: "sensor", deviceClass: "temperature", unit: "°C"},
		"mode":               {key: "mode", suffix: "Mode", component: "sensor"},
	},
	device.KindTemperatureMeasurement: {
		"temperature": {key: "temperature", suffix: "Temperature", component: "sensor", deviceClass: "temperature", unit: "°C", stateClass: "measurement"},
	},
	device.KindRelativeHumidityMeasurement: {
		"humidity": {key: "humidity", suffix: "Humidity", component: "sensor", deviceClass: "humidity", unit: "%", stateClass: "measurement"},
	},
	device.KindIlluminanceMeasurement: {
		"illuminance": {key: "illuminance", suffix: "Illuminance", component: "sensor", deviceClass: "illuminance", unit: "lx", stateClass: "measurement"},
	},
	device.KindOccupancySensing: {
		"occupied": {key: "occupancy", suffix: "Occupancy", component: "binary_sensor", deviceClass: "occupancy"},
	},
	device.KindBooleanState: {
		"state": {key: "contact", suffix: "State", component: "binary_sensor", deviceClass: "opening"},
	},
	device.KindWindowCovering: {
		"position": {key: "position", suffix: "Position", component: "sensor", unit: "%"},
	},
	device.KindElectricalPowerMeasurement: {
		"activePower": {key: "power", suffix: "Power", component: "sensor", deviceClass: "power", unit: "W", stateClass: "measurement"},
	},
	device.KindElectricalEnergyMeasurement: {
		"totalEnergy": {key: "energy", suffix: "Energy", component: "sensor", deviceClass: "energy", unit: "kWh", stateClass: "total_increasing"},
	},
	device.KindPowerSource: {
		"batteryLevel": {key: "battery", suffix: "Battery", component: "sensor", deviceClass: "battery", unit: "%", stateClass: "measurement"},
	},
}

// stateValue converts a property value to its state document form: ON/OFF for
// switches, 0-254 for brightness and percentages for fractions.
func stateValue(k device.Kind, prop string, v any) any {
	switch {
	case k == device.KindOnOff && prop == "isOn":
		if on, ok := v.(bool); ok {
			if on {
				return "ON"
			}
			return "OFF"
		}
	case k == device.KindLevelControl && prop == "level":
		if f, ok := v.(float64); ok {
			return int(math.Round(f * brightnessScale))
		}
	case k == device.KindWindowCovering, k == device.KindPowerSource:
		if f, ok := v.(float64); ok {
			return math.Round(f * 100)
		}
	case k == device.KindColorControl:
		if c, ok := v.(device.Color); ok {
			return map[string]float64{"h": c.Hue, "s": c.Saturation * 100}
		}
	}
	return v
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "hub_" + sanitize(id)
}

// deviceTopicName returns the topic segment for a device id.
func deviceTopicName(id string) string {
	return sanitize(id)
}

// sanitize lowercases s and keeps only characters safe for MQTT topics.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

func hasKind(d device.Device, k device.Kind) bool {
	for _, c := range d.Clusters() {
		if c.Kind() == k {
			return true
		}
	}
	return false
}

// buildDiscovery generates HA discovery messages for a device based on its
// capabilities.
func buildDiscovery(d device.Device, displayName, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(d.UniqueID())
	nodeID := deviceIdentifier(d.UniqueID())

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: string(d.Source()),
		Name:         displayName,
	}

	var msgs []discoveryMsg
	switch {
	case hasKind(d, device.KindOnOff) && hasKind(d, device.KindLevelControl):
		msgs = append(msgs, buildLight(nodeID, displayName, stateTopic, avail, haDev))
	case hasKind(d, device.KindOnOff):
		msgs = append(msgs, buildSwitch(nodeID, displayName, stateTopic, avail, haDev))
	}

	for _, c := range d.Clusters() {
		defs := stateKeys[c.Kind()]
		for _, p := range c.Properties() {
			def, ok := defs[p.Name()]
			if !ok || def.component == "" {
				continue
			}
			msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev, def))
		}
	}
	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice, def sensorDef) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", def.component, nodeID, def.key)
	payload := haDiscovery{
		Name:              displayName + " " + def.suffix,
		UniqueID:          nodeID + "_" + def.key,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		UnitOfMeasurement: def.unit,
		DeviceClass:       def.deviceClass,
		StateClass:        def.stateClass,
		Device:            haDev,
	}
	if def.component == "binary_sensor" {
		payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", def.key)
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
	} else {
		payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", def.key)
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:                displayName,
		UniqueID:            nodeID + "_light",
		StateTopic:          stateTopic,
		CommandTopic:        stateTopic + "/set",
		AvailabilityTopic:   avail,
		Brightness:          true,
		SupportedColorModes: []string{"brightness"},
		BrightnessScale:     brightnessScale,
		Schema:              "json",
		Device:              haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         `{"state": "ON"}`,
		PayloadOff:        `{"state": "OFF"}`,
		StateOn:           "ON",
		StateOff:          "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device
// from HA.
func buildRemoveDiscovery(id string) []discoveryMsg {
	nodeID := deviceIdentifier(id)
	var msgs []discoveryMsg
	add := func(component, obj string) {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, obj),
		})
	}
	add("light", "light")
	add("switch", "switch")
	for _, defs := range stateKeys {
		for _, def := range defs {
			if def.component != "" {
				add(def.component, def.key)
			}
		}
	}
	return msgs
}
