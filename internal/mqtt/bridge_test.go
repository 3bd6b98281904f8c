//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/sources/virtual"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes and subscriptions. Methods the bridge never
// calls are left to the embedded nil interface.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	published    []published
	handlers     map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]pahomqtt.MessageHandler{}}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, payload: data, retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// last returns the most recent payload published to topic.
func (c *fakeClient) last(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload, true
		}
	}
	return nil, false
}

func (c *fakeClient) send(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	cb, ok := c.handlers[topic]
	c.mu.Unlock()
	require.True(t, ok, "no subscription for %s", topic)
	cb(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fixture struct {
	client *fakeClient
	reg    *registry.Registry
	bridge *Bridge
}

func newFixture(t *testing.T, cfgs ...virtual.Config) *fixture {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(logger)
	reg, err := registry.New(logger, registry.WithEvents(bus))
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	t.Cleanup(reg.WatchProperties(bus))

	setVirtual(t, reg, cfgs...)

	client := newFakeClient()
	b := newBridge(client, reg, bus, "hub", logger)
	b.Start()
	return &fixture{client: client, reg: reg, bridge: b}
}

func setVirtual(t *testing.T, reg *registry.Registry, cfgs ...virtual.Config) {
	t.Helper()
	descs := make([]device.Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		d, err := virtual.NewDevice(c)
		require.NoError(t, err)
		descs = append(descs, device.Static(d))
	}
	require.NoError(t, reg.SetDevices(context.Background(), device.SourceVirtual, descs))
}

func (f *fixture) state(t *testing.T, id string) map[string]any {
	t.Helper()
	payload, ok := f.client.last("hub/" + deviceTopicName(id))
	require.True(t, ok, "no state published for %s", id)
	var state map[string]any
	require.NoError(t, json.Unmarshal(payload, &state))
	return state
}

var (
	desk = virtual.Config{
		ID:           "desk",
		Name:         "Desk lamp",
		Capabilities: []string{"OnOff", "LevelControl"},
		Values:       map[string]any{"OnOff.isOn": false, "LevelControl.level": 0.5},
	}
	plug = virtual.Config{
		ID:           "plug",
		Name:         "Heater plug",
		Capabilities: []string{"OnOff", "ElectricalPowerMeasurement"},
		Values:       map[string]any{"OnOff.isOn": true, "ElectricalPowerMeasurement.activePower": 1200},
	}
	climate = virtual.Config{
		ID:           "climate",
		Name:         "Kitchen Sensor",
		Capabilities: []string{"TemperatureMeasurement", "RelativeHumidityMeasurement", "OccupancySensing", "PowerSource"},
		Values:       map[string]any{"TemperatureMeasurement.temperature": 21.5, "PowerSource.batteryLevel": 0.87},
	}
)

func discoveryTopics(msgs []discoveryMsg) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Topic)
	}
	return out
}

func TestDiscoveryLightVsSwitch(t *testing.T) {
	lamp, err := virtual.NewDevice(desk)
	require.NoError(t, err)
	topics := discoveryTopics(buildDiscovery(lamp, "Desk lamp", "hub"))
	assert.Contains(t, topics, "homeassistant/light/hub_virtual_desk/light/config")
	assert.NotContains(t, topics, "homeassistant/switch/hub_virtual_desk/switch/config")

	sw, err := virtual.NewDevice(plug)
	require.NoError(t, err)
	topics = discoveryTopics(buildDiscovery(sw, "Heater plug", "hub"))
	assert.Contains(t, topics, "homeassistant/switch/hub_virtual_plug/switch/config")
	assert.Contains(t, topics, "homeassistant/sensor/hub_virtual_plug/power/config")
	assert.NotContains(t, topics, "homeassistant/light/hub_virtual_plug/light/config")
}

func TestDiscoveryLightHasCommandTopic(t *testing.T) {
	lamp, err := virtual.NewDevice(desk)
	require.NoError(t, err)

	msgs := buildDiscovery(lamp, "Desk lamp", "hub")
	require.NotEmpty(t, msgs)
	var payload haDiscovery
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "hub/virtual_desk/set", payload.CommandTopic)
	assert.Equal(t, "hub/virtual_desk", payload.StateTopic)
	assert.Equal(t, "hub/bridge/state", payload.AvailabilityTopic)
	assert.Equal(t, "json", payload.Schema)
	assert.Equal(t, brightnessScale, payload.BrightnessScale)
}

func TestDiscoverySensors(t *testing.T) {
	d, err := virtual.NewDevice(climate)
	require.NoError(t, err)

	msgs := buildDiscovery(d, "Kitchen Sensor", "hub")
	byTopic := map[string]haDiscovery{}
	for _, m := range msgs {
		var p haDiscovery
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		byTopic[m.Topic] = p
	}
	require.Len(t, byTopic, 4)

	temp, ok := byTopic["homeassistant/sensor/hub_virtual_climate/temperature/config"]
	require.True(t, ok)
	assert.Equal(t, "Kitchen Sensor Temperature", temp.Name)
	assert.Equal(t, "hub_virtual_climate_temperature", temp.UniqueID)
	assert.Equal(t, "°C", temp.UnitOfMeasurement)
	assert.Equal(t, "{{ value_json.temperature }}", temp.ValueTemplate)
	assert.Equal(t, []string{"hub_virtual_climate"}, temp.Device.Identifiers)

	occ, ok := byTopic["homeassistant/binary_sensor/hub_virtual_climate/occupancy/config"]
	require.True(t, ok)
	assert.Equal(t, "occupancy", occ.DeviceClass)
	assert.Equal(t, "ON", occ.PayloadOn)

	_, ok = byTopic["homeassistant/sensor/hub_virtual_climate/battery/config"]
	assert.True(t, ok)
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("virtual:desk")
	topics := discoveryTopics(msgs)
	assert.Contains(t, topics, "homeassistant/light/hub_virtual_desk/light/config")
	assert.Contains(t, topics, "homeassistant/sensor/hub_virtual_desk/temperature/config")
	for _, m := range msgs {
		assert.Empty(t, m.Payload, m.Topic)
	}
}

func TestStateValue(t *testing.T) {
	tests := []struct {
		kind device.Kind
		prop string
		in   any
		want any
	}{
		{device.KindOnOff, "isOn", true, "ON"},
		{device.KindOnOff, "isOn", false, "OFF"},
		{device.KindLevelControl, "level", 0.5, 127},
		{device.KindLevelControl, "level", 1.0, 254},
		{device.KindPowerSource, "batteryLevel", 0.873, 87.0},
		{device.KindWindowCovering, "position", 0.25, 25.0},
		{device.KindColorControl, "color", device.Color{Hue: 30, Saturation: 0.5, Value: 1}, map[string]float64{"h": 30, "s": 50}},
		{device.KindTemperatureMeasurement, "temperature", 21.5, 21.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stateValue(tt.kind, tt.prop, tt.in), "%v.%s", tt.kind, tt.prop)
	}
}

func TestDeviceTopicName(t *testing.T) {
	assert.Equal(t, "virtual_desk", deviceTopicName("virtual:desk"))
	assert.Equal(t, "homewizard_10_0_0_5", deviceTopicName("homewizard:10.0.0.5"))
	assert.Equal(t, "led-strip_main", deviceTopicName("LED-Strip:Main"))
}

func TestBridgePublishesState(t *testing.T) {
	f := newFixture(t, desk, climate)

	assert.Equal(t, map[string]any{"state": "OFF", "brightness": 127.0}, f.state(t, "virtual:desk"))
	assert.Equal(t, map[string]any{"temperature": 21.5, "battery": 87.0}, f.state(t, "virtual:climate"))

	_, ok := f.client.last("homeassistant/light/hub_virtual_desk/light/config")
	assert.True(t, ok, "discovery published")

	// Property changes update the retained state document.
	d, _ := f.reg.Device("virtual:climate")
	temp, _ := device.Temperature(d)
	temp.Temperature().Report(22)
	assert.Equal(t, 22.0, f.state(t, "virtual:climate")["temperature"])
}

func TestBridgeCommands(t *testing.T) {
	f := newFixture(t, desk)

	f.client.send(t, "hub/virtual_desk/set", `{"state": "ON", "brightness": 254}`)
	state := f.state(t, "virtual:desk")
	assert.Equal(t, "ON", state["state"])
	assert.Equal(t, 254.0, state["brightness"])

	f.client.send(t, "hub/virtual_desk/set", `{"state": "toggle"}`)
	assert.Equal(t, "OFF", f.state(t, "virtual:desk")["state"])

	f.client.send(t, "hub/virtual_desk/set", `{"brightness": 999}`)
	d, _ := f.reg.Device("virtual:desk")
	level, _ := device.Level(d)
	l, _ := level.Level().Current()
	assert.Equal(t, 1.0, l)

	// Garbage is ignored.
	f.client.send(t, "hub/virtual_desk/set", `not json`)
	f.client.send(t, "hub/virtual_desk/set", `{"state": "DIM"}`)
	assert.Equal(t, "OFF", f.state(t, "virtual:desk")["state"])
}

func TestBridgeRemovesDevices(t *testing.T) {
	f := newFixture(t, desk)

	setVirtual(t, f.reg)

	payload, ok := f.client.last("hub/virtual_desk")
	require.True(t, ok)
	assert.Empty(t, payload, "retained state cleared")
	payload, ok = f.client.last("homeassistant/light/hub_virtual_desk/light/config")
	require.True(t, ok)
	assert.Empty(t, payload, "discovery removed")

	f.client.mu.Lock()
	_, subscribed := f.client.handlers["hub/virtual_desk/set"]
	f.client.mu.Unlock()
	assert.False(t, subscribed)
}

func TestBridgeRenameRepublishesDiscovery(t *testing.T) {
	logger := testLogger()
	bus := events.NewBus(logger)
	reg, err := registry.New(logger, registry.WithEvents(bus))
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	setVirtual(t, reg, plug)

	client := newFakeClient()
	b := newBridge(client, reg, bus, "hub", logger)
	b.Start()

	require.NoError(t, reg.Rename("virtual:plug", "Space heater"))
	payload, ok := client.last("homeassistant/switch/hub_virtual_plug/switch/config")
	require.True(t, ok)
	assert.True(t, strings.Contains(string(payload), `"name":"Space heater"`), string(payload))
}

func TestBridgeStopPublishesOffline(t *testing.T) {
	f := newFixture(t)
	f.bridge.onConnect()
	payload, _ := f.client.last("hub/bridge/state")
	assert.Equal(t, "online", string(payload))

	f.bridge.Stop()
	payload, _ = f.client.last("hub/bridge/state")
	assert.Equal(t, "offline", string(payload))
	assert.True(t, f.client.disconnected)
}
