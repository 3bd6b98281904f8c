//go:build !no_mqtt

// Package mqtt mirrors registry devices to an MQTT broker with Home Assistant
// discovery and accepts switch and brightness commands back.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"hub-go-home/internal/device"
	"hub-go-home/internal/events"
	"hub-go-home/internal/registry"
)

const commandTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	// ClientID defaults to "hub-go-home-" plus a random suffix.
	ClientID string `yaml:"client_id"`
}

// Bridge publishes device state and discovery and routes <prefix>/<id>/set
// commands to device properties.
type Bridge struct {
	client pahomqtt.Client
	reg    *registry.Registry
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsubs []func()

	mu      sync.Mutex
	devices map[string]device.Device
	states  map[string]map[string]any // device id -> state document
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg *registry.Registry, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hub"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hub-go-home-" + uuid.NewString()[:8]
	}
	b := newBridge(nil, reg, bus, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(client pahomqtt.Client, reg *registry.Registry, bus *events.Bus, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:  client,
		reg:     reg,
		bus:     bus,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		devices: make(map[string]device.Device),
		states:  make(map[string]map[string]any),
	}
}

// Start follows registry membership and property changes.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.reg.Subscribe(b.sync),
		b.bus.On(events.PropertyChanged, b.handlePropertyChange),
		b.bus.On(events.DeviceRenamed, b.handleRename),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect republishes everything; retained messages may have been lost
// while the broker was away.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.mu.Lock()
	devices := make([]device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.Unlock()
	for _, d := range devices {
		b.announce(d)
	}
}

// sync runs on every registry change. It must not call back into the
// registry's device cell.
func (b *Bridge) sync(current registry.Devices, _ bool) {
	b.mu.Lock()
	var added []device.Device
	var removed []string
	for id, d := range current {
		if old, ok := b.devices[id]; !ok || old != d {
			b.devices[id] = d
			b.states[id] = snapshotState(d)
			added = append(added, d)
		}
	}
	for id := range b.devices {
		if _, ok := current[id]; !ok {
			delete(b.devices, id)
			delete(b.states, id)
			removed = append(removed, id)
		}
	}
	b.mu.Unlock()

	for _, d := range added {
		b.announce(d)
	}
	for _, id := range removed {
		b.retire(id)
	}
}

// announce publishes discovery, subscribes to commands and publishes state.
func (b *Bridge) announce(d device.Device) {
	id := d.UniqueID()
	for _, msg := range buildDiscovery(d, b.reg.DisplayName(d), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	topic := b.stateTopic(id) + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(id, msg.Payload())
	})
	b.publishState(id)
	b.logger.Debug("published HA discovery", "id", id)
}

func (b *Bridge) retire(id string) {
	for _, msg := range buildRemoveDiscovery(id) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.client.Unsubscribe(b.stateTopic(id) + "/set")
	b.publish(b.stateTopic(id), nil, true)
	b.logger.Debug("removed HA discovery", "id", id)
}

func (b *Bridge) handlePropertyChange(ev events.Event) {
	change, ok := ev.Data.(registry.PropertyChange)
	if !ok {
		return
	}
	def, ok := stateKeys[change.Kind][change.Property]
	if !ok {
		return
	}
	b.mu.Lock()
	state, ok := b.states[change.ID]
	if ok {
		state[def.key] = stateValue(change.Kind, change.Property, change.Value)
	}
	b.mu.Unlock()
	if ok {
		b.publishState(change.ID)
	}
}

func (b *Bridge) handleRename(ev events.Event) {
	data, ok := ev.Data.(map[string]string)
	if !ok {
		return
	}
	b.mu.Lock()
	d, ok := b.devices[data["id"]]
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, msg := range buildDiscovery(d, b.reg.DisplayName(d), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

// command is the JSON accepted on <prefix>/<id>/set.
type command struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	b.mu.Lock()
	d, ok := b.devices[id]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "id", id)
		return
	}

	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "id", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// Brightness first so "ON" with a level lands on that level.
	if cmd.Brightness != nil {
		level, ok := device.Level(d)
		if !ok {
			b.logger.Warn("brightness command for device without level control", "id", id)
		} else {
			v := min(max(*cmd.Brightness, 0), brightnessScale) / brightnessScale
			if err := level.Level().Set(ctx, v); err != nil {
				b.logger.Warn("brightness command failed", "id", id, "err", err)
			}
		}
	}

	if cmd.State == "" {
		return
	}
	onoff, ok := device.OnOff(d)
	if !ok {
		b.logger.Warn("state command for device without on/off", "id", id)
		return
	}
	var on bool
	switch strings.ToUpper(cmd.State) {
	case "ON":
		on = true
	case "OFF":
		on = false
	case "TOGGLE":
		cur, _ := onoff.IsOn().Current()
		on = !cur
	default:
		b.logger.Warn("unknown state command", "id", id, "state", cmd.State)
		return
	}
	if err := onoff.IsOn().Set(ctx, on); err != nil {
		b.logger.Warn("state command failed", "id", id, "err", err)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishState(id string) {
	b.mu.Lock()
	state, ok := b.states[id]
	var payload []byte
	if ok {
		payload = mustJSON(state)
	}
	b.mu.Unlock()
	if ok {
		b.publish(b.stateTopic(id), payload, true)
	}
}

func (b *Bridge) stateTopic(id string) string {
	return b.prefix + "/" + deviceTopicName(id)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// snapshotState builds the state document from the device's current values.
func snapshotState(d device.Device) map[string]any {
	state := make(map[string]any)
	for _, c := range d.Clusters() {
		defs := stateKeys[c.Kind()]
		for _, p := range c.Properties() {
			def, ok := defs[p.Name()]
			if !ok {
				continue
			}
			if v, known := p.Value(); known {
				state[def.key] = stateValue(c.Kind(), p.Name(), v)
			}
		}
	}
	return state
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
