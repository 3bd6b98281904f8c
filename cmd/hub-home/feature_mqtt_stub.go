//go:build no_mqtt

package main

import (
	"log/slog"

	"hub-go-home/internal/events"
	"hub-go-home/internal/registry"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *registry.Registry, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
