//go:build no_automation

package main

import (
	"log/slog"

	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *registry.Registry, _ *events.Bus, _ *keyval.Store, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
