//go:build !no_automation

package main

import (
	"log/slog"

	"hub-go-home/internal/automation"
	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(reg *registry.Registry, bus *events.Bus, kv *keyval.Store, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(reg, bus, scriptMgr, logger, automation.WithKeyval(kv))
	engine.Start()

	return &autoStopper{engine: engine}, []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
}
