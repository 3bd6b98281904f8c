package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/kvstore"
	"hub-go-home/internal/poller"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/sources/homewizard"
	"hub-go-home/internal/sources/ledstrip"
	"hub-go-home/internal/sources/virtual"
	"hub-go-home/internal/store"
	"hub-go-home/internal/wakelight"
	"hub-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Database struct {
		Dir string `yaml:"dir"`
	} `yaml:"database"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Poll struct {
		Interval    time.Duration `yaml:"interval"`
		MaxInterval time.Duration `yaml:"max_interval"`
	} `yaml:"poll"`
	HomeWizard []homewizard.Config `yaml:"homewizard"`
	LEDStrip   struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"led_strip"`
	Virtual      []virtual.Config `yaml:"virtual"`
	KeyvalGroups keyval.Groups    `yaml:"keyval_groups"`
	ScriptsDir   string           `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	var errs []error
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	for i, hw := range c.HomeWizard {
		if hw.IP == "" {
			errs = append(errs, fmt.Errorf("homewizard[%d]: ip is required", i))
		}
	}
	if c.LEDStrip.Baud < 0 {
		errs = append(errs, fmt.Errorf("led_strip.baud must be positive, got %d", c.LEDStrip.Baud))
	}
	if c.Poll.Interval < 0 || c.Poll.MaxInterval < 0 {
		errs = append(errs, errors.New("poll intervals must not be negative"))
	}
	if err := virtual.Validate(c.Virtual); err != nil {
		errs = append(errs, err)
	}
	if err := c.KeyvalGroups.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("keyval_groups: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) pollerOptions(logger *slog.Logger) []poller.Option {
	opts := []poller.Option{poller.WithLogger(logger)}
	if c.Poll.Interval > 0 {
		opts = append(opts, poller.WithInterval(c.Poll.Interval))
	}
	if c.Poll.MaxInterval > 0 {
		opts = append(opts, poller.WithMaxInterval(c.Poll.MaxInterval))
	}
	return opts
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("hub-go-home starting")

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.NewBus(logger)
	reg, err := registry.New(logger, registry.WithEvents(bus), registry.WithKnownStore(db))
	if err != nil {
		logger.Error("create registry", "err", err)
		os.Exit(1)
	}
	defer reg.Close()
	unwatch := reg.WatchProperties(bus)
	defer unwatch()

	kvDir, err := kvstore.NewDir(cfg.Database.Dir, logger)
	if err != nil {
		logger.Error("open database dir", "err", err)
		os.Exit(1)
	}

	// A corrupt module file disables that module only.
	var kv *keyval.Store
	if s, err := kvDir.Module("keyval"); err != nil {
		logger.Error("keyval disabled", "err", err)
	} else {
		kv = keyval.New(s, logger, keyval.WithGroups(cfg.KeyvalGroups), keyval.WithEvents(bus))
	}

	var wake *wakelight.Effect
	if s, err := kvDir.Module(wakelight.ModuleName); err != nil {
		logger.Error("wakelight disabled", "err", err)
	} else if wake, err = wakelight.New(reg, s, logger, wakelight.WithEvents(bus)); err != nil {
		logger.Error("wakelight disabled", "err", err)
		wake = nil
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pollers := poller.NewGroup()

	virt := virtual.NewSource(cfg.Virtual, reg, logger)
	if err := virt.Start(startCtx); err != nil {
		logger.Error("start virtual devices", "err", err)
	}

	meters := homewizard.NewSource(cfg.HomeWizard, reg, logger, cfg.pollerOptions(logger)...)
	for _, p := range meters.Pollers() {
		pollers.Add(p)
	}
	if err := meters.Start(startCtx); err != nil {
		logger.Error("start homewizard", "err", err)
	}

	if cfg.LEDStrip.Port != "" {
		strip := ledstrip.NewSource(cfg.LEDStrip.Port, cfg.LEDStrip.Baud, reg, logger, nil)
		p := poller.New(ledstrip.DeviceID(cfg.LEDStrip.Port), strip.Poll, cfg.pollerOptions(logger)...)
		pollers.Add(p)
		p.Start()
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(reg, bus, kv, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithKV(kvDir),
		web.WithPollers(pollers),
		web.WithVersion(version),
	}
	if kv != nil {
		webOpts = append(webOpts, web.WithKeyval(kv))
	}
	if wake != nil {
		webOpts = append(webOpts, web.WithWakelight(wake))
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(reg, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // covers the keyval long-poll
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(reg, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	pollers.StopAll()
	if wake != nil {
		wake.Close()
	}
	if err := meters.Stop(shutdownCtx); err != nil {
		logger.Warn("stop homewizard", "err", err)
	}
	if err := virt.Stop(shutdownCtx); err != nil {
		logger.Warn("stop virtual devices", "err", err)
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "hub-home.db"
	}
	if cfg.Database.Dir == "" {
		cfg.Database.Dir = "data"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "hub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("version", version)
}
