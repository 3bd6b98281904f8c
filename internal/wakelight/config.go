package wakelight

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// ModuleName is the key/value module holding the configuration.
	ModuleName = "wakelight"

	DefaultDurationMinutes = 7
	DefaultTickInterval    = 5 * time.Second
)

// Config selects the lamps and how long the ramp takes. Repeat is an
// optional five-field cron expression naming the wake time.
type Config struct {
	DeviceIDs       []string `json:"deviceIds"`
	DurationMinutes float64  `json:"durationMinutes"`
	Repeat          string   `json:"repeat,omitempty"`
}

// DefaultConfig is used until a configuration is saved.
func DefaultConfig() Config {
	return Config{DeviceIDs: []string{}, DurationMinutes: DefaultDurationMinutes}
}

func (c Config) Duration() time.Duration {
	return time.Duration(c.DurationMinutes * float64(time.Minute))
}

func (c Config) Validate() error {
	var errs []error
	if c.DurationMinutes < 1 {
		errs = append(errs, fmt.Errorf("durationMinutes must be at least 1, got %v", c.DurationMinutes))
	}
	for i, id := range c.DeviceIDs {
		if id == "" {
			errs = append(errs, fmt.Errorf("deviceIds[%d] is empty", i))
		}
	}
	if c.Repeat != "" {
		if _, err := cron.ParseStandard(c.Repeat); err != nil {
			errs = append(errs, fmt.Errorf("repeat: %w", err))
		}
	}
	return errors.Join(errs...)
}

// document is the stored shape of the wakelight module.
type document struct {
	Config *Config `json:"config,omitempty"`
}

func (d document) config() Config {
	if d.Config == nil {
		return DefaultConfig()
	}
	c := *d.Config
	if c.DeviceIDs == nil {
		c.DeviceIDs = []string{}
	}
	return c
}
