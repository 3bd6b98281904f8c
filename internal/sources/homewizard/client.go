// Package homewizard polls HomeWizard Energy meters over their local HTTP
// API and exposes each as a power/energy device.
package homewizard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// Measurement is one reading. Fields the meter did not report are nil.
type Measurement struct {
	Timestamp       time.Time      `json:"timestamp"`
	EnergyImportKWh *float64       `json:"energyImportKwh"`
	PowerW          *float64       `json:"powerW"`
	TemperatureC    *float64       `json:"temperatureC"`
	Raw             map[string]any `json:"-"`
}

// Client talks to one meter.
type Client struct {
	base  string
	token string
	http  *http.Client
	now   func() time.Time
}

// NewClient accepts a bare host or a full base URL.
func NewClient(ip, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(ip), "/")
	if !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: requestTimeout},
		now:   time.Now,
	}
}

// Measurement fetches /api/measurement.
func (c *Client) Measurement(ctx context.Context) (*Measurement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/measurement", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homewizard api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("homewizard api responded with %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode measurement: %w", err)
	}
	m := &Measurement{
		Timestamp:       c.now(),
		EnergyImportKWh: toNumber(raw["energy_import_kwh"]),
		PowerW:          toNumber(raw["power_w"]),
		Raw:             raw,
	}
	// Only numeric temperatures count; strings here are status text.
	if _, ok := raw["temperature_c"].(float64); ok {
		m.TemperatureC = toNumber(raw["temperature_c"])
	} else if _, ok := raw["temperature"].(float64); ok {
		m.TemperatureC = toNumber(raw["temperature"])
	}
	return m, nil
}

func toNumber(v any) *float64 {
	switch v := v.(type) {
	case float64:
		return &v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
