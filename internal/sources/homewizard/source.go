package homewizard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"hub-go-home/internal/device"
	"hub-go-home/internal/poller"
)

// Registrar receives the device list. *registry.Registry implements it.
type Registrar interface {
	SetDevices(ctx context.Context, source device.Source, devices []device.Descriptor) error
}

// Config is one meter.
type Config struct {
	IP    string `yaml:"ip"`
	Token string `yaml:"token"`
}

// DeviceID is the registry id for the meter at ip.
func DeviceID(ip string) string {
	ip = strings.TrimPrefix(strings.TrimPrefix(ip, "http://"), "https://")
	return string(device.SourceHomeWizard) + ":" + strings.TrimRight(ip, "/")
}

type meter struct {
	cfg    Config
	client *Client

	mu     sync.Mutex
	last   *Measurement
	power  *device.Sensor[float64]
	energy *device.Sensor[float64]
	temp   *device.Sensor[float64]
}

// Source registers every configured meter and keeps its readings current,
// one poller per meter.
type Source struct {
	reg     Registrar
	logger  *slog.Logger
	meters  []*meter
	pollers []*poller.Poller
}

func NewSource(cfgs []Config, reg Registrar, logger *slog.Logger, opts ...poller.Option) *Source {
	s := &Source{
		reg:    reg,
		logger: logger.With("component", "homewizard"),
	}
	for _, cfg := range cfgs {
		m := &meter{cfg: cfg, client: NewClient(cfg.IP, cfg.Token)}
		s.meters = append(s.meters, m)
		popts := append([]poller.Option{poller.WithLogger(logger)}, opts...)
		s.pollers = append(s.pollers, poller.New(DeviceID(cfg.IP), func(ctx context.Context) error {
			return s.poll(ctx, m)
		}, popts...))
	}
	return s
}

// Pollers returns the per-meter pollers for status reporting.
func (s *Source) Pollers() []*poller.Poller { return s.pollers }

// Start registers the meters and starts polling.
func (s *Source) Start(ctx context.Context) error {
	descs := make([]device.Descriptor, 0, len(s.meters))
	for _, m := range s.meters {
		descs = append(descs, device.Descriptor{
			UniqueID: DeviceID(m.cfg.IP),
			Name:     "HomeWizard Energy",
			Build:    m.build,
		})
	}
	if err := s.reg.SetDevices(ctx, device.SourceHomeWizard, descs); err != nil {
		return fmt.Errorf("register homewizard meters: %w", err)
	}
	for _, p := range s.pollers {
		p.Start()
	}
	s.logger.Info("homewizard meters registered", "count", len(s.meters))
	return nil
}

// Stop halts polling and unregisters the meters.
func (s *Source) Stop(ctx context.Context) error {
	for _, p := range s.pollers {
		p.Stop()
	}
	return s.reg.SetDevices(ctx, device.SourceHomeWizard, nil)
}

func (s *Source) poll(ctx context.Context, m *meter) error {
	meas, err := m.client.Measurement(ctx)
	if err != nil {
		return err
	}
	m.report(meas)
	return nil
}

func (m *meter) build(context.Context) (device.Device, error) {
	power := device.NewPower()
	energy := device.NewEnergy()
	temp := device.NewTemperature()

	m.mu.Lock()
	m.power, m.energy, m.temp = power, energy, temp
	last := m.last
	m.mu.Unlock()
	if last != nil {
		reportTo(last, power, energy, temp)
	}

	return device.New(DeviceID(m.cfg.IP), "HomeWizard Energy", device.SourceHomeWizard,
		[]device.Cluster{power, energy, temp},
		device.WithCleanup(func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.power == power {
				m.power, m.energy, m.temp = nil, nil, nil
			}
			return nil
		}))
}

func (m *meter) report(meas *Measurement) {
	m.mu.Lock()
	m.last = meas
	power, energy, temp := m.power, m.energy, m.temp
	m.mu.Unlock()
	if power != nil {
		reportTo(meas, power, energy, temp)
	}
}

func reportTo(meas *Measurement, power, energy, temp *device.Sensor[float64]) {
	if meas.PowerW != nil {
		power.Report(*meas.PowerW)
	}
	if meas.EnergyImportKWh != nil {
		energy.Report(*meas.EnergyImportKWh)
	}
	if meas.TemperatureC != nil {
		temp.Report(*meas.TemperatureC)
	}
}
