package ledstrip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"hub-go-home/internal/device"
)

// Registrar receives the device list. *registry.Registry implements it.
type Registrar interface {
	SetDevices(ctx context.Context, source device.Source, devices []device.Descriptor) error
}

// Opener opens the serial port. OpenSerial is the default.
type Opener func(name string, baud int) (io.ReadWriteCloser, error)

// DeviceID is the registry id for the strip on port.
func DeviceID(port string) string {
	return "led-strip-" + strings.TrimPrefix(strings.ReplaceAll(port, "/", "-"), "-")
}

// NewDevice exposes b as a light. Switching off shows black; switching on
// restores the current colour. Setting a colour with a non-zero value also
// switches it on.
func NewDevice(b *Board) (device.Device, error) {
	var onoff *device.OnOffState
	var color *device.ColorState

	onoff = device.NewOnOff(func(ctx context.Context, on bool) error {
		if !on {
			return b.SetSolid(ctx, 0, 0, 0)
		}
		c, _ := color.Color().Current()
		r, g, bl := c.RGB()
		return b.SetSolid(ctx, r, g, bl)
	})
	color = device.NewColorControl(func(ctx context.Context, c device.Color) error {
		r, g, bl := c.RGB()
		if err := b.SetSolid(ctx, r, g, bl); err != nil {
			return err
		}
		onoff.IsOn().Report(c.Value > 0)
		return nil
	})
	onoff.IsOn().Report(false)
	color.Color().Report(device.Color{})

	return device.New(DeviceID(b.Name()), fmt.Sprintf("LED strip (%d leds)", b.LEDs()),
		device.SourceLEDStrip, []device.Cluster{onoff, color},
		device.WithCleanup(b.Close))
}

// Source keeps one board connected and registered. Poll is meant to run on a
// poller: it connects when needed and reports the strip gone when the port
// dies, so reconnects follow the poller's backoff.
type Source struct {
	port   string
	baud   int
	open   Opener
	reg    Registrar
	base   *slog.Logger
	logger *slog.Logger

	mu    sync.Mutex
	board *Board
}

func NewSource(port string, baud int, reg Registrar, logger *slog.Logger, open Opener) *Source {
	if baud == 0 {
		baud = DefaultBaud
	}
	if open == nil {
		open = OpenSerial
	}
	return &Source{
		port:   port,
		baud:   baud,
		open:   open,
		reg:    reg,
		base:   logger,
		logger: logger.With("component", "ledstrip", "port", port),
	}
}

func (s *Source) Poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.board != nil {
		select {
		case <-s.board.Done():
			s.logger.Warn("led board disconnected")
			s.board = nil
			if err := s.reg.SetDevices(ctx, device.SourceLEDStrip, nil); err != nil {
				return err
			}
		default:
			return nil
		}
	}

	port, err := s.open(s.port, s.baud)
	if err != nil {
		return err
	}
	b, err := Connect(ctx, port, s.port, s.base)
	if err != nil {
		return err
	}
	desc := device.Descriptor{
		UniqueID: DeviceID(s.port),
		Name:     "LED strip",
		Build: func(context.Context) (device.Device, error) {
			return NewDevice(b)
		},
	}
	if err := s.reg.SetDevices(ctx, device.SourceLEDStrip, []device.Descriptor{desc}); err != nil {
		// Release the port so the next poll can reopen it.
		b.Close()
		return err
	}
	s.board = b
	return nil
}
