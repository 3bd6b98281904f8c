// Package ledstrip drives an Arduino LED strip controller over a serial port
// and exposes it as a single colour light.
package ledstrip

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaud = 115200

	// manualInterval is how often "manual" is repeated until the board
	// answers "ready".
	manualInterval = 500 * time.Millisecond
	connectTimeout = 10 * time.Second
)

var ErrClosed = errors.New("led board closed")

// OpenSerial opens name at baud, 8N1.
func OpenSerial(name string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("led strip: open %s: %w", name, err)
	}
	return port, nil
}

// Board is a connected controller. Effects are sent one at a time.
type Board struct {
	port   io.ReadWriteCloser
	name   string
	leds   int
	logger *slog.Logger
	every  time.Duration

	lines chan string
	done  chan struct{}
	wg    sync.WaitGroup

	effectMu  sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect starts reading from port and asks the board for its LED count.
func Connect(ctx context.Context, port io.ReadWriteCloser, name string, logger *slog.Logger) (*Board, error) {
	b := &Board{
		port:   port,
		name:   name,
		logger: logger.With("component", "ledstrip", "port", name),
		every:  manualInterval,
		lines:  make(chan string, 16),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := b.write([]byte("leds\n")); err != nil {
		b.Close()
		return nil, err
	}
	for {
		select {
		case line := <-b.lines:
			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil {
				b.logger.Debug("ignoring line while waiting for led count", "line", line)
				continue
			}
			b.leds = n
			b.logger.Info("led board connected", "leds", n)
			return b, nil
		case <-b.done:
			b.Close()
			return nil, fmt.Errorf("led strip %s: port closed before handshake", name)
		case <-ctx.Done():
			b.Close()
			return nil, fmt.Errorf("led strip %s: no led count: %w", name, ctx.Err())
		}
	}
}

func (b *Board) readLoop() {
	defer b.wg.Done()
	defer b.closeOnce.Do(func() { close(b.done) })
	sc := bufio.NewScanner(b.port)
	for sc.Scan() {
		line := sc.Text()
		b.logger.Debug("->", "line", line)
		select {
		case b.lines <- line:
		default:
			// Nobody waiting; drop the oldest.
			select {
			case <-b.lines:
			default:
			}
			b.lines <- line
		}
	}
	if err := sc.Err(); err != nil {
		b.logger.Warn("serial read stopped", "err", err)
	}
}

func (b *Board) write(p []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.port.Write(p); err != nil {
		return fmt.Errorf("led strip %s: write: %w", b.name, err)
	}
	return nil
}

// LEDs is the count reported at connect.
func (b *Board) LEDs() int { return b.leds }

func (b *Board) Name() string { return b.name }

// Done is closed when the port stops delivering data.
func (b *Board) Done() <-chan struct{} { return b.done }

// SetSolid shows one colour on the whole strip.
func (b *Board) SetSolid(ctx context.Context, r, g, bl uint8) error {
	return b.runEffect(ctx, SolidFrame(r, g, bl))
}

// runEffect puts the board in manual mode and sends frame once it is ready.
func (b *Board) runEffect(ctx context.Context, frame []byte) error {
	b.effectMu.Lock()
	defer b.effectMu.Unlock()

	// Stale output from earlier commands.
drain:
	for {
		select {
		case <-b.lines:
		default:
			break drain
		}
	}

	ticker := time.NewTicker(b.every)
	defer ticker.Stop()
	if err := b.write([]byte("manual\n")); err != nil {
		return err
	}
	for {
		select {
		case line := <-b.lines:
			if !strings.Contains(line, "ready") {
				continue
			}
			b.logger.Debug("<-", "frame", frame)
			return b.write(frame)
		case <-ticker.C:
			if err := b.write([]byte("manual\n")); err != nil {
				return err
			}
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the port and waits for the reader to exit.
func (b *Board) Close() error {
	err := b.port.Close()
	b.wg.Wait()
	return err
}

// SolidFrame encodes a one-step effect with a static background colour:
//
//	'<' steps:u16 | delay:u16 move:[8] bg:[3] sequences:u16 | '>'
func SolidFrame(r, g, b uint8) []byte {
	frame := make([]byte, 0, 19)
	frame = append(frame, '<')
	frame = binary.BigEndian.AppendUint16(frame, 1)
	frame = binary.BigEndian.AppendUint16(frame, 0)
	// Movement off: status, jump size, jump delay, alternate, alternate delay.
	frame = append(frame, 0, 0, 0, 0, 0, 0, 0, 0)
	frame = append(frame, r, g, b)
	frame = binary.BigEndian.AppendUint16(frame, 0)
	frame = append(frame, '>')
	return frame
}
