// Package sdi12 implements the SDI-12 measurement commands over a serial
// adapter. Framing follows SDI-12 v1.4: a break, a marking interval, then the
// ASCII command at 1200 baud 7E1. Responses end with CR LF.
package sdi12

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
)

const (
	// BaudRate is the fixed SDI-12 line speed
	BaudRate = 1200
	// WildcardAddress addresses whichever single sensor is on the bus
	WildcardAddress = '?'

	breakDuration = 12 * time.Millisecond
	markDuration  = 8330 * time.Microsecond
)

var (
	// ErrTimeout is returned when the sensor does not answer within the response timeout
	ErrTimeout = errors.New("sdi12: response timeout")
	// ErrUnexpectedResponse is returned when a response does not match the command
	ErrUnexpectedResponse = errors.New("sdi12: unexpected response")
)

// Port is the serial line the bus runs on. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	Break(d time.Duration) error
	Drain() error
	ResetInputBuffer() error
}

// DirectionPin switches a half-duplex adapter between transmit and receive
type DirectionPin interface {
	Out(l gpio.Level) error
}

// Config holds the bus parameters
type Config struct {
	Address byte
	Timeout time.Duration
	// DirectionPin is optional; it is driven High while transmitting
	DirectionPin DirectionPin
	// Inverted swaps the direction pin levels
	Inverted bool
}

// Client issues SDI-12 commands to one sensor. It is safe for concurrent use;
// commands are serialized on the bus.
type Client struct {
	mu      sync.Mutex
	port    Port
	cfg     Config
	pending []byte
	logger  *zap.Logger
}

// NewClient creates a client on an open port
func NewClient(port Port, cfg Config, logger *zap.Logger) *Client {
	if cfg.Address == 0 {
		cfg.Address = WildcardAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &Client{
		port:   port,
		cfg:    cfg,
		logger: logger,
	}
}

// StartMeasurement sends aM! and returns the time the sensor announced until
// data is ready. If the sensor announced a wait, the service request is awaited
// for at most the response timeout; its absence is not an error.
func (c *Client) StartMeasurement(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.command("M")
	resp, err := c.transact(ctx, cmd)
	if err != nil {
		return 0, err
	}

	ready, count, err := c.parseMeasurementResponse(resp)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", cmd)
	}

	c.logger.Debug("measurement started",
		zap.String("response", resp),
		zap.Duration("ready_in", ready),
		zap.Int("value_count", count),
	)

	if ready > 0 {
		line, err := c.readLine(ctx, c.cfg.Timeout)
		switch {
		case err == nil:
			c.logger.Debug("service request received", zap.String("line", line))
		case errors.Is(err, ErrTimeout):
			c.logger.Debug("no service request within timeout", zap.Duration("timeout", c.cfg.Timeout))
		default:
			return ready, err
		}
	}

	return ready, nil
}

// ReadData sends aD<slot>! and returns the response without the trailing CR LF
func (c *Client) ReadData(ctx context.Context, slot int) (string, error) {
	if slot < 0 || slot > 9 {
		return "", errors.Errorf("sdi12: data slot %d out of range 0-9", slot)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transact(ctx, c.command("D"+strconv.Itoa(slot)))
}

// Identify sends aI! and returns the identification string
func (c *Client) Identify(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transact(ctx, c.command("I"))
}

func (c *Client) command(body string) string {
	return string(c.cfg.Address) + body + "!"
}

// parseMeasurementResponse decodes "atttn": address, seconds until ready and
// number of values
func (c *Client) parseMeasurementResponse(resp string) (time.Duration, int, error) {
	if len(resp) < 5 {
		return 0, 0, errors.Wrapf(ErrUnexpectedResponse, "measurement response %q too short", resp)
	}
	if c.cfg.Address != WildcardAddress && resp[0] != c.cfg.Address {
		return 0, 0, errors.Wrapf(ErrUnexpectedResponse, "response from address %q, expected %q", resp[0], c.cfg.Address)
	}

	seconds, err := strconv.Atoi(resp[1:4])
	if err != nil {
		return 0, 0, errors.Wrapf(ErrUnexpectedResponse, "measurement time %q", resp[1:4])
	}
	count, err := strconv.Atoi(resp[4:])
	if err != nil {
		return 0, 0, errors.Wrapf(ErrUnexpectedResponse, "value count %q", resp[4:])
	}

	return time.Duration(seconds) * time.Second, count, nil
}

// transact wakes the bus, writes a command and returns its response line.
// An echo of the command, as produced by most half-duplex adapters, is dropped.
func (c *Client) transact(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.pending = nil
	if err := c.port.ResetInputBuffer(); err != nil {
		return "", errors.Wrap(err, "sdi12: reset input buffer")
	}

	if err := c.setDirection(true); err != nil {
		return "", err
	}
	if err := c.port.Break(breakDuration); err != nil {
		return "", errors.Wrap(err, "sdi12: break")
	}
	time.Sleep(markDuration)

	if _, err := c.port.Write([]byte(cmd)); err != nil {
		return "", errors.Wrapf(err, "sdi12: write %s", cmd)
	}
	if err := c.port.Drain(); err != nil {
		return "", errors.Wrapf(err, "sdi12: drain %s", cmd)
	}
	if err := c.setDirection(false); err != nil {
		return "", err
	}

	for {
		line, err := c.readLine(ctx, c.cfg.Timeout)
		if err != nil {
			return "", errors.Wrapf(err, "%s", cmd)
		}
		if line == cmd {
			continue
		}
		return strings.TrimPrefix(line, cmd), nil
	}
}

func (c *Client) setDirection(transmit bool) error {
	if c.cfg.DirectionPin == nil {
		return nil
	}
	level := gpio.Level(transmit != c.cfg.Inverted)
	if err := c.cfg.DirectionPin.Out(level); err != nil {
		return errors.Wrap(err, "sdi12: set direction pin")
	}
	return nil
}

// readLine returns the next CR LF terminated line, without the terminator
func (c *Client) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)

	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(c.pending[:i]), "\r")
			c.pending = c.pending[i+1:]
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return "", errors.Wrap(err, "sdi12: set read timeout")
		}

		n, err := c.port.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil && err != io.EOF {
			return "", errors.Wrap(err, "sdi12: read")
		}
	}
}
