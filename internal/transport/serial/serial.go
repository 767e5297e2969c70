// Package serial is a POSIX serial port transport: raw mode, fixed baud
// rate and poll-bounded non-blocking reads.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/biostream/internal/transport"
)

const (
	// DefaultBaudRate is used when Config.BaudRate is zero.
	DefaultBaudRate = 115200
	// DefaultWriteTimeout bounds a Write to a device that stops draining its input.
	DefaultWriteTimeout = 2 * time.Second
)

// ErrWriteTimeout is returned when a command could not be written in time.
var ErrWriteTimeout = errors.New("serial write timed out")

type Config struct {
	Port         string
	BaudRate     int
	WriteTimeout time.Duration
	Logger       *logrus.Logger
}

// Port is a serial device opened in raw, non-blocking mode.
type Port struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.RWMutex // Read holds it shared, Open/Close exclusively
	fd       int
	open     bool
	oldState *term.State
}

var _ transport.Transport = (*Port)(nil)

// New creates a closed port.
func New(cfg Config) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Port{cfg: cfg, logger: logger, fd: -1}
}

// Open opens the device, switches it to raw mode and sets the baud rate.
func (p *Port) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return transport.ErrOpen
	}
	if p.cfg.Port == "" {
		return &transport.OpenError{Kind: "serial", Err: errors.New("no port given")}
	}

	fd, err := unix.Open(p.cfg.Port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return &transport.OpenError{Kind: "serial", Target: p.cfg.Port, Err: err}
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		_ = unix.Close(fd)
		return &transport.OpenError{Kind: "serial", Target: p.cfg.Port, Err: fmt.Errorf("failed to set raw mode: %w", err)}
	}
	if err := setBaudRate(fd, p.cfg.BaudRate); err != nil {
		_ = term.Restore(fd, oldState)
		_ = unix.Close(fd)
		return &transport.OpenError{Kind: "serial", Target: p.cfg.Port, Err: err}
	}

	p.fd = fd
	p.oldState = oldState
	p.open = true

	p.logger.WithFields(logrus.Fields{
		"port": p.cfg.Port,
		"baud": p.cfg.BaudRate,
	}).Info("Serial port opened")
	return nil
}

// Read waits up to timeout for input.
func (p *Port) Read(buf []byte, timeout time.Duration) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.open {
		return 0, transport.ErrNotOpen
	}
	if len(buf) == 0 {
		return 0, nil
	}

	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	nReady, err := unix.Poll(pollFd, pollTimeoutMs(timeout))
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll %s: %w", p.cfg.Port, err)
	}
	if nReady == 0 {
		return 0, nil
	}
	if pollFd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("poll %s: device error (revents=%#x)", p.cfg.Port, pollFd[0].Revents)
	}

	n, err := unix.Read(p.fd, buf)
	switch {
	case err == nil && n == 0:
		return 0, io.EOF
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read %s: %w", p.cfg.Port, err)
	}
	return n, nil
}

// Write sends p, waiting for the device to drain when the kernel buffer is full.
func (p *Port) Write(data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.open {
		return transport.ErrNotOpen
	}

	deadline := time.Now().Add(p.cfg.WriteTimeout)
	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	for len(data) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("write %s: %w after %v, %d bytes pending", p.cfg.Port, ErrWriteTimeout, p.cfg.WriteTimeout, len(data))
		}
		n, err := unix.Write(p.fd, data)
		if n > 0 {
			data = data[n:]
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EAGAIN):
			if _, pollErr := unix.Poll(pollFd, min(100, pollTimeoutMs(remaining))); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
				return fmt.Errorf("poll %s: %w", p.cfg.Port, pollErr)
			}
		default:
			return fmt.Errorf("write %s: %w", p.cfg.Port, err)
		}
	}
	return nil
}

// Close restores the terminal state and closes the device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil
	}
	p.open = false

	if p.oldState != nil {
		if err := term.Restore(p.fd, p.oldState); err != nil {
			p.logger.WithError(err).Debug("Failed to restore serial port state")
		}
	}
	err := unix.Close(p.fd)
	p.fd = -1

	p.logger.WithField("port", p.cfg.Port).Info("Serial port closed")
	if err != nil {
		return fmt.Errorf("close %s: %w", p.cfg.Port, err)
	}
	return nil
}

func pollTimeoutMs(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
