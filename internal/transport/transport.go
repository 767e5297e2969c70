// Package transport defines the byte pipe between a board and its
// acquisition goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport is a raw byte channel to a device. A transport is owned by one
// acquisition goroutine at a time; only Close may be called concurrently.
type Transport interface {
	// Open acquires the underlying device. Opening an open transport fails with ErrOpen.
	Open(ctx context.Context) error
	// Read waits at most timeout for data. A timeout is not an error: it returns (0, nil).
	Read(p []byte, timeout time.Duration) (int, error)
	// Write sends p to the device.
	Write(p []byte) error
	// Close releases the device. Closing twice is a no-op.
	Close() error
}

// Sentinel errors shared by all transports.
var (
	ErrClosed  = errors.New("transport closed")
	ErrNotOpen = errors.New("transport not open")
	ErrOpen    = errors.New("transport already open")
)

// OpenError reports a failure to acquire a device.
type OpenError struct {
	Kind   string // "serial", "ble", ...
	Target string // port path or device address
	Err    error
}

func (e *OpenError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("failed to open %s transport: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("failed to open %s transport %q: %v", e.Kind, e.Target, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Is matches any *OpenError so callers can test errors.Is(err, &OpenError{}).
func (e *OpenError) Is(target error) bool {
	_, ok := target.(*OpenError)
	return ok
}

// WriteCommand sends a textual board command, ignoring empty ones.
func WriteCommand(t Transport, cmd string) error {
	if cmd == "" {
		return nil
	}
	if err := t.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("failed to send command %q: %w", cmd, err)
	}
	return nil
}
