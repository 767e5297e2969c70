// Package goble is a BLE transport: it subscribes to the notify
// characteristic of a peripheral and exposes notifications as a byte stream.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/biostream/internal/transport"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultBufferSize     = 64 * 1024

	// maxChunkSize is the ATT payload that fits the default MTU.
	maxChunkSize = 20
	chunkDelay   = 10 * time.Millisecond
)

// Link is the part of a BLE client connection the transport drives.
// ble.Client satisfies it.
type Link interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// Dial connects to the peripheral at address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (Link, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return ble.Dial(ctx, ble.NewAddr(address))
}

type Config struct {
	Address        string
	ServiceUUID    string
	NotifyUUID     string
	WriteUUID      string // optional
	ConnectTimeout time.Duration
	BufferSize     int
	Logger         *logrus.Logger
}

// Transport stages notifications in a byte ring until the acquisition
// goroutine reads them.
type Transport struct {
	cfg    Config
	logger *logrus.Logger

	mu        sync.Mutex
	link      Link
	writeChar *ble.Characteristic
	open      bool

	stage   *ringbuffer.RingBuffer
	notify  chan struct{}
	closed  chan struct{}
	dropped atomic.Uint64
}

var _ transport.Transport = (*Transport)(nil)

// New creates a closed BLE transport.
func New(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{cfg: cfg, logger: logger}
}

func (t *Transport) openError(err error) error {
	return &transport.OpenError{Kind: "ble", Target: t.cfg.Address, Err: err}
}

// Open dials the device, discovers its profile and subscribes to notifications.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return transport.ErrOpen
	}
	if t.cfg.Address == "" {
		return t.openError(errors.New("no device address given"))
	}

	serviceUUID, err := ble.Parse(t.cfg.ServiceUUID)
	if err != nil {
		return t.openError(fmt.Errorf("invalid service uuid %q: %w", t.cfg.ServiceUUID, err))
	}
	notifyUUID, err := ble.Parse(t.cfg.NotifyUUID)
	if err != nil {
		return t.openError(fmt.Errorf("invalid notify uuid %q: %w", t.cfg.NotifyUUID, err))
	}
	var writeUUID ble.UUID
	if t.cfg.WriteUUID != "" {
		if writeUUID, err = ble.Parse(t.cfg.WriteUUID); err != nil {
			return t.openError(fmt.Errorf("invalid write uuid %q: %w", t.cfg.WriteUUID, err))
		}
	}

	t.logger.WithFields(logrus.Fields{
		"address": t.cfg.Address,
		"timeout": t.cfg.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	link, err := Dial(connCtx, t.cfg.Address)
	if err != nil {
		return t.openError(err)
	}

	profile, err := link.DiscoverProfile(true)
	if err != nil {
		t.cancelLink(link)
		return t.openError(fmt.Errorf("failed to discover profile: %w", err))
	}

	var service *ble.Service
	for _, s := range profile.Services {
		if s.UUID.Equal(serviceUUID) {
			service = s
			break
		}
	}
	if service == nil {
		t.cancelLink(link)
		return t.openError(fmt.Errorf("service %s not found", serviceUUID))
	}

	var notifyChar, writeChar *ble.Characteristic
	for _, c := range service.Characteristics {
		switch {
		case c.UUID.Equal(notifyUUID):
			notifyChar = c
		case writeUUID != nil && c.UUID.Equal(writeUUID):
			writeChar = c
		}
	}
	if notifyChar == nil {
		t.cancelLink(link)
		return t.openError(fmt.Errorf("notify characteristic %s not found", notifyUUID))
	}
	if writeUUID != nil && writeChar == nil {
		t.cancelLink(link)
		return t.openError(fmt.Errorf("write characteristic %s not found", writeUUID))
	}

	t.stage = ringbuffer.New(t.cfg.BufferSize)
	t.notify = make(chan struct{}, 1)
	t.closed = make(chan struct{})

	if err := link.Subscribe(notifyChar, false, t.handleNotification); err != nil {
		t.cancelLink(link)
		return t.openError(fmt.Errorf("failed to subscribe to %s: %w", notifyUUID, err))
	}

	t.link = link
	t.writeChar = writeChar
	t.open = true

	t.logger.WithFields(logrus.Fields{
		"address": t.cfg.Address,
		"service": serviceUUID.String(),
	}).Info("BLE transport connected")
	return nil
}

func (t *Transport) cancelLink(link Link) {
	if err := link.CancelConnection(); err != nil {
		t.logger.WithError(err).Warn("Failed to cancel BLE connection")
	}
}

// handleNotification runs on the BLE stack goroutine and must not block.
func (t *Transport) handleNotification(data []byte) {
	written, err := t.stage.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		t.logger.WithError(err).Warn("Failed to stage BLE notification")
	}
	if written < len(data) {
		t.dropped.Add(uint64(len(data) - written))
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Read returns staged notification bytes, waiting up to timeout for some.
func (t *Transport) Read(p []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	open, stage, notify, closed := t.open, t.stage, t.notify, t.closed
	t.mu.Unlock()

	if !open {
		return 0, transport.ErrNotOpen
	}
	if len(p) == 0 {
		return 0, nil
	}

	if n, err := stage.TryRead(p); n > 0 || (err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty)) {
		return n, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-notify:
	case <-timer.C:
		return 0, nil
	case <-closed:
		return 0, transport.ErrClosed
	}

	n, err := stage.TryRead(p)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// Write sends data to the write characteristic in MTU sized chunks.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return transport.ErrNotOpen
	}
	if t.writeChar == nil {
		return errors.New("device has no write characteristic")
	}

	for len(data) > 0 {
		chunk := data[:min(len(data), maxChunkSize)]
		data = data[len(chunk):]

		if err := t.link.WriteCharacteristic(t.writeChar, chunk, false); err != nil {
			return fmt.Errorf("failed to write to %s: %w", t.writeChar.UUID, err)
		}
		t.logger.WithField("bytes", len(chunk)).Debug("Wrote chunk to device")

		if len(data) > 0 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

// Close cancels the connection and wakes a pending Read.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil
	}
	t.open = false
	close(t.closed)

	err := t.link.CancelConnection()
	t.link = nil
	t.writeChar = nil

	t.logger.WithFields(logrus.Fields{
		"address": t.cfg.Address,
		"dropped": t.dropped.Load(),
	}).Info("BLE transport disconnected")

	if err != nil {
		return fmt.Errorf("failed to cancel connection: %w", err)
	}
	return nil
}

// Dropped returns the number of notification bytes lost to a full stage buffer.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}
