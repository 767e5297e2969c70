package board

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/transport"
	"github.com/srg/biostream/internal/transport/goble"
	"github.com/srg/biostream/internal/transport/serial"
	"github.com/srg/biostream/internal/transport/synthetic"
)

// InputParams selects the physical device of a session and overrides
// board defaults. Zero values keep the board table settings.
type InputParams struct {
	SerialPort   string        `json:"serial_port,omitempty"`
	MACAddress   string        `json:"mac_address,omitempty"`
	SamplingRate int           `json:"sampling_rate,omitempty"`
	BaudRate     int           `json:"baud_rate,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"` // BLE connect timeout
}

// Target returns the device address the params point at.
func (p InputParams) Target() string {
	if p.MACAddress != "" {
		return p.MACAddress
	}
	return p.SerialPort
}

// validate checks p against the board and returns the effective sampling rate.
func (p InputParams) validate(d boards.Descriptor) (int, error) {
	var errs []error

	switch d.Transport {
	case boards.TransportSerial:
		if p.SerialPort == "" {
			errs = append(errs, errors.New("serial_port is required"))
		}
	case boards.TransportBLE:
		if p.MACAddress == "" {
			errs = append(errs, errors.New("mac_address is required"))
		}
	}

	rate := d.SamplingRate
	switch {
	case p.SamplingRate < 0:
		errs = append(errs, fmt.Errorf("sampling_rate %d must not be negative", p.SamplingRate))
	case p.SamplingRate > 0:
		if !d.SupportsRate(p.SamplingRate) {
			errs = append(errs, fmt.Errorf("sampling_rate %d not supported by %s (allowed %v)", p.SamplingRate, d.Name, d.AllowedRates))
		}
		rate = p.SamplingRate
	}
	if p.BaudRate < 0 {
		errs = append(errs, fmt.Errorf("baud_rate %d must not be negative", p.BaudRate))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must not be negative", p.Timeout))
	}
	return rate, errors.Join(errs...)
}

// TransportFactory builds the transport of a prepared session.
type TransportFactory func(d boards.Descriptor, p InputParams, rate int, logger *logrus.Logger) (transport.Transport, error)

// NewTransport is the default TransportFactory: serial, BLE or synthetic by
// the board's transport kind.
func NewTransport(d boards.Descriptor, p InputParams, rate int, logger *logrus.Logger) (transport.Transport, error) {
	switch d.Transport {
	case boards.TransportSerial:
		baud := p.BaudRate
		if baud == 0 {
			baud = d.BaudRate
		}
		return serial.New(serial.Config{Port: p.SerialPort, BaudRate: baud, Logger: logger}), nil
	case boards.TransportBLE:
		return goble.New(goble.Config{
			Address:        p.MACAddress,
			ServiceUUID:    d.BLE.Service,
			NotifyUUID:     d.BLE.Notify,
			WriteUUID:      d.BLE.Write,
			ConnectTimeout: p.Timeout,
			Logger:         logger,
		}), nil
	case boards.TransportSynthetic:
		return synthetic.New(synthetic.Config{Layout: d.Layout, SamplingRate: rate, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown transport %q", d.Transport)
	}
}
