// Package synthetic is a hardware-free transport that produces encoded
// frames for a board layout at the board's sampling rate.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/transport"
)

// DefaultAmplitude is the peak value of the generated sine waves.
const DefaultAmplitude = 100.0

type Config struct {
	Layout       decoder.Layout
	SamplingRate int
	Amplitude    float64
	Logger       *logrus.Logger
}

// Values returns the generated channel values of frame index i at rate Hz:
// channel ch is a sine of (ch+1) Hz.
func Values(i uint64, rate, channels int, amplitude float64) []float64 {
	t := float64(i) / float64(rate)
	values := make([]float64, channels)
	for ch := range values {
		values[ch] = amplitude * math.Sin(2*math.Pi*float64(ch+1)*t)
	}
	return values
}

// Transport emits frames on a wall-clock schedule. Bytes not yet read are
// kept pending; a consumer that falls more than a second behind skips ahead.
type Transport struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	open     bool
	started  time.Time
	emitted  uint64
	pending  []byte
	closed   chan struct{}
	commands []string
}

var _ transport.Transport = (*Transport)(nil)

// New validates the layout and creates a closed transport.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.SamplingRate <= 0 {
		return nil, fmt.Errorf("sampling rate must be > 0, got %d", cfg.SamplingRate)
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = DefaultAmplitude
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{cfg: cfg, logger: logger, now: time.Now}, nil
}

func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return transport.ErrOpen
	}
	t.open = true
	t.started = t.now()
	t.emitted = 0
	t.pending = t.pending[:0]
	t.closed = make(chan struct{})

	t.logger.WithField("rate", t.cfg.SamplingRate).Debug("Synthetic transport opened")
	return nil
}

// generateLocked appends every frame due by now to the pending bytes and
// returns the time the next frame is due.
func (t *Transport) generateLocked() time.Time {
	rate := uint64(t.cfg.SamplingRate)
	elapsed := t.now().Sub(t.started)
	due := uint64(elapsed.Seconds() * float64(rate))

	if due > t.emitted+rate {
		t.emitted = due - rate
	}
	for ; t.emitted < due; t.emitted++ {
		values := Values(t.emitted, t.cfg.SamplingRate, t.cfg.Layout.ChannelCount, t.cfg.Amplitude)
		frame, err := decoder.Encode(t.cfg.Layout, byte(t.emitted), values)
		if err != nil {
			t.logger.WithError(err).Error("Failed to encode synthetic frame")
			continue
		}
		t.pending = append(t.pending, frame...)
	}

	next := time.Duration(float64(t.emitted+1) / float64(rate) * float64(time.Second))
	return t.started.Add(next)
}

func (t *Transport) Read(p []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return 0, transport.ErrNotOpen
	}

	nextDue := t.generateLocked()
	if len(t.pending) == 0 {
		closed := t.closed
		t.mu.Unlock()

		wait := min(time.Until(nextDue), timeout)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-closed:
				timer.Stop()
				return 0, transport.ErrClosed
			}
		}

		t.mu.Lock()
		if !t.open {
			t.mu.Unlock()
			return 0, transport.ErrClosed
		}
		t.generateLocked()
	}
	defer t.mu.Unlock()

	n := copy(p, t.pending)
	t.pending = t.pending[:copy(t.pending, t.pending[n:])]
	return n, nil
}

// Write records board commands; the synthetic board has nothing to configure.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return transport.ErrNotOpen
	}
	t.commands = append(t.commands, string(p))
	return nil
}

// Commands returns the commands written so far.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil
	}
	t.open = false
	close(t.closed)
	return nil
}
