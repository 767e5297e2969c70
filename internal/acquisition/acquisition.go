// Package acquisition runs the single producer of a streaming session: it
// reads the transport, feeds the frame decoder and pushes timestamped records
// into the ring buffer until told to stop.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"

	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/groutine"
	"github.com/srg/biostream/internal/ringbuf"
	"github.com/srg/biostream/internal/transport"
)

const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultReadSize       = 4096
	DefaultMaxReadRetries = 3
	DefaultRetryBackoff   = 50 * time.Millisecond
)

var (
	// ErrJoinTimeout is returned by Join when the goroutine outlives the timeout.
	ErrJoinTimeout = errors.New("acquisition goroutine did not exit in time")
	// ErrReadFailed wraps the last transport error once retries are exhausted.
	ErrReadFailed = errors.New("transport read failed")
	// ErrPanic wraps a panic recovered inside the acquisition loop.
	ErrPanic = errors.New("acquisition goroutine panicked")
)

// Sink receives a copy of every record after it is pushed. Offer must not block.
type Sink interface {
	Offer(ts float64, row []float64)
}

// Rows maps decoded sample fields to record rows.
type Rows struct {
	Package int
	Exg     []int
	Marker  int // -1 disables markers
}

type Config struct {
	Board     string
	Transport transport.Transport
	Decoder   decoder.FrameDecoder
	Buffer    *ringbuf.Buffer
	Rows      Rows
	Markers   *Markers // optional
	Sink      Sink     // optional
	Logger    *logrus.Logger

	ReadTimeout    time.Duration
	ReadSize       int
	MaxReadRetries int // consecutive failed reads tolerated before the fault is recorded
	RetryBackoff   time.Duration
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultReadSize
	}
	// zero selects the default, negative disables retries / backoff
	switch {
	case c.MaxReadRetries == 0:
		c.MaxReadRetries = DefaultMaxReadRetries
	case c.MaxReadRetries < 0:
		c.MaxReadRetries = 0
	}
	switch {
	case c.RetryBackoff == 0:
		c.RetryBackoff = DefaultRetryBackoff
	case c.RetryBackoff < 0:
		c.RetryBackoff = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

func (c *Config) validate() error {
	switch {
	case c.Transport == nil:
		return errors.New("transport is required")
	case c.Decoder == nil:
		return errors.New("decoder is required")
	case c.Buffer == nil:
		return errors.New("buffer is required")
	}
	width := c.Buffer.Width()
	if c.Rows.Package < 0 || c.Rows.Package >= width || c.Rows.Marker >= width {
		return fmt.Errorf("row map does not fit record width %d", width)
	}
	for _, r := range c.Rows.Exg {
		if r < 0 || r >= width {
			return fmt.Errorf("exg row %d outside record width %d", r, width)
		}
	}
	return nil
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Samples    uint64 `json:"samples"`
	ReadErrors uint64 `json:"read_errors"`
}

// Worker is a running acquisition goroutine.
type Worker struct {
	cfg     Config
	logger  *logrus.Entry
	running atomic.Bool
	done    chan struct{}
	fault   atomic.Pointer[error]

	samples    atomic.Uint64
	readErrors atomic.Uint64
}

// Run validates cfg and starts the acquisition goroutine.
func Run(ctx context.Context, cfg Config) (*Worker, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid acquisition config: %w", err)
	}

	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.WithField("board", cfg.Board),
		done:   make(chan struct{}),
	}
	w.running.Store(true)

	groutine.Go(ctx, "acquisition", w.loop, "board", cfg.Board)
	return w, nil
}

// Stop asks the goroutine to exit after the current iteration.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Join waits up to timeout for the goroutine to exit.
func (w *Worker) Join(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	}
}

// Done is closed when the goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the goroutine has not exited yet.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Fault returns the error that ended the goroutine, or nil.
func (w *Worker) Fault() error {
	if p := w.fault.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Worker) Stats() Stats {
	return Stats{
		Samples:    w.samples.Load(),
		ReadErrors: w.readErrors.Load(),
	}
}

func (w *Worker) setFault(err error) {
	w.fault.CompareAndSwap(nil, &err)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	w.logger.WithField("goroutine", groutine.Name(ctx)).Debug("Acquisition started")

	var pc panics.Catcher
	pc.Try(func() { w.run(ctx) })
	if r := pc.Recovered(); r != nil {
		w.setFault(fmt.Errorf("%w: %v", ErrPanic, r.Value))
		w.logger.WithFields(logrus.Fields{
			"panic": r.Value,
			"stack": string(r.Stack),
		}).Error("Acquisition goroutine panicked")
	}

	w.logger.WithFields(logrus.Fields{
		"samples": w.samples.Load(),
		"fault":   w.Fault(),
	}).Debug("Acquisition stopped")
}

func (w *Worker) run(ctx context.Context) {
	cfg := &w.cfg
	buf := make([]byte, cfg.ReadSize)
	row := make([]float64, cfg.Buffer.Width())
	failures := 0

	for w.running.Load() {
		if ctx.Err() != nil {
			return
		}

		n, err := cfg.Transport.Read(buf, cfg.ReadTimeout)
		if err != nil {
			if !w.running.Load() {
				return
			}
			failures++
			w.readErrors.Add(1)
			w.logger.WithFields(logrus.Fields{
				"attempt": failures,
				"error":   err,
			}).Warn("Transport read failed")

			if failures > cfg.MaxReadRetries {
				w.setFault(fmt.Errorf("%w after %d attempts: %w", ErrReadFailed, failures, err))
				return
			}
			w.backoff(ctx)
			continue
		}
		failures = 0

		for _, b := range buf[:n] {
			sample, ok := cfg.Decoder.Consume(b)
			if !ok {
				continue
			}
			ts := float64(cfg.Now().UnixMicro()) / 1e6
			w.fill(row, sample)
			cfg.Buffer.Push(ts, row)
			if cfg.Sink != nil {
				cfg.Sink.Offer(ts, row)
			}
			w.samples.Add(1)
		}
	}
}

func (w *Worker) fill(row []float64, s decoder.Sample) {
	clear(row)
	rows := w.cfg.Rows
	row[rows.Package] = s.Package
	for i, r := range rows.Exg {
		if i < len(s.Values) {
			row[r] = s.Values[i]
		}
	}
	if rows.Marker >= 0 && w.cfg.Markers != nil {
		if m, ok := w.cfg.Markers.Next(); ok {
			row[rows.Marker] = m
		}
	}
}

// backoff sleeps for RetryBackoff unless stopped first.
func (w *Worker) backoff(ctx context.Context) {
	if w.cfg.RetryBackoff == 0 {
		return
	}
	timer := time.NewTimer(w.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
