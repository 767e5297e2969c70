// Package streamer mirrors acquired records to an external destination
// without slowing the acquisition goroutine down.
package streamer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biostream/internal/groutine"
)

const (
	// DefaultQueueSize bounds records waiting for the writer goroutine.
	DefaultQueueSize = 4096
	// DefaultCloseTimeout bounds how long Close waits for the queue to drain.
	DefaultCloseTimeout = 2 * time.Second

	fileScheme = "file://"
)

var (
	// ErrInvalidParams reports malformed streamer parameters.
	ErrInvalidParams = errors.New("invalid streamer params")
	// ErrCloseTimeout is returned by Close when the writer did not finish in time.
	ErrCloseTimeout = errors.New("streamer writer did not finish in time")
)

// Mode selects how an existing file is treated.
type Mode string

const (
	ModeWrite  Mode = "w"
	ModeAppend Mode = "a"
)

// Params is the parsed form of a streamer parameter string.
type Params struct {
	Path string
	Mode Mode
}

// Parse parses "file://<path>:w" or "file://<path>:a". An empty string
// yields (nil, nil): no streamer.
func Parse(s string) (*Params, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, fileScheme) {
		return nil, fmt.Errorf("%w: unsupported destination %q", ErrInvalidParams, s)
	}

	rest := strings.TrimPrefix(s, fileScheme)
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return nil, fmt.Errorf("%w: missing mode in %q", ErrInvalidParams, s)
	}

	p := &Params{Path: rest[:i], Mode: Mode(rest[i+1:])}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: empty path in %q", ErrInvalidParams, s)
	}
	if p.Mode != ModeWrite && p.Mode != ModeAppend {
		return nil, fmt.Errorf("%w: mode %q, expected w or a", ErrInvalidParams, p.Mode)
	}
	return p, nil
}

func (p Params) String() string {
	return fileScheme + p.Path + ":" + string(p.Mode)
}

type record struct {
	ts  float64
	row []float64
}

// File writes one tab-separated line per record: the record values followed
// by the timestamp.
type File struct {
	params Params
	file   *os.File
	w      *csv.Writer
	queue  *RingChannel[record]
	logger *logrus.Entry
	done   chan struct{}

	closeTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	// written by the writer goroutine only, read after done
	writeErrs int
	lastErr   error
	closeErr  error
}

// Open parses params and starts a file streamer. Empty params yield (nil, nil).
func Open(ctx context.Context, params string, logger *logrus.Logger) (*File, error) {
	p, err := Parse(params)
	if err != nil || p == nil {
		return nil, err
	}
	return OpenFile(ctx, *p, DefaultQueueSize, logger)
}

// OpenFile creates or appends to p.Path and starts the writer goroutine.
func OpenFile(ctx context.Context, p Params, queueSize int, logger *logrus.Logger) (*File, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	flags := os.O_CREATE | os.O_WRONLY
	if p.Mode == ModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file %q: %w", p.Path, err)
	}

	w := csv.NewWriter(f)
	w.Comma = '\t'

	s := &File{
		params: p,
		file:   f,
		w:      w,
		queue:  NewRingChannel[record](queueSize),
		logger: logger.WithField("streamer", p.String()),
		done:   make(chan struct{}),

		closeTimeout: DefaultCloseTimeout,
	}
	groutine.Go(context.WithoutCancel(ctx), "streamer-file", s.drain)

	s.logger.Debug("File streamer started")
	return s, nil
}

// Offer queues a copy of row. It never blocks; when the writer lags the
// oldest queued record is dropped.
func (s *File) Offer(ts float64, row []float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.queue.Send(record{ts: ts, row: append([]float64(nil), row...)})
}

// Dropped returns the number of records discarded because the writer lagged.
func (s *File) Dropped() int64 {
	return s.queue.GetMetrics().Overwritten
}

// Written returns the number of records handed to the file.
func (s *File) Written() int64 {
	return s.queue.GetMetrics().Processed
}

// Params returns the destination the streamer writes to.
func (s *File) Params() Params {
	return s.params
}

// Close stops accepting records, waits for the queue to drain and returns
// any write errors. The writer goroutine owns the file and closes it on exit,
// so a Close that times out still releases the descriptor once the writer
// unblocks. It is safe to call more than once.
func (s *File) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue.Close()
	s.mu.Unlock()

	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.WithField("timeout", s.closeTimeout).Warn("File streamer writer is still busy, leaving it to finish")
		return ErrCloseTimeout
	}

	var errs []error
	if s.lastErr != nil {
		errs = append(errs, fmt.Errorf("%d write errors, last: %w", s.writeErrs, s.lastErr))
	}
	if s.closeErr != nil {
		errs = append(errs, s.closeErr)
	}

	s.logger.WithFields(logrus.Fields{
		"written": s.Written(),
		"dropped": s.Dropped(),
	}).Debug("File streamer closed")
	return errors.Join(errs...)
}

// Done is closed once the writer goroutine has flushed and closed the file.
func (s *File) Done() <-chan struct{} {
	return s.done
}

func (s *File) drain(ctx context.Context) {
	defer close(s.done)

	line := make([]string, 0, 16)
	for {
		rec, ok := s.queue.Receive()
		if !ok {
			s.flush()
			if err := s.file.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close stream file %q: %w", s.params.Path, err)
			}
			return
		}

		line = line[:0]
		for _, v := range rec.row {
			line = append(line, strconv.FormatFloat(v, 'f', 6, 64))
		}
		line = append(line, strconv.FormatFloat(rec.ts, 'f', 6, 64))

		if err := s.w.Write(line); err != nil {
			s.recordErr(err)
		}
		if s.queue.Len() == 0 {
			s.flush()
		}
	}
}

func (s *File) flush() {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.recordErr(err)
	}
}

func (s *File) recordErr(err error) {
	s.writeErrs++
	s.lastErr = err
	if s.writeErrs == 1 {
		s.logger.WithError(err).Warn("Failed to write stream file")
	}
}
