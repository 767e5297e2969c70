// Package board is the session controller: it binds a board description, a
// transport, a frame decoder, a ring buffer and the acquisition goroutine
// together under one state machine.
//
//	s := board.NewSession(board.Options{Logger: logger})
//	defer s.ReleaseSession()
//
//	if err := s.PrepareSession(0, board.InputParams{SerialPort: "/dev/ttyUSB0"}); err != nil {
//	    return err
//	}
//	if err := s.StartStream(45000, ""); err != nil {
//	    return err
//	}
//	batch, err := s.GetBoardData(250)
//
// Sessions share nothing; any number of them may stream at once.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/biostream/internal/acquisition"
	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/ringbuf"
	"github.com/srg/biostream/internal/streamer"
	"github.com/srg/biostream/internal/transport"
)

// MaxBufferSize is the largest ring buffer capacity StartStream accepts.
const MaxBufferSize = ringbuf.MaxCapacity

const (
	DefaultJoinTimeout = 5 * time.Second
	// leakRecheckTimeout bounds the join retried on a previously leaked goroutine.
	leakRecheckTimeout = 100 * time.Millisecond
)

// State of a session.
type State int

const (
	Uninitialized State = iota
	Prepared
	Streaming
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Prepared:
		return "prepared"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Logger         *logrus.Logger
	Boards         *boards.Table    // nil selects boards.Default()
	Transports     TransportFactory // nil selects NewTransport
	JoinTimeout    time.Duration
	ReadTimeout    time.Duration
	MaxReadRetries int // see acquisition.Config
	RetryBackoff   time.Duration
	MarkerCapacity uint32
}

// Stats is a snapshot of session counters.
type Stats struct {
	State              string        `json:"state"`
	Samples            uint64        `json:"samples"`
	ReadErrors         uint64        `json:"read_errors"`
	Decoder            decoder.Stats `json:"decoder"`
	Buffered           int           `json:"buffered"`
	Overwritten        uint64        `json:"overwritten"`
	StreamerDropped    int64         `json:"streamer_dropped"`
	MarkersOverwritten uint64        `json:"markers_overwritten"`
	Fault              string        `json:"fault,omitempty"`
	Leaked             bool          `json:"leaked"`
}

// Session is one board connection. All methods are safe for concurrent use;
// data accessors never wait for lifecycle operations or hardware I/O.
type Session struct {
	id     string
	opts   Options
	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes PrepareSession, StartStream, StopStream and ReleaseSession
	lifecycle sync.Mutex

	mu        sync.RWMutex // guards the fields below
	state     State
	desc      boards.Descriptor
	params    InputParams
	rate      int
	decoder   decoder.FrameDecoder
	markers   *acquisition.Markers
	buffer    *ringbuf.Buffer
	transport transport.Transport
	streamer  *streamer.File
	worker    *acquisition.Worker
	leaked    bool // worker outlived the join timeout of its StopStream
}

func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Boards == nil {
		opts.Boards = boards.Default()
	}
	if opts.Transports == nil {
		opts.Transports = NewTransport
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		opts:   opts,
		logger: opts.Logger.WithField("session", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Descriptor returns the prepared board, or the zero value before PrepareSession.
func (s *Session) Descriptor() boards.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desc
}

// SamplingRate returns the effective sampling rate of the prepared board.
func (s *Session) SamplingRate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

// PrepareSession binds the session to a board. On failure the session stays
// Uninitialized.
func (s *Session) PrepareSession(boardID int, params InputParams) error {
	const op = "prepare_session"

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if state := s.State(); state != Uninitialized {
		return newError(PortAlreadyOpen, op, "session is %s", state)
	}

	desc, err := s.opts.Boards.Lookup(boardID)
	if err != nil {
		return wrapError(UnsupportedBoard, op, err)
	}
	rate, err := params.validate(desc)
	if err != nil {
		return wrapError(InvalidArguments, op, err)
	}
	dec, err := desc.NewDecoder(s.opts.Logger)
	if err != nil {
		return wrapError(InvalidArguments, op, fmt.Errorf("decoder: %w", err))
	}

	s.mu.Lock()
	s.desc = desc
	s.params = params
	s.rate = rate
	s.decoder = dec
	s.markers = acquisition.NewMarkers(s.opts.MarkerCapacity)
	s.state = Prepared
	s.logger = s.logger.WithField("board", desc.Name)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"board_id": boardID,
		"target":   params.Target(),
		"rate":     rate,
	}).Info("Session prepared")
	return nil
}

// StartStream allocates a ring buffer of capacity records, opens the
// transport, sends the board start command and starts acquisition.
// streamerParams is "" or "file://<path>:w|a". On failure nothing changes.
func (s *Session) StartStream(capacity int, streamerParams string) error {
	const op = "start_stream"

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch state := s.State(); state {
	case Prepared, Stopped:
	case Uninitialized:
		return newError(NotPrepared, op, "call prepare_session first")
	case Streaming:
		return newError(AlreadyStreaming, op, "session is streaming")
	default:
		return newError(BoardNotReady, op, "session is %s", state)
	}

	if capacity <= 0 || capacity > MaxBufferSize {
		return newError(InvalidBufferSize, op, "capacity %d out of range (1..%d)", capacity, MaxBufferSize)
	}
	if err := s.recheckLeaked(); err != nil {
		return wrapError(ThreadJoinTimeout, op, err)
	}
	if _, err := streamer.Parse(streamerParams); err != nil {
		return wrapError(InvalidArguments, op, err)
	}

	s.mu.RLock()
	desc, params, rate, dec, markers := s.desc, s.params, s.rate, s.decoder, s.markers
	s.mu.RUnlock()

	buffer, err := ringbuf.New(capacity, desc.NumRows())
	if err != nil {
		return wrapError(InvalidBufferSize, op, err)
	}

	t, err := s.opts.Transports(desc, params, rate, s.opts.Logger)
	if err != nil {
		return wrapError(UnableToOpenTransport, op, err)
	}
	if err := t.Open(s.ctx); err != nil {
		return wrapError(UnableToOpenTransport, op, err)
	}
	if err := transport.WriteCommand(t, desc.StartCommand); err != nil {
		s.closeQuietly("transport", t)
		return wrapError(UnableToOpenTransport, op, fmt.Errorf("start command: %w", err))
	}

	out, err := streamer.Open(s.ctx, streamerParams, s.opts.Logger)
	if err != nil {
		s.closeQuietly("transport", t)
		return wrapError(InvalidArguments, op, err)
	}

	if r, ok := dec.(interface{ Reset() }); ok {
		r.Reset()
	}
	cfg := acquisition.Config{
		Board:     desc.Name,
		Transport: t,
		Decoder:   dec,
		Buffer:    buffer,
		Rows: acquisition.Rows{
			Package: desc.PackageRow(),
			Exg:     desc.ExgRows(),
			Marker:  desc.MarkerRow(),
		},
		Markers:        markers,
		Logger:         s.opts.Logger,
		ReadTimeout:    s.opts.ReadTimeout,
		MaxReadRetries: s.opts.MaxReadRetries,
		RetryBackoff:   s.opts.RetryBackoff,
	}
	if out != nil {
		cfg.Sink = out
	}

	worker, err := acquisition.Run(s.ctx, cfg)
	if err != nil {
		if out != nil {
			s.closeQuietly("streamer", out)
		}
		s.closeQuietly("transport", t)
		return wrapError(InvalidArguments, op, err)
	}

	s.mu.Lock()
	s.buffer = buffer
	s.transport = t
	s.streamer = out
	s.worker = worker
	s.state = Streaming
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"capacity": capacity,
		"streamer": streamerParams,
	}).Info("Stream started")
	return nil
}

// recheckLeaked gives a goroutine leaked by an earlier StopStream one more
// short chance to exit and releases its transport once it has.
func (s *Session) recheckLeaked() error {
	s.mu.RLock()
	leaked, worker, t := s.leaked, s.worker, s.transport
	s.mu.RUnlock()
	if !leaked {
		return nil
	}

	if err := worker.Join(leakRecheckTimeout); err != nil {
		return fmt.Errorf("previous acquisition goroutine is still running: %w", err)
	}

	s.closeQuietly("transport", t)
	s.mu.Lock()
	s.leaked = false
	s.transport = nil
	s.mu.Unlock()
	s.logger.Info("Leaked acquisition goroutine has exited")
	return nil
}

// StopStream stops acquisition. The buffer stays readable. If the goroutine
// does not exit within the join timeout the session still moves to Stopped,
// the goroutine is reported as leaked and ThreadJoinTimeout is returned.
func (s *Session) StopStream() error {
	const op = "stop_stream"

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if state := s.State(); state != Streaming {
		return newError(NotStreaming, op, "session is %s", state)
	}

	s.mu.RLock()
	worker, t, out, desc := s.worker, s.transport, s.streamer, s.desc
	s.mu.RUnlock()

	worker.Stop()
	joinErr := worker.Join(s.opts.JoinTimeout)

	if out != nil {
		s.closeQuietly("streamer", out)
	}

	s.mu.Lock()
	s.state = Stopped
	s.streamer = nil
	s.leaked = joinErr != nil
	if joinErr == nil {
		s.transport = nil
	}
	s.mu.Unlock()

	if joinErr != nil {
		s.logger.WithField("timeout", s.opts.JoinTimeout).Error("Acquisition goroutine did not stop, leaking it")
		return wrapError(ThreadJoinTimeout, op, joinErr)
	}

	if err := transport.WriteCommand(t, desc.StopCommand); err != nil {
		s.logger.WithError(err).Warn("Failed to send stop command")
	}
	s.closeQuietly("transport", t)

	stats := worker.Stats()
	s.logger.WithFields(logrus.Fields{
		"samples": stats.Samples,
		"fault":   worker.Fault(),
	}).Info("Stream stopped")
	return nil
}

// ReleaseSession frees every resource and moves to Released. It never fails
// and may be called any number of times, from any state.
func (s *Session) ReleaseSession() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == Released {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	worker, t, out, dec := s.worker, s.transport, s.streamer, s.decoder
	s.state = Released
	s.buffer = nil
	s.transport = nil
	s.streamer = nil
	s.mu.Unlock()

	stopped := true
	if worker != nil {
		worker.Stop()
		if err := worker.Join(s.opts.JoinTimeout); err != nil {
			stopped = false
			s.logger.WithError(err).Warn("Acquisition goroutine still running at release")
		}
	}
	s.cancel()

	if out != nil {
		s.closeQuietly("streamer", out)
	}
	if t != nil {
		if prev == Streaming && stopped {
			if err := transport.WriteCommand(t, s.desc.StopCommand); err != nil {
				s.logger.WithError(err).Debug("Failed to send stop command at release")
			}
		}
		s.closeQuietly("transport", t)
	}
	// a running goroutine may still call into the decoder
	if c, ok := dec.(interface{ Close() }); ok && stopped {
		c.Close()
	}

	s.logger.WithField("from", prev).Info("Session released")
	return nil
}

// readable returns the buffer when data accessors are allowed.
func (s *Session) readable(op string) (*ringbuf.Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Streaming && s.state != Stopped {
		return nil, newError(BoardNotReady, op, "session is %s", s.state)
	}
	return s.buffer, nil
}

// GetBoardDataCount returns the number of buffered records.
func (s *Session) GetBoardDataCount() (int, error) {
	buf, err := s.readable("get_board_data_count")
	if err != nil {
		return 0, err
	}
	return buf.Count(), nil
}

// GetBoardData removes and returns up to n oldest records.
func (s *Session) GetBoardData(n int) (ringbuf.Batch, error) {
	const op = "get_board_data"
	buf, err := s.readable(op)
	if err != nil {
		return ringbuf.Batch{}, err
	}
	if n <= 0 {
		return ringbuf.Batch{}, newError(InvalidArguments, op, "count %d must be > 0", n)
	}
	return buf.PopOldest(n), nil
}

// GetCurrentBoardData returns up to n newest records without removing them.
func (s *Session) GetCurrentBoardData(n int) (ringbuf.Batch, error) {
	const op = "get_current_board_data"
	buf, err := s.readable(op)
	if err != nil {
		return ringbuf.Batch{}, err
	}
	if n <= 0 {
		return ringbuf.Batch{}, newError(InvalidArguments, op, "count %d must be > 0", n)
	}
	return buf.PeekLatest(n), nil
}

// LatestSample returns the newest record. An empty buffer yields EmptyBuffer.
func (s *Session) LatestSample() (float64, []float64, error) {
	const op = "latest_sample"
	buf, err := s.readable(op)
	if err != nil {
		return 0, nil, err
	}
	batch := buf.PeekLatest(1)
	if batch.Len() == 0 {
		return 0, nil, newError(EmptyBuffer, op, "no records buffered")
	}
	return batch.Timestamps[0], batch.Row(0), nil
}

// InsertMarker tags the next acquired sample with value.
func (s *Session) InsertMarker(value float64) error {
	const op = "insert_marker"
	if value == 0 {
		return newError(InvalidArguments, op, "marker value must be non-zero")
	}

	s.mu.RLock()
	state, markers := s.state, s.markers
	s.mu.RUnlock()

	if state != Streaming {
		return newError(NotStreaming, op, "session is %s", state)
	}
	if err := markers.Insert(value); err != nil {
		return wrapError(InvalidArguments, op, err)
	}
	return nil
}

// Fault returns the error that ended acquisition, nil while healthy.
func (s *Session) Fault() error {
	s.mu.RLock()
	worker := s.worker
	s.mu.RUnlock()

	if worker == nil {
		return nil
	}
	return worker.Fault()
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{State: s.state.String(), Leaked: s.leaked}
	if s.worker != nil {
		ws := s.worker.Stats()
		st.Samples, st.ReadErrors = ws.Samples, ws.ReadErrors
		if err := s.worker.Fault(); err != nil {
			st.Fault = err.Error()
		}
	}
	if r, ok := s.decoder.(decoder.StatsReporter); ok {
		st.Decoder = r.Stats()
	}
	if s.buffer != nil {
		st.Buffered = s.buffer.Count()
		st.Overwritten = s.buffer.Overwritten()
	}
	if s.streamer != nil {
		st.StreamerDropped = s.streamer.Dropped()
	}
	if s.markers != nil {
		st.MarkersOverwritten = s.markers.Overwritten()
	}
	return st
}

func (s *Session) closeQuietly(what string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.logger.WithError(err).WithField("resource", what).Warn("Close failed")
	}
}
