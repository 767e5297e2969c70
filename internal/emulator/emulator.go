// Package emulator provides a virtual serial board: a pseudo-terminal whose
// master side behaves like a board firmware. Open the slave path with any
// serial client, send the board's start command and frames start flowing.
//
//	emu, err := emulator.Start(ctx, emulator.Config{Board: desc})
//	if err != nil {
//	    return err
//	}
//	defer emu.Close()
//	// emu.TTYName() -> "/dev/pts/X"
//
// Frames are generated on a wall-clock schedule and staged in a byte ring.
// When nobody drains the slave the ring fills up and further bytes are
// counted as dropped, like a board with a full UART buffer.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/groutine"
	"github.com/srg/biostream/internal/transport/synthetic"
)

const (
	// DefaultPollTimeout bounds how long the I/O loops wait before rechecking shutdown.
	DefaultPollTimeout = 20 * time.Millisecond
	// DefaultWriteCap is the staging ring size in bytes.
	DefaultWriteCap = 64 * 1024

	tick = 5 * time.Millisecond
)

var ErrClosed = errors.New("emulator closed")

type Config struct {
	Board        boards.Descriptor
	SamplingRate int     // 0 selects the board rate
	Amplitude    float64 // 0 selects synthetic.DefaultAmplitude
	CorruptEvery int     // corrupt every Nth frame, 0 disables
	WriteCap     int
	PollTimeout  time.Duration
	Logger       *logrus.Logger
}

// Stats is a snapshot of emulator counters.
type Stats struct {
	Streaming    bool     `json:"streaming"`
	Frames       uint64   `json:"frames"`
	Corrupted    uint64   `json:"corrupted"`
	BytesWritten uint64   `json:"bytes_written"`
	DroppedBytes uint64   `json:"dropped_bytes"`
	Commands     []string `json:"commands,omitempty"`
}

// Emulator owns the pty pair and its three goroutines: the frame generator,
// the master write loop and the command read loop.
type Emulator struct {
	cfg     Config
	layout  decoder.Layout
	logger  *logrus.Entry
	master  *os.File
	slave   *os.File
	ttyName string
	pollMs  int

	writeBuf *ringbuffer.RingBuffer
	notify   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streaming atomic.Bool
	resumed   chan struct{}
	closed    atomic.Bool

	frames       atomic.Uint64
	corrupted    atomic.Uint64
	bytesWritten atomic.Uint64
	droppedBytes atomic.Uint64

	cmdMu    sync.Mutex
	commands []string
}

// Start opens the pty pair and starts the emulator goroutines. Boards
// without a start command stream immediately.
func Start(ctx context.Context, cfg Config) (*Emulator, error) {
	if err := cfg.Board.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("board %q: %w", cfg.Board.Name, err)
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = cfg.Board.SamplingRate
	}
	if cfg.SamplingRate <= 0 {
		return nil, fmt.Errorf("sampling rate must be > 0, got %d", cfg.SamplingRate)
	}
	if cfg.CorruptEvery < 0 {
		return nil, fmt.Errorf("corrupt interval must be >= 0, got %d", cfg.CorruptEvery)
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = synthetic.DefaultAmplitude
	}
	if cfg.WriteCap <= 0 {
		cfg.WriteCap = DefaultWriteCap
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	master, slave, err := openPair()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Emulator{
		cfg:      cfg,
		layout:   cfg.Board.Layout,
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		pollMs:   int(cfg.PollTimeout / time.Millisecond),
		writeBuf: ringbuffer.New(cfg.WriteCap),
		notify:   make(chan struct{}, 1),
		resumed:  make(chan struct{}, 1),
		ctx:      runCtx,
		cancel:   cancel,
	}
	e.logger = cfg.Logger.WithFields(logrus.Fields{
		"board": cfg.Board.Name,
		"tty":   e.ttyName,
	})
	if cfg.Board.StartCommand == "" {
		e.setStreaming(true)
	}

	e.wg.Add(3)
	groutine.Go(runCtx, "emulator-generate", e.generateLoop)
	groutine.Go(runCtx, "emulator-write", e.writeLoop)
	groutine.Go(runCtx, "emulator-read", e.readLoop)

	// the caller's context bounds the emulator lifetime too
	go func() {
		select {
		case <-ctx.Done():
			_ = e.Close()
		case <-runCtx.Done():
		}
	}()

	e.logger.WithField("rate", cfg.SamplingRate).Info("Emulator started")
	return e, nil
}

// openPair creates a pty with the slave in raw mode and a non-blocking master.
func openPair() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pty (check permissions and available pty devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		name := slave.Name()
		closeErr := errors.Join(master.Close(), slave.Close())
		if closeErr != nil {
			return nil, nil, fmt.Errorf("failed to %s on %s: %w (cleanup: %v)", step, name, err, closeErr)
		}
		return nil, nil, fmt.Errorf("failed to %s on %s: %w", step, name, err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

// TTYName returns the slave device path.
func (e *Emulator) TTYName() string {
	return e.ttyName
}

// Streaming reports whether frames are currently generated.
func (e *Emulator) Streaming() bool {
	return e.streaming.Load()
}

func (e *Emulator) Stats() Stats {
	e.cmdMu.Lock()
	commands := append([]string(nil), e.commands...)
	e.cmdMu.Unlock()

	return Stats{
		Streaming:    e.streaming.Load(),
		Frames:       e.frames.Load(),
		Corrupted:    e.corrupted.Load(),
		BytesWritten: e.bytesWritten.Load(),
		DroppedBytes: e.droppedBytes.Load(),
		Commands:     commands,
	}
}

// Done is closed once the emulator starts shutting down.
func (e *Emulator) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Close stops the goroutines and closes both pty ends. Safe to call more than once.
func (e *Emulator) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	err := errors.Join(e.master.Close(), e.slave.Close())
	e.logger.WithFields(logrus.Fields{
		"frames":  e.frames.Load(),
		"dropped": e.droppedBytes.Load(),
	}).Info("Emulator stopped")
	return err
}

func (e *Emulator) setStreaming(on bool) {
	if e.streaming.Swap(on) == on {
		return
	}
	if on {
		select {
		case e.resumed <- struct{}{}:
		default:
		}
	}
	e.logger.WithField("streaming", on).Debug("Emulator streaming state changed")
}

// generateLoop stages every frame due since streaming (re)started.
func (e *Emulator) generateLoop(ctx context.Context) {
	defer e.wg.Done()

	rate := uint64(e.cfg.SamplingRate)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var (
		started time.Time
		due     uint64
		seq     uint64 // package counter keeps running across pauses
	)
	restart := func() {
		started = time.Now()
		due = 0
	}
	restart()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resumed:
			restart()
			continue
		case <-ticker.C:
		}
		if !e.streaming.Load() {
			continue
		}

		target := uint64(time.Since(started).Seconds() * float64(rate))
		if target > due+rate {
			// more than a second behind (process was suspended): skip ahead
			due = target - rate
		}
		staged := false
		for ; due < target; due++ {
			frame, err := e.frame(seq)
			seq++
			if err != nil {
				e.logger.WithError(err).Error("Failed to encode frame")
				continue
			}
			e.stage(frame)
			staged = true
		}
		if staged {
			select {
			case e.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (e *Emulator) frame(seq uint64) ([]byte, error) {
	values := synthetic.Values(seq, e.cfg.SamplingRate, e.layout.ChannelCount, e.cfg.Amplitude)
	frame, err := decoder.Encode(e.layout, byte(seq), values)
	if err != nil {
		return nil, err
	}
	n := e.frames.Add(1)
	if every := uint64(e.cfg.CorruptEvery); every > 0 && n%every == 0 {
		Corrupt(e.layout, frame)
		e.corrupted.Add(1)
	}
	return frame, nil
}

// Corrupt damages frame so a decoder for l rejects it: the end byte when the
// layout has one, otherwise the checksum, otherwise the start marker.
func Corrupt(l decoder.Layout, frame []byte) {
	switch {
	case l.HasEnd():
		frame[l.Length-1] ^= 0xFF
	case l.HasChecksum():
		frame[l.ChecksumOffset()] ^= 0xFF
	default:
		frame[0] ^= 0xFF
	}
}

func (e *Emulator) stage(frame []byte) {
	written, err := e.writeBuf.Write(frame)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		e.logger.WithError(err).Warn("Failed to stage frame")
	}
	if written < len(frame) {
		e.droppedBytes.Add(uint64(len(frame) - written))
	}
}

// writeLoop moves staged bytes to the pty master.
func (e *Emulator) writeLoop(ctx context.Context) {
	defer e.wg.Done()

	fd := int(e.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	idle := time.NewTicker(e.cfg.PollTimeout)
	defer idle.Stop()

	for ctx.Err() == nil {
		if e.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-e.notify:
			case <-idle.C:
				continue
			}
		}

		n, err := e.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			e.logger.WithError(err).Warn("Failed to read staged bytes")
			continue
		}

		for offset := 0; offset < n; {
			if ctx.Err() != nil {
				return
			}
			written, err := unix.Write(fd, buf[offset:n])
			if written > 0 {
				offset += written
				e.bytesWritten.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				// slave input queue is full; wait for the reader
				if _, pollErr := unix.Poll(pollFd, e.pollMs); pollErr != nil && !errors.Is(pollErr, unix.EINTR) {
					e.logger.WithError(pollErr).Warn("Write poll failed")
				}
			case errors.Is(err, unix.EBADF), errors.Is(err, unix.EIO):
				e.logger.Debug("Write loop exiting: pty closed")
				return
			default:
				e.logger.WithError(err).Warn("Write loop exiting on error")
				return
			}
		}
	}
}

// readLoop receives host commands from the pty master and toggles streaming.
func (e *Emulator) readLoop(ctx context.Context) {
	defer e.wg.Done()

	fd := int(e.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 256)
	var pending strings.Builder

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, e.pollMs)
		if err != nil && !errors.Is(err, unix.EINTR) {
			e.logger.WithError(err).Warn("Read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			pending.Write(buf[:n])
			rest := e.handleCommands(pending.String())
			pending.Reset()
			pending.WriteString(rest)
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EBADF), errors.Is(err, io.EOF):
				return
			case errors.Is(err, unix.EIO):
				// no slave open right now (linux reports EIO); wait for the next client
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.PollTimeout):
				}
			default:
				e.logger.WithError(err).Warn("Read loop exiting on error")
				return
			}
		}
	}
}

// handleCommands applies every complete start/stop command in input and
// returns the bytes that may still begin a command.
func (e *Emulator) handleCommands(input string) string {
	start, stop := e.cfg.Board.StartCommand, e.cfg.Board.StopCommand
	for input != "" {
		switch {
		case start != "" && strings.HasPrefix(input, start):
			e.recordCommand(start)
			e.setStreaming(true)
			input = input[len(start):]
		case stop != "" && strings.HasPrefix(input, stop):
			e.recordCommand(stop)
			e.setStreaming(false)
			input = input[len(stop):]
		case (start != "" && strings.HasPrefix(start, input)) || (stop != "" && strings.HasPrefix(stop, input)):
			return input
		default:
			// unknown byte: boards ignore configuration they do not emulate
			input = input[1:]
		}
	}
	return ""
}

func (e *Emulator) recordCommand(cmd string) {
	e.cmdMu.Lock()
	e.commands = append(e.commands, cmd)
	e.cmdMu.Unlock()
	e.logger.WithField("command", cmd).Debug("Emulator received command")
}
