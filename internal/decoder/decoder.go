// Package decoder turns a raw transport byte stream into sample records.
//
// Decoders are fed one byte at a time and keep at most one frame of state.
// A frame that fails validation is never surfaced: the decoder drops the
// first byte of the candidate and rescans what it already buffered for the
// next start marker, so a corrupted frame costs at most one frame length.
package decoder

import (
	"sync/atomic"
)

// Sample is one decoded frame.
type Sample struct {
	Package float64   // device package/sequence counter, 0 when the layout has none
	Values  []float64 // scaled channel values
}

// FrameDecoder consumes the byte stream and yields a sample whenever a
// complete valid frame ends at b.
type FrameDecoder interface {
	Consume(b byte) (Sample, bool)
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Frames    uint64 `json:"frames"`
	Rejected  uint64 `json:"rejected"`
	Discarded uint64 `json:"discarded_bytes"`
}

// StatsReporter is implemented by decoders that count protocol errors.
type StatsReporter interface {
	Stats() Stats
}

// validateFunc checks a complete candidate frame and converts it.
type validateFunc func(frame []byte) (Sample, bool)

// framer does start-marker search, fixed-length accumulation and resync.
// It is not safe for concurrent use; counters are readable from any goroutine.
type framer struct {
	start    []byte
	length   int
	buf      []byte
	validate validateFunc

	frames    atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64
}

func newFramer(start []byte, length int, validate validateFunc) *framer {
	return &framer{
		start:    append([]byte(nil), start...),
		length:   length,
		buf:      make([]byte, 0, length),
		validate: validate,
	}
}

func (f *framer) Consume(b byte) (Sample, bool) {
	f.buf = append(f.buf, b)

	if i := len(f.buf) - 1; i < len(f.start) && f.buf[i] != f.start[i] {
		f.resync(0)
		return Sample{}, false
	}
	if len(f.buf) < f.length {
		return Sample{}, false
	}

	sample, ok := f.validate(f.buf)
	if ok {
		f.frames.Add(1)
		f.buf = f.buf[:0]
		return sample, true
	}

	f.rejected.Add(1)
	f.resync(1)
	return Sample{}, false
}

// resync drops skip bytes, then keeps dropping until the buffer is a valid
// start-marker prefix again (possibly empty).
func (f *framer) resync(skip int) {
	f.shift(skip)
	for len(f.buf) > 0 && !f.isStartPrefix() {
		f.shift(1)
	}
}

func (f *framer) shift(n int) {
	if n <= 0 {
		return
	}
	if n > len(f.buf) {
		n = len(f.buf)
	}
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
	f.discarded.Add(uint64(n))
}

func (f *framer) isStartPrefix() bool {
	n := min(len(f.buf), len(f.start))
	for i := 0; i < n; i++ {
		if f.buf[i] != f.start[i] {
			return false
		}
	}
	return true
}

// Pending returns how many bytes of a candidate frame are buffered.
func (f *framer) Pending() int {
	return len(f.buf)
}

// Reset drops any partial frame. Counters are kept.
func (f *framer) Reset() {
	f.buf = f.buf[:0]
}

func (f *framer) Stats() Stats {
	return Stats{
		Frames:    f.frames.Load(),
		Rejected:  f.rejected.Load(),
		Discarded: f.discarded.Load(),
	}
}
