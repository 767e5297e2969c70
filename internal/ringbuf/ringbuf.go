// Package ringbuf holds timestamped sample records in a fixed-capacity circular
// store shared between one producer and any number of polling consumers.
//
// The buffer never blocks the producer: pushing into a full buffer overwrites
// the oldest record. Every operation runs under a single mutex and copies at
// most the requested number of records, clamped to what is available.
package ringbuf

import (
	"fmt"
	"sync"
)

const (
	// MaxCapacity guards against accidental misconfiguration.
	MaxCapacity = 86400 * 250 // a day at 250 Hz
	// MaxValues bounds the allocation of one buffer: capacity × (width + 1)
	// float64 slots, 2 GiB.
	MaxValues = 1 << 28
)

// Batch is a copy of consecutive records, oldest first.
// Values is row-major: record i occupies Values[i*Width : (i+1)*Width].
type Batch struct {
	Width      int
	Timestamps []float64
	Values     []float64
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Timestamps)
}

// Row returns the channel values of record i. The slice aliases the batch.
func (b Batch) Row(i int) []float64 {
	return b.Values[i*b.Width : (i+1)*b.Width]
}

// Channel returns a copy of channel ch across all records.
func (b Batch) Channel(ch int) []float64 {
	out := make([]float64, b.Len())
	for i := range out {
		out[i] = b.Values[i*b.Width+ch]
	}
	return out
}

// Buffer is a mutex-guarded circular store of records with a fixed width.
type Buffer struct {
	mu          sync.Mutex
	capacity    int
	width       int
	timestamps  []float64
	values      []float64
	head        int // read cursor, index of the oldest record
	tail        int // write cursor, index of the next slot to write
	count       int
	overwritten uint64
}

// New allocates a buffer for capacity records of width channel values each.
func New(capacity, width int) (*Buffer, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity %d out of range (1..%d)", capacity, MaxCapacity)
	}
	if width <= 0 {
		return nil, fmt.Errorf("record width must be > 0, got %d", width)
	}
	if capacity > MaxValues/(width+1) {
		return nil, fmt.Errorf("capacity %d × %d values exceeds the %d value limit (max capacity %d for this width)",
			capacity, width+1, MaxValues, MaxValues/(width+1))
	}

	return &Buffer{
		capacity:   capacity,
		width:      width,
		timestamps: make([]float64, capacity),
		values:     make([]float64, capacity*width),
	}, nil
}

// Push appends a record, overwriting the oldest one when full.
// values shorter than the width are zero padded, longer ones are truncated.
func (b *Buffer) Push(ts float64, values []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot := b.values[b.tail*b.width : (b.tail+1)*b.width]
	n := copy(slot, values)
	clear(slot[n:])
	b.timestamps[b.tail] = ts

	b.tail = (b.tail + 1) % b.capacity
	if b.count == b.capacity {
		b.head = (b.head + 1) % b.capacity
		b.overwritten++
	} else {
		b.count++
	}
}

// PopOldest removes and returns up to maxN of the oldest records.
func (b *Buffer) PopOldest(maxN int) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.clampLocked(maxN)
	batch := b.copyLocked(b.head, n)
	b.head = (b.head + n) % b.capacity
	b.count -= n
	return batch
}

// PeekLatest returns up to maxN of the most recent records without removing them.
func (b *Buffer) PeekLatest(maxN int) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.clampLocked(maxN)
	start := (b.tail - n + b.capacity) % b.capacity
	return b.copyLocked(start, n)
}

// Count returns the number of live records.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the maximum number of records held.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Width returns the number of channel values per record.
func (b *Buffer) Width() int {
	return b.width
}

// Overwritten returns how many records were dropped by the overwrite-oldest policy.
func (b *Buffer) Overwritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overwritten
}

// Reset drops all records.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail, b.count = 0, 0, 0
}

func (b *Buffer) clampLocked(maxN int) int {
	if maxN <= 0 {
		return 0
	}
	if maxN > b.count {
		return b.count
	}
	return maxN
}

// copyLocked copies n records starting at slot start, splitting the copy in
// two when the range wraps. Caller guarantees n <= count.
func (b *Buffer) copyLocked(start, n int) Batch {
	batch := Batch{
		Width:      b.width,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n*b.width),
	}
	if n == 0 {
		return batch
	}

	first := n
	if start+n > b.capacity {
		first = b.capacity - start
	}
	copy(batch.Timestamps, b.timestamps[start:start+first])
	copy(batch.Values, b.values[start*b.width:(start+first)*b.width])

	if rest := n - first; rest > 0 {
		copy(batch.Timestamps[first:], b.timestamps[:rest])
		copy(batch.Values[first*b.width:], b.values[:rest*b.width])
	}
	return batch
}
