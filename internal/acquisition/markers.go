package acquisition

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DefaultMarkerCapacity bounds the number of markers waiting for a sample.
const DefaultMarkerCapacity uint32 = 64

// Markers is a lock-free queue of user event markers. Any goroutine may
// insert; the acquisition goroutine attaches one marker to each produced
// sample. When full the oldest pending marker is overwritten.
type Markers struct {
	ring        mpmc.RichOverlappedRingBuffer[float64]
	overwritten atomic.Uint64
}

func NewMarkers(capacity uint32) *Markers {
	if capacity == 0 {
		capacity = DefaultMarkerCapacity
	}
	return &Markers{ring: mpmc.NewOverlappedRingBuffer[float64](capacity)}
}

// Insert queues value for the next sample.
func (m *Markers) Insert(value float64) error {
	overwrites, err := m.ring.EnqueueM(value)
	if err != nil {
		return fmt.Errorf("failed to queue marker: %w", err)
	}
	m.overwritten.Add(uint64(overwrites))
	return nil
}

// Next dequeues the oldest pending marker.
func (m *Markers) Next() (float64, bool) {
	if m.ring.IsEmpty() {
		return 0, false
	}
	v, err := m.ring.Dequeue()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Overwritten returns how many markers were lost to overflow.
func (m *Markers) Overwritten() uint64 {
	return m.overwritten.Load()
}
