package streamer

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics: writers
// never block, a full buffer discards its oldest element.
//
//	rc := NewRingChannel[Record](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(rec(i)) // only the last 3 survive
//	}
//	for r := range rc.C() {
//	    ...
//	}
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through it are not
// counted as processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full.
// It reports whether an element was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return false
		default:
		}

		// a concurrent receiver may empty the channel between the two selects
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			select {
			case rc.ch <- v:
				rc.metrics.Written.Add(1)
				return true
			default:
			}
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.Written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.Processed.Add(1)
	}
	return
}

// TryReceive returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.Processed.Add(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Sending afterwards panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Metrics counts channel traffic. All fields are updated atomically.
type Metrics struct {
	Processed   atomic.Int64
	Written     atomic.Int64
	Overwritten atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Processed   int64 `json:"processed"`
	Written     int64 `json:"written"`
	Overwritten int64 `json:"overwritten"`
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *RingChannel[T]) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		Processed:   rc.metrics.Processed.Load(),
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
	}
}
