package scanner

import "sync/atomic"

// RingChannel is a bounded channel whose producers never block: when the
// buffer is full the oldest element is discarded to make room.
//
// Readers use C() like any channel, or Receive/TryReceive to have reads counted.
type RingChannel[T any] struct {
	ch      chan T
	metrics RingMetrics
}

// RingMetrics counts RingChannel traffic. All fields use atomic operations.
type RingMetrics struct {
	Received    int64
	Written     int64
	Overwritten int64
}

func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("scanner: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying channel. Reads through it are not counted.
func (rc *RingChannel[T]) C() <-chan T { return rc.ch }

// Send enqueues v, dropping the oldest buffered element if needed, and
// reports whether something was dropped.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// Receive blocks for the next element; ok is false once the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		atomic.AddInt64(&rc.metrics.Received, 1)
	}
	return v, ok
}

// TryReceive is the non-blocking Receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Received, 1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel; Send panics afterwards.
func (rc *RingChannel[T]) Close() { close(rc.ch) }

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() RingMetrics {
	return RingMetrics{
		Received:    atomic.LoadInt64(&rc.metrics.Received),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}
