package publish

import "sync/atomic"

// Metrics counts outbox traffic. All fields use atomic operations.
type Metrics struct {
	Published   int64 // messages acknowledged by the client
	Failed      int64 // publishes that errored or timed out
	Overwritten int64 // queued messages dropped because the outbox was full
}

func (m *Metrics) incPublished() { atomic.AddInt64(&m.Published, 1) }
func (m *Metrics) incFailed()    { atomic.AddInt64(&m.Failed, 1) }

func (m *Metrics) addOverwritten(n uint32) {
	if n > 0 {
		atomic.AddInt64(&m.Overwritten, int64(n))
	}
}

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		Published:   atomic.LoadInt64(&m.Published),
		Failed:      atomic.LoadInt64(&m.Failed),
		Overwritten: atomic.LoadInt64(&m.Overwritten),
	}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.Published, 0)
	atomic.StoreInt64(&m.Failed, 0)
	atomic.StoreInt64(&m.Overwritten, 0)
}
