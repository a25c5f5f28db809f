package device

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/groutine"
)

// Dispatcher is an execution context. Implementations must run functions one at
// a time in submission order.
type Dispatcher interface {
	Dispatch(fn func())
}

// SerialQueue is an unbounded FIFO dispatcher backed by a single named goroutine.
// Dispatch never blocks and never drops work.
type SerialQueue struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewSerialQueue starts a queue whose worker goroutine carries name as its pprof label.
func NewSerialQueue(name string, logger *logrus.Logger) *SerialQueue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &SerialQueue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), name, q.run)
	return q
}

// Dispatch appends fn to the queue. Functions dispatched after Close are discarded.
func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.WithField("queue", q.name).Debug("Dispatch on closed queue ignored")
		return
	}
	q.queue = append(q.queue, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of functions waiting to run.
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Sync blocks until every function dispatched before the call has run.
// Must not be called from the queue itself.
func (q *SerialQueue) Sync() {
	barrier := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.queue = append(q.queue, func() { close(barrier) })
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-barrier
}

// Flush blocks until the queue is idle, including work dispatched by work that
// was already queued.
func (q *SerialQueue) Flush() {
	for {
		q.Sync()
		if q.Len() == 0 {
			return
		}
	}
}

// Close stops accepting work. Already queued functions still run.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the worker has drained the queue after Close.
func (q *SerialQueue) Done() <-chan struct{} {
	return q.done
}

func (q *SerialQueue) run(ctx context.Context) {
	log := q.logger.WithField("goroutine", groutine.GetName(ctx))
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				log.Debug("Serial queue stopped")
				return
			}
			<-q.wake
			continue
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.invoke(log, fn)
	}
}

func (q *SerialQueue) invoke(log *logrus.Entry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Dispatched function panicked")
		}
	}()
	fn()
}
