// Package queue provides the bounded buffering between an event publisher
// and one of its watchers.
package queue

import (
	"sync"

	events "github.com/docker/go-events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Write when the queue is at its limit and the
// event had to be dropped.
var ErrQueueFull = errors.New("queue is at its size limit")

// LimitQueue buffers events for asynchronous delivery to a sink, holding at
// most limit undelivered events. Writes beyond the limit are dropped and
// signaled through Full, leaving it to the owner to decide whether the
// backlog means the sink is dead. A limit of zero means no bound.
type LimitQueue struct {
	sink   events.Sink
	limit  uint64
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []events.Event
	closed bool

	full       chan struct{}
	fullClosed bool
}

// NewLimitQueue creates a LimitQueue delivering to sink and starts its
// delivery goroutine.
func NewLimitQueue(sink events.Sink, limit uint64) *LimitQueue {
	q := &LimitQueue{
		sink:  sink,
		limit: limit,
		full:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Write enqueues one event. It fails with events.ErrSinkClosed after Close
// and with ErrQueueFull when the limit is reached; a full queue keeps
// delivering what it already holds.
func (q *LimitQueue) Write(event events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return events.ErrSinkClosed
	}

	if q.limit > 0 && uint64(len(q.buf)) >= q.limit {
		if !q.fullClosed {
			q.fullClosed = true
			close(q.full)
		}
		return ErrQueueFull
	}

	q.buf = append(q.buf, event)
	q.cond.Signal()
	return nil
}

// Full returns a channel that is closed the first time a write finds the
// queue at its limit.
func (q *LimitQueue) Full() <-chan struct{} {
	return q.full
}

// Close stops the queue after the buffered events have been delivered,
// then closes the sink. It is idempotent.
func (q *LimitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	q.cond.Signal()
	// The delivery goroutine broadcasts once the buffer is empty.
	q.cond.Wait()
	return q.sink.Close()
}

// run delivers buffered events to the sink in order until the queue is
// closed and drained.
func (q *LimitQueue) run() {
	for {
		event := q.next()
		if event == nil {
			return
		}

		if err := q.sink.Write(event); err != nil {
			// The sink is gone or wedged; the event cannot be
			// delivered anymore.
			logrus.WithError(err).WithField("event", event).
				Debug("dropping undeliverable event")
		}
	}
}

// next blocks until an event is available and pops it. It returns nil once
// the queue is closed and empty, waking any Close waiting on the drain.
func (q *LimitQueue) next() events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 {
		if q.closed {
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}

	event := q.buf[0]
	q.buf[0] = nil
	q.buf = q.buf[1:]
	return event
}
