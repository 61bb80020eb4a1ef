package watch

import (
	"fmt"
	"time"

	events "github.com/docker/go-events"
)

// ErrSinkTimeout is returned from the Write method when a sink write does
// not complete in time. The sink is torn down along with it.
var ErrSinkTimeout = fmt.Errorf("sink write timed out, tearing down sink")

// chanSinkGen builds the sink chain behind one watcher channel: an
// unbuffered channel sink, quieted against ErrSinkClosed, and optionally
// guarded by a write deadline. A zero timeout means writes may block for
// as long as the watcher takes to read.
type chanSinkGen struct {
	timeout time.Duration
}

func (g *chanSinkGen) NewChannelSink() (events.Sink, *events.Channel) {
	ch := events.NewChannel(0)
	var sink events.Sink = quietClosedSink{sink: ch}
	if g.timeout > 0 {
		sink = deadlineSink{timeout: g.timeout, sink: sink}
	}
	return sink, ch
}

// deadlineSink bounds how long one Write to the wrapped sink may take.
// A write that overruns the deadline closes the wrapped sink and fails
// with ErrSinkTimeout, so a watcher that stopped reading cannot park the
// queue goroutine behind it forever.
type deadlineSink struct {
	timeout time.Duration
	sink    events.Sink
}

func (s deadlineSink) Write(event events.Event) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	errC := make(chan error, 1)
	go func() {
		errC <- s.sink.Write(event)
	}()

	select {
	case err := <-errC:
		return err
	case <-timer.C:
		s.sink.Close()
		return ErrSinkTimeout
	}
}

func (s deadlineSink) Close() error {
	return s.sink.Close()
}

// quietClosedSink swallows ErrSinkClosed from Write. A canceled watcher
// closes its channel before its queue drains, so the queue can race one
// last write against the closed channel; dropping that event silently is
// the intended outcome, not a failure worth logging.
type quietClosedSink struct {
	sink events.Sink
}

func (s quietClosedSink) Write(event events.Event) error {
	err := s.sink.Write(event)
	if err == events.ErrSinkClosed {
		err = nil
	}
	return err
}

func (s quietClosedSink) Close() error {
	return s.sink.Close()
}
