package watch

import (
	"context"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	watcher, cancel := q.Watch()
	defer cancel()

	q.Publish("foo")
	assert.Equal(t, "foo", <-watcher)

	q.Publish("bar")
	assert.Equal(t, "bar", <-watcher)
}

func TestCallbackWatch(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	watcher, cancel := q.CallbackWatch(events.MatcherFunc(func(event events.Event) bool {
		s, ok := event.(string)
		return ok && s[0] == 'a'
	}))
	defer cancel()

	q.Publish("bob")
	q.Publish("alice")

	// Only the matching event comes through.
	assert.Equal(t, "alice", <-watcher)

	select {
	case event := <-watcher:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchCancel(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	watcher, cancel := q.Watch()

	q.Publish("before")
	assert.Equal(t, "before", <-watcher)

	cancel()
	// Cancel is idempotent.
	cancel()

	q.Publish("after")
	select {
	case event, ok := <-watcher:
		if ok {
			t.Fatalf("unexpected event %v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchContext(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	watcher := q.WatchContext(ctx)

	q.Publish("foo")
	assert.Equal(t, "foo", <-watcher)

	cancel()

	// The watcher is detached once the context is done. Publish must not
	// block even with nobody reading.
	time.Sleep(50 * time.Millisecond)
	q.Publish("bar")
}

func TestLimitQueueClosesOutChan(t *testing.T) {
	q := NewQueue(WithCloseOutChan(), WithLimit(1))
	defer q.Close()

	watcher, cancel := q.Watch()
	defer cancel()

	// Nobody reads the watcher; the first event sits in the queue and the
	// second overflows it, which must close the channel rather than grow
	// without bound.
	for i := 0; i < 10; i++ {
		q.Publish(i)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-watcher:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("watcher channel was not closed on overflow")
		}
	}
}

func TestQueueCloseCancelsWatchers(t *testing.T) {
	q := NewQueue(WithCloseOutChan())

	watcher, cancel := q.Watch()
	defer cancel()

	require.NoError(t, q.Close())

	select {
	case _, ok := <-watcher:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher channel was not closed on queue close")
	}
}

func TestTimeoutTearsDownStalledWatcher(t *testing.T) {
	q := NewQueue(WithTimeout(50*time.Millisecond), WithCloseOutChan())
	defer q.Close()

	watcher, cancel := q.Watch()
	defer cancel()

	// Nobody reads yet: the first event is claimed for delivery, the
	// second stalls behind it until the deadline tears the sink down.
	q.Publish("first")
	q.Publish("second")
	time.Sleep(250 * time.Millisecond)

	// The claimed event still arrives, then the channel closes.
	assert.Equal(t, "first", <-watcher)
	select {
	case _, ok := <-watcher:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher channel was not closed after the write deadline")
	}
}
