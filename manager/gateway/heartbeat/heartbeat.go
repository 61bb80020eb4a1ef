// Package heartbeat provides a simple way to track liveness deadlines.
package heartbeat

import (
	"sync/atomic"
	"time"
)

// Heartbeat tracks one peer's liveness. timeoutFunc fires when the
// timeout elapses without a Beat; after a timeout, Beat reactivates the
// heartbeat.
type Heartbeat struct {
	timeout int64
	timer   *time.Timer
}

// New creates a Heartbeat with the specified duration. timeoutFunc is
// called from the timer's goroutine when the timeout expires.
func New(timeout time.Duration, timeoutFunc func()) *Heartbeat {
	hb := &Heartbeat{
		timeout: int64(timeout),
		timer:   time.AfterFunc(timeout, timeoutFunc),
	}

	return hb
}

// Beat resets the timer to the full timeout. It also reactivates the
// Heartbeat after a timeout has fired.
func (hb *Heartbeat) Beat() {
	hb.timer.Reset(time.Duration(atomic.LoadInt64(&hb.timeout)))
}

// Update changes the timeout to d. It does not Beat.
func (hb *Heartbeat) Update(d time.Duration) {
	atomic.StoreInt64(&hb.timeout, int64(d))
}

// Stop stops the timer. A stopped Heartbeat can be reactivated with Beat.
func (hb *Heartbeat) Stop() {
	hb.timer.Stop()
}
