package common

import (
	"sync"
	"time"
)

// Watchdog fires a callback once no Notify call has been observed for the
// configured timeout. Used for hold-off style logic: keep kicking the dog
// while an activity lasts, and react once the activity has been absent
// long enough.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func()

	mutex  sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWatchdog creates a watchdog that calls onTimeout (on a timer
// goroutine) once timeout elapses after the last Notify. The watchdog is
// armed from the start.
func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{
		timeout:   timeout,
		onTimeout: onTimeout,
	}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

func (w *Watchdog) fire() {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return
	}
	w.closed = true
	w.mutex.Unlock()

	w.onTimeout()
}

// Notify re-arms the watchdog. Returns false if the watchdog has already
// fired or has been closed.
func (w *Watchdog) Notify() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return false
	}

	w.timer.Reset(w.timeout)
	return true
}

// Close disarms the watchdog without firing it. Safe to call more than once.
func (w *Watchdog) Close() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		w.timer.Stop()
		w.closed = true
	}
}
