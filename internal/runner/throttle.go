package runner

import (
	"bytes"
	"sync"
	"time"
)

// throttle coalesces PTY output into at most one flush per interval and
// suppresses a flush that exactly repeats the previous one inside twice
// the interval. Busy redraw loops collapse; real output arrives at worst
// one interval late.
type throttle struct {
	interval time.Duration
	flush    func([]byte)

	// flushMu serializes deliveries so frames keep their order. Lock
	// order is flushMu, then mu; mu is never held across the callback.
	flushMu sync.Mutex

	mu         sync.Mutex
	pending    []byte
	last       []byte
	lastAt     time.Time
	timer      *time.Timer
	delivering bool
	closed     bool
	now        func() time.Time
}

func newThrottle(interval time.Duration, flush func([]byte)) *throttle {
	return &throttle{interval: interval, flush: flush, now: time.Now}
}

// Write buffers p and schedules a flush no sooner than one interval after
// the previous one. While a delivery is stuck in the callback, writes keep
// buffering and the next timer picks them up.
func (t *throttle) Write(p []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = append(t.pending, p...)
	if t.timer != nil {
		t.mu.Unlock()
		return
	}
	wait := t.interval - t.now().Sub(t.lastAt)
	if wait <= 0 && !t.delivering {
		t.mu.Unlock()
		t.deliver()
		return
	}
	if wait <= 0 {
		wait = t.interval
	}
	t.timer = time.AfterFunc(wait, t.deliver)
	t.mu.Unlock()
}

// Close flushes whatever is still buffered and stops the timer.
func (t *throttle) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.deliver()
}

// deliver drains the buffer and hands it to the flush callback with mu
// released. flushMu keeps concurrent deliveries in take order.
func (t *throttle) deliver() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	t.timer = nil
	t.delivering = true
	data := t.takeLocked()
	t.mu.Unlock()

	if data != nil {
		t.flush(data)
	}

	t.mu.Lock()
	t.delivering = false
	t.mu.Unlock()
}

// takeLocked removes the buffered bytes and applies the repeat window.
// Returns nil when nothing is due.
func (t *throttle) takeLocked() []byte {
	if len(t.pending) == 0 {
		return nil
	}
	data := t.pending
	t.pending = nil
	now := t.now()
	repeat := bytes.Equal(data, t.last) && now.Sub(t.lastAt) <= 2*t.interval
	t.last = data
	t.lastAt = now
	if repeat {
		return nil
	}
	return data
}
