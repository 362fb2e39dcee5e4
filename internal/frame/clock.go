package frame

import (
	"sync"
	"time"

	"github.com/woxQAQ/canvas-bridge/internal/loop"
)

// Clock reads wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock stopped at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Requester schedules a callback for the next display refresh.
type Requester interface {
	Request(cb func())
}

// Display is a Requester driven by a timer at a fixed refresh rate.
// Callbacks are posted to the loop rather than run on the timer goroutine.
type Display struct {
	poster   loop.Poster
	interval time.Duration
}

// NewDisplay creates a display refreshing hz times per second.
func NewDisplay(poster loop.Poster, hz float64) *Display {
	if hz <= 0 {
		hz = 60
	}
	return &Display{poster: poster, interval: time.Duration(float64(time.Second) / hz)}
}

// Interval returns the refresh interval.
func (d *Display) Interval() time.Duration {
	return d.interval
}

// Request posts cb to the loop after one refresh interval.
func (d *Display) Request(cb func()) {
	time.AfterFunc(d.interval, func() {
		d.poster.Post(cb)
	})
}

// ManualRequester holds requested callbacks until Fire is called.
type ManualRequester struct {
	mu      sync.Mutex
	pending []func()
}

// Request queues cb for the next Fire.
func (r *ManualRequester) Request(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, cb)
}

// Pending returns the number of queued callbacks.
func (r *ManualRequester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Fire runs the callbacks queued before the call, simulating one refresh.
// Callbacks requested while firing wait for the next Fire.
func (r *ManualRequester) Fire() int {
	r.mu.Lock()
	cbs := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return len(cbs)
}
