// Package loop provides the single-threaded event loop every execution
// context runs its guest calls on.
package loop

import (
	"context"
	"sync"
)

// Task is a unit of work run on the loop goroutine.
type Task func()

// Poster schedules tasks onto a loop.
type Poster interface {
	Post(Task)
}

// Loop runs posted tasks one at a time in the order they were posted.
// Tasks never run concurrently with each other.
type Loop struct {
	mu     sync.Mutex
	queue  []Task
	notify chan struct{}
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Post appends t to the queue. It never blocks and is safe to call from
// any goroutine, including from inside a running task.
func (l *Loop) Post(t Task) {
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, true
}

// Drain runs queued tasks on the calling goroutine until the queue is
// empty, including tasks posted while draining. It returns the number
// of tasks run.
func (l *Loop) Drain() int {
	n := 0
	for {
		t, ok := l.next()
		if !ok {
			return n
		}
		t()
		n++
	}
}

// Run processes tasks until ctx is done. Tasks still queued when ctx is
// cancelled are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}
