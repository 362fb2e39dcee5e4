package channel

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-direction queue length used when NewPipe is
// given a non-positive size.
const DefaultBuffer = 64

// Endpoint is one end of a Pipe. Messages sent on one endpoint arrive at
// the other in send order.
type Endpoint struct {
	out  chan<- Message
	in   <-chan Message
	pipe *pipe
}

type pipe struct {
	once   sync.Once
	closed chan struct{}
}

// NewPipe returns the controller and worker ends of a new pipe. Each
// direction buffers up to buffer messages before Send blocks.
func NewPipe(buffer int) (controller, worker *Endpoint) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p := &pipe{closed: make(chan struct{})}
	toWorker := make(chan Message, buffer)
	toController := make(chan Message, buffer)
	controller = &Endpoint{out: toWorker, in: toController, pipe: p}
	worker = &Endpoint{out: toController, in: toWorker, pipe: p}
	return controller, worker
}

// Send validates m and queues it for the other end. It blocks while the
// queue is full.
func (e *Endpoint) Send(ctx context.Context, m Message) error {
	if m == nil {
		return &InvalidMessageError{Type: "<nil>", Reason: "nil message"}
	}
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case <-e.pipe.closed:
		return ErrClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.pipe.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next message. Messages queued before Close are
// still delivered; after that Recv returns ErrClosed.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-e.in:
		return m, nil
	default:
	}
	select {
	case m := <-e.in:
		return m, nil
	case <-e.pipe.closed:
		select {
		case m := <-e.in:
			return m, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts both directions. It is safe to call more than once and
// from either end.
func (e *Endpoint) Close() {
	e.pipe.once.Do(func() { close(e.pipe.closed) })
}

// Closed reports whether the pipe was closed.
func (e *Endpoint) Closed() bool {
	select {
	case <-e.pipe.closed:
		return true
	default:
		return false
	}
}
