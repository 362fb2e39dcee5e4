package loader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/canvas-bridge/internal/loop"
)

const mib = 1 << 20

type chunk struct {
	data   []byte
	total  int64
	offset int64
}

// guestReceiver records chunks and, like the guest, asks for the next one
// from inside the delivery.
type guestReceiver struct {
	mu      sync.Mutex
	chunks  []chunk
	loader  *Loader
	next    int64
	follow  bool
	during  func(offset int64)
	failErr error
	got     chan chunk
}

func (r *guestReceiver) LoadChunk(ctx context.Context, data []byte, total, offset int64) error {
	if r.failErr != nil {
		return r.failErr
	}
	c := chunk{data: append([]byte(nil), data...), total: total, offset: offset}
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()

	if r.during != nil {
		r.during(offset)
	}
	if r.follow {
		if next := offset + int64(len(data)); next < total {
			if err := r.loader.GetChunk(next, r.next); err != nil {
				return err
			}
		}
	}
	r.got <- c
	return nil
}

type harness struct {
	loop     *loop.Loop
	loader   *Loader
	receiver *guestReceiver
	wakeups  atomic.Int32
	readErrs chan *ReadError
	fatals   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:     loop.New(),
		receiver: &guestReceiver{got: make(chan chunk, 64)},
		readErrs: make(chan *ReadError, 4),
		fatals:   make(chan error, 4),
	}
	h.loader = New(Options{
		Poster:      h.loop,
		Receiver:    h.receiver,
		OnDelivered: func() { h.wakeups.Add(1) },
		OnReadError: func(err *ReadError) { h.readErrs <- err },
		OnFatal:     func(err error) { h.fatals <- err },
		Logger:      zaptest.NewLogger(t),
	})
	h.receiver.loader = h.loader

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// post runs fn on the loop and waits for it.
func (h *harness) post(fn func()) {
	done := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func (h *harness) wait(t *testing.T) chunk {
	t.Helper()
	select {
	case c := <-h.receiver.got:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a chunk")
		return chunk{}
	}
}

func TestChunkedLoadOfFiveMegabytes(t *testing.T) {
	h := newHarness(t)
	const size = 5 * 1000 * 1000
	file := make([]byte, size)
	for i := range file {
		file[i] = byte(i * 7)
	}
	h.receiver.follow = true
	h.receiver.next = mib

	h.post(func() {
		h.loader.Start("trace.spall", size, bytes.NewReader(file))
		if err := h.loader.GetChunk(0, mib); err != nil {
			t.Errorf("GetChunk() failed: %v", err)
		}
	})

	wantOffsets := []int64{0, 1048576, 2097152, 3145728, 4194304}
	for i, want := range wantOffsets {
		c := h.wait(t)
		if c.offset != want {
			t.Fatalf("chunk %d offset = %d, want %d", i, c.offset, want)
		}
		if c.total != size {
			t.Errorf("chunk %d total = %d, want %d", i, c.total, size)
		}
		wantLen := min(int64(mib), size-want)
		if int64(len(c.data)) != wantLen {
			t.Errorf("chunk %d length = %d, want %d", i, len(c.data), wantLen)
		}
		if !bytes.Equal(c.data, file[want:want+wantLen]) {
			t.Errorf("chunk %d bytes differ from the requested range", i)
		}
	}

	last := int64(size) - 4194304
	if last >= mib {
		t.Fatalf("test file should end with a short chunk, got %d", last)
	}
	h.post(func() {})
	if got := h.wakeups.Load(); got != 5 {
		t.Errorf("wake-ups = %d, want one per chunk", got)
	}
}

// gatedReader blocks every read until released and tracks concurrency.
type gatedReader struct {
	data    []byte
	gate    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (g *gatedReader) ReadAt(p []byte, off int64) (int, error) {
	n := g.active.Add(1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	<-g.gate
	g.active.Add(-1)
	return bytes.NewReader(g.data).ReadAt(p, off)
}

func TestOverlappingRequestsAreQueued(t *testing.T) {
	h := newHarness(t)
	src := &gatedReader{data: []byte("0123456789"), gate: make(chan struct{})}

	h.post(func() {
		h.loader.Start("f", 10, src)
		_ = h.loader.GetChunk(0, 4)
		_ = h.loader.GetChunk(4, 4)
		_ = h.loader.GetChunk(8, 4)
	})

	for i := 0; i < 3; i++ {
		src.gate <- struct{}{}
		c := h.wait(t)
		if c.offset != int64(i*4) {
			t.Fatalf("chunk %d offset = %d, want %d", i, c.offset, i*4)
		}
	}
	if got := src.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent reads = %d, want 1", got)
	}
	if c := h.receiver.chunks[2]; string(c.data) != "89" {
		t.Errorf("last chunk = %q, want true length %q", c.data, "89")
	}
}

func TestRequestDuringDeliveryQueuesBehindWaiting(t *testing.T) {
	h := newHarness(t)
	src := &gatedReader{data: []byte("0123456789"), gate: make(chan struct{})}
	h.receiver.during = func(offset int64) {
		if offset == 0 {
			if err := h.loader.GetChunk(8, 2); err != nil {
				t.Errorf("GetChunk() during delivery failed: %v", err)
			}
		}
	}

	h.post(func() {
		h.loader.Start("f", 10, src)
		_ = h.loader.GetChunk(0, 2)
		_ = h.loader.GetChunk(2, 2)
	})

	var order []int64
	for i := 0; i < 3; i++ {
		src.gate <- struct{}{}
		order = append(order, h.wait(t).offset)
	}
	want := []int64{0, 2, 8}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
	if got := src.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent reads = %d, want 1", got)
	}
}

func TestQueueLimit(t *testing.T) {
	h := newHarness(t)
	h.loader.maxQueue = 1
	src := &gatedReader{data: make([]byte, 16), gate: make(chan struct{})}

	var errs []error
	h.post(func() {
		h.loader.Start("f", 16, src)
		errs = append(errs, h.loader.GetChunk(0, 4), h.loader.GetChunk(4, 4), h.loader.GetChunk(8, 4))
	})

	if errs[0] != nil || errs[1] != nil {
		t.Errorf("first two requests should be accepted: %v", errs)
	}
	if !errors.Is(errs[2], ErrQueueFull) {
		t.Errorf("third request = %v, want ErrQueueFull", errs[2])
	}
	close(src.gate)
}

func TestNewSessionDropsLateCompletions(t *testing.T) {
	h := newHarness(t)
	old := &gatedReader{data: []byte("old data"), gate: make(chan struct{})}

	var first *Session
	h.post(func() {
		first = h.loader.Start("old", 8, old)
		_ = h.loader.GetChunk(0, 8)
		_ = h.loader.GetChunk(0, 8)
	})

	h.post(func() {
		h.loader.Start("new", 8, bytes.NewReader([]byte("new data")))
		_ = h.loader.GetChunk(0, 8)
	})
	if !first.Cancelled() {
		t.Fatal("starting a new session should cancel the previous one")
	}

	c := h.wait(t)
	if string(c.data) != "new data" {
		t.Fatalf("delivered %q, want the new session's data", c.data)
	}

	close(old.gate)
	// Let the abandoned read complete and be processed.
	h.post(func() {})
	time.Sleep(20 * time.Millisecond)
	h.post(func() {})

	select {
	case c := <-h.receiver.got:
		t.Fatalf("abandoned session delivered %q", c.data)
	default:
	}
}

// flakyReader fails its first read.
type flakyReader struct {
	data  []byte
	calls atomic.Int32
}

var errDisk = errors.New("disk on fire")

func (f *flakyReader) ReadAt(p []byte, off int64) (int, error) {
	if f.calls.Add(1) == 1 {
		return 0, errDisk
	}
	return bytes.NewReader(f.data).ReadAt(p, off)
}

func TestReadErrorCanBeRetried(t *testing.T) {
	h := newHarness(t)
	src := &flakyReader{data: []byte("abcdef")}

	h.post(func() {
		h.loader.Start("f", 6, src)
		_ = h.loader.GetChunk(0, 3)
		_ = h.loader.GetChunk(3, 3)
	})

	var rerr *ReadError
	select {
	case rerr = <-h.readErrs:
	case <-time.After(5 * time.Second):
		t.Fatal("read error was not reported")
	}
	if !errors.Is(rerr, errDisk) || rerr.Offset != 0 || rerr.Size != 3 {
		t.Errorf("ReadError = %+v", rerr)
	}
	if rerr.SessionID != h.loader.Current().ID {
		t.Errorf("ReadError session = %s, want current", rerr.SessionID)
	}

	h.post(func() {
		if err := h.loader.Retry(); err != nil {
			t.Errorf("Retry() failed: %v", err)
		}
	})

	if c := h.wait(t); string(c.data) != "abc" {
		t.Errorf("retried chunk = %q, want abc", c.data)
	}
	if c := h.wait(t); string(c.data) != "def" {
		t.Errorf("queued chunk = %q, want def", c.data)
	}

	h.post(func() {
		if err := h.loader.Retry(); !errors.Is(err, ErrNothingToRetry) {
			t.Errorf("Retry() without failure = %v", err)
		}
	})
}

func TestDeliveryFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	guestErr := errors.New("guest trapped")
	h.receiver.failErr = guestErr

	var s *Session
	h.post(func() {
		s = h.loader.Start("f", 4, bytes.NewReader([]byte("data")))
		_ = h.loader.GetChunk(0, 4)
	})

	select {
	case err := <-h.fatals:
		if !errors.Is(err, guestErr) {
			t.Errorf("fatal = %v, want guest error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery failure was not reported")
	}
	if !s.Cancelled() {
		t.Error("session should be abandoned after a fatal delivery")
	}
	if h.wakeups.Load() != 0 {
		t.Error("failed delivery must not wake the scheduler")
	}
}

func TestGetChunkWithoutSession(t *testing.T) {
	h := newHarness(t)
	if err := h.loader.GetChunk(0, 10); !errors.Is(err, ErrNoSession) {
		t.Errorf("GetChunk() = %v, want ErrNoSession", err)
	}
}

func TestReadRangeClamps(t *testing.T) {
	src := bytes.NewReader([]byte("hello"))

	got, err := readRange(src, 5, 3, 10)
	if err != nil || string(got) != "lo" {
		t.Errorf("readRange(3, 10) = %q, %v", got, err)
	}
	got, err = readRange(src, 5, 9, 10)
	if err != nil || len(got) != 0 {
		t.Errorf("readRange past the end = %q, %v", got, err)
	}
	if _, err := readRange(src, 5, -1, 2); err == nil {
		t.Error("negative offset should fail")
	}
}
