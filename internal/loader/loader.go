// Package loader streams a file into the guest in chunks the guest asks for.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/loop"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
)

var (
	// ErrNoSession is returned when a chunk is requested before any file was opened.
	ErrNoSession = errors.New("no file is being loaded")
	// ErrQueueFull is returned when the guest has too many chunk requests outstanding.
	ErrQueueFull = errors.New("chunk request queue is full")
	// ErrNothingToRetry is returned by Retry when no read has failed.
	ErrNothingToRetry = errors.New("no failed chunk read to retry")
)

// ReadError reports a chunk that could not be read from the file. The
// session stays usable and the read can be retried.
type ReadError struct {
	SessionID string
	Offset    int64
	Size      int64
	Err       error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %d bytes at offset %d (session %s): %v", e.Size, e.Offset, e.SessionID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Receiver accepts chunks on behalf of the guest.
type Receiver interface {
	LoadChunk(ctx context.Context, data []byte, total, offset int64) error
}

// Options configures a Loader.
type Options struct {
	Poster   loop.Poster
	Receiver Receiver
	// MaxQueue bounds requests waiting behind the read in flight. Zero
	// means unbounded.
	MaxQueue int
	// OnDelivered runs after every chunk reached the guest.
	OnDelivered func()
	// OnReadError runs when a read fails; call Retry to try again.
	OnReadError func(*ReadError)
	// OnFatal runs when the guest fails while accepting a chunk.
	OnFatal func(error)
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type request struct {
	offset int64
	size   int64
}

// Session is one opened file.
type Session struct {
	ID   string
	Name string
	Size int64

	src       io.ReaderAt
	cancelled atomic.Bool

	queue    []request
	inFlight *request
	failed   *request
}

// Cancel abandons the session. Reads still in flight complete but are ignored.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the session was abandoned.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Loader serves the guest's chunk requests for the current session. At most
// one read is in flight; further requests queue in arrival order.
type Loader struct {
	mu      sync.Mutex
	current *Session

	poster      loop.Poster
	receiver    Receiver
	maxQueue    int
	onDelivered func()
	onReadError func(*ReadError)
	onFatal     func(error)
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates a loader.
func New(opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loader{
		poster:      opts.Poster,
		receiver:    opts.Receiver,
		maxQueue:    opts.MaxQueue,
		onDelivered: opts.OnDelivered,
		onReadError: opts.OnReadError,
		onFatal:     opts.OnFatal,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With(zap.String("component", "chunk-loader")),
	}
}

// Start opens a new session over src and abandons the previous one.
func (l *Loader) Start(name string, size int64, src io.ReaderAt) *Session {
	s := &Session{ID: uuid.NewString(), Name: name, Size: size, src: src}

	l.mu.Lock()
	prev := l.current
	l.current = s
	l.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		l.logger.Info("Abandoned previous load session", zap.String("session_id", prev.ID))
	}
	l.metrics.SetChunkQueue(0)
	l.logger.Info("Started load session",
		zap.String("session_id", s.ID),
		zap.String("file", name),
		zap.Int64("size", size))
	return s
}

// Current returns the active session, if any.
func (l *Loader) Current() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Cancel abandons the active session.
func (l *Loader) Cancel() {
	l.mu.Lock()
	s := l.current
	l.current = nil
	l.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// GetChunk requests size bytes at offset. The chunk is delivered later,
// on the loop.
func (l *Loader) GetChunk(offset, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.current
	if s == nil {
		return ErrNoSession
	}
	req := request{offset: offset, size: size}
	if s.inFlight != nil || s.failed != nil || len(s.queue) > 0 {
		if l.maxQueue > 0 && len(s.queue) >= l.maxQueue {
			return ErrQueueFull
		}
		s.queue = append(s.queue, req)
		l.metrics.SetChunkQueue(len(s.queue))
		l.logger.Debug("Queued chunk request behind read in flight",
			zap.Int64("offset", offset),
			zap.Int("queued", len(s.queue)))
		return nil
	}
	l.issueLocked(s, req)
	return nil
}

// Retry reissues the read that last failed in the active session.
func (l *Loader) Retry() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.current
	if s == nil || s.failed == nil {
		return ErrNothingToRetry
	}
	req := *s.failed
	s.failed = nil
	l.logger.Info("Retrying chunk read", zap.String("session_id", s.ID), zap.Int64("offset", req.offset))
	l.issueLocked(s, req)
	return nil
}

// issueLocked starts an asynchronous read; the completion is posted back
// to the loop.
func (l *Loader) issueLocked(s *Session, req request) {
	r := req
	s.inFlight = &r
	go func() {
		data, err := readRange(s.src, s.Size, req.offset, req.size)
		l.poster.Post(func() { l.complete(s, req, data, err) })
	}()
}

// readRange reads [offset, offset+size) clamped to the file, like slicing
// a blob. The last chunk of a file is shorter than requested.
func readRange(src io.ReaderAt, total, offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid range offset=%d size=%d", offset, size)
	}
	n := min(size, total-offset)
	if n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(io.NewSectionReader(src, offset, n), buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

func (l *Loader) complete(s *Session, req request, data []byte, err error) {
	if s.Cancelled() {
		l.metrics.RecordChunkDropped()
		l.logger.Debug("Dropping chunk of abandoned session",
			zap.String("session_id", s.ID),
			zap.Int64("offset", req.offset))
		return
	}

	if err != nil {
		l.mu.Lock()
		s.inFlight = nil
		s.failed = &req
		l.mu.Unlock()

		rerr := &ReadError{SessionID: s.ID, Offset: req.offset, Size: req.size, Err: err}
		l.metrics.RecordChunkReadError()
		l.logger.Error("Failed to read file chunk", zap.Error(rerr))
		if l.onReadError != nil {
			l.onReadError(rerr)
		}
		return
	}

	// The request stays in flight while the guest consumes it, so requests
	// made from inside LoadChunk queue behind those already waiting.
	if err := l.receiver.LoadChunk(context.Background(), data, s.Size, req.offset); err != nil {
		s.Cancel()
		l.logger.Error("Guest failed to accept file chunk",
			zap.String("session_id", s.ID),
			zap.Int64("offset", req.offset),
			zap.Error(err))
		if l.onFatal != nil {
			l.onFatal(err)
		}
		return
	}
	l.metrics.RecordChunk(len(data))
	if l.onDelivered != nil {
		l.onDelivered()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s.inFlight = nil
	if s.Cancelled() || s.failed != nil || len(s.queue) == 0 {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	l.metrics.SetChunkQueue(len(s.queue))
	l.issueLocked(s, next)
}
