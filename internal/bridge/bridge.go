// Package bridge connects one loaded guest to its host: drawing, input,
// storage, the frame loop and the chunked file loader. One Bridge exists
// per execution context and every method runs on that context's loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/frame"
	"github.com/woxQAQ/canvas-bridge/internal/loader"
	"github.com/woxQAQ/canvas-bridge/internal/loop"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/storage"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

var (
	// ErrNotStarted is returned by relays called before Start succeeded.
	ErrNotStarted = errors.New("bridge: guest not loaded")
	// ErrCollapsed is returned once the bridge has collapsed.
	ErrCollapsed = errors.New("bridge: collapsed")
)

// Options configures a Bridge.
type Options struct {
	Runtime  *wasm.Runtime
	Executor *render.Executor
	Poster   loop.Poster
	// Requester schedules frames, usually a frame.Display posting to the
	// same loop.
	Requester frame.Requester
	Clock     frame.Clock
	Store     storage.Store

	Cursor CursorSink
	Errors ErrorSink
	Dialog FileDialog
	Theme  Theme

	// MaxChunkQueue bounds chunk requests queued behind the read in flight.
	MaxChunkQueue int
	// OnReadError is told about failed chunk reads; Bridge.RetryChunk
	// retries the read.
	OnReadError func(*loader.ReadError)

	InstanceID string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Bridge is the per-context state of one guest.
type Bridge struct {
	ctx context.Context

	runtime  *wasm.Runtime
	exec     *render.Executor
	poster   loop.Poster
	clock    frame.Clock
	store    storage.Store
	cursor   CursorSink
	errs     ErrorSink
	dialog   FileDialog
	theme    Theme
	metrics  *metrics.Metrics
	logger   *zap.Logger
	instance string

	onReadError func(*loader.ReadError)

	module    *wasm.Module
	guest     *Guest
	cursors   CursorState
	touches   TouchTracker
	scheduler *frame.Scheduler
	loader    *loader.Loader

	mu        sync.Mutex
	fatal     protocol.FatalCode
	collapsed bool
}

// New creates a bridge. Nothing is loaded until Start.
func New(opts Options) (*Bridge, error) {
	if opts.Runtime == nil || opts.Executor == nil || opts.Poster == nil || opts.Requester == nil {
		return nil, fmt.Errorf("bridge: runtime, executor, poster and requester are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = frame.SystemClock{}
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	logger := opts.Logger.With(zap.String("component", "bridge"))
	fallback := logSinks{logger: logger}
	if opts.Cursor == nil {
		opts.Cursor = fallback
	}
	if opts.Errors == nil {
		opts.Errors = fallback
	}
	if opts.Dialog == nil {
		opts.Dialog = fallback
	}
	if opts.Theme == nil {
		opts.Theme = StaticTheme(false)
	}

	b := &Bridge{
		ctx:         context.Background(),
		runtime:     opts.Runtime,
		exec:        opts.Executor,
		poster:      opts.Poster,
		clock:       opts.Clock,
		store:       opts.Store,
		cursor:      opts.Cursor,
		errs:        opts.Errors,
		dialog:      opts.Dialog,
		theme:       opts.Theme,
		metrics:     opts.Metrics,
		logger:      logger,
		instance:    opts.InstanceID,
		onReadError: opts.OnReadError,
		fatal:       protocol.FatalBug,
	}

	b.scheduler = frame.New(frame.Options{
		Frame:     b.frame,
		Size:      b.frameSize,
		Requester: opts.Requester,
		Clock:     opts.Clock,
		OnFail:    b.Collapse,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	})
	b.loader = loader.New(loader.Options{
		Poster:      opts.Poster,
		Receiver:    b,
		MaxQueue:    opts.MaxChunkQueue,
		OnDelivered: b.scheduler.WakeUp,
		OnReadError: b.readFailed,
		OnFatal:     b.Collapse,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger,
	})
	return b, nil
}

// Start loads the guest from src, hands it the build hash, the color mode
// and the device pixel ratio and wakes the frame loop. Any failure
// collapses the bridge with the unspecified-fault code.
func (b *Bridge) Start(ctx context.Context, src wasm.ModuleSource) error {
	b.ctx = ctx
	b.setFatal(protocol.FatalBug)

	manager := wasm.NewInstanceManager(b.runtime, wasm.NewHostFunctions(b.logger), b.logger)
	module, err := manager.Load(ctx, &wasm.LoadConfig{
		Source:     src,
		Imports:    wasm.MergeImports(render.Imports(b.exec), b.imports()),
		InstanceID: b.instance,
	})
	if err != nil {
		b.Collapse(err)
		return err
	}
	b.module = module
	b.guest = NewGuest(module)

	if err := b.guest.LoadBuildHash(ctx, module.Hash); err != nil {
		b.Collapse(err)
		return err
	}
	if err := b.initColorMode(ctx); err != nil {
		b.Collapse(err)
		return err
	}
	if err := b.guest.SetDPR(ctx, b.exec.Viewport().DPR); err != nil {
		b.Collapse(err)
		return err
	}

	b.logger.Info("Guest started",
		zap.String("instance_id", module.ID),
		zap.Int32("build_hash", module.Hash))
	b.scheduler.WakeUp()
	return nil
}

// Close releases the guest.
func (b *Bridge) Close(ctx context.Context) error {
	b.loader.Cancel()
	b.scheduler.Halt()
	if b.module == nil {
		return nil
	}
	return b.module.Close(ctx)
}

// Module returns the loaded guest, or nil before Start.
func (b *Bridge) Module() *wasm.Module {
	return b.module
}

// Guest returns the typed export facade, or nil before Start.
func (b *Bridge) Guest() *Guest {
	return b.guest
}

// Executor returns the command executor.
func (b *Bridge) Executor() *render.Executor {
	return b.exec
}

// Scheduler returns the frame scheduler.
func (b *Bridge) Scheduler() *frame.Scheduler {
	return b.scheduler
}

// Loader returns the chunked file loader.
func (b *Bridge) Loader() *loader.Loader {
	return b.loader
}

// Cursor returns the last cursor applied.
func (b *Bridge) Cursor() string {
	return b.cursors.Current()
}

// WakeUp asks for a frame.
func (b *Bridge) WakeUp() {
	b.scheduler.WakeUp()
}

// Fatal returns the fatal code that a collapse reports.
func (b *Bridge) Fatal() protocol.FatalCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// Collapsed reports whether the bridge has collapsed.
func (b *Bridge) Collapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collapsed
}

func (b *Bridge) setFatal(code protocol.FatalCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fatal = code
}

// Collapse enters the terminal state: the frame loop stops, the load
// session is abandoned and the error sink is shown the fatal message.
// Only the first call has any effect.
func (b *Bridge) Collapse(cause error) {
	b.mu.Lock()
	if b.collapsed {
		b.mu.Unlock()
		return
	}
	b.collapsed = true
	code := b.fatal.Normalize()
	b.mu.Unlock()

	b.scheduler.Halt()
	b.loader.Cancel()
	b.metrics.RecordFatal(int32(code))
	b.logger.Error("Bridge collapsed", zap.Stringer("code", code), zap.Error(cause))
	b.errs.ShowFatal(code, code.Message())
}

func (b *Bridge) frame(ctx context.Context, in frame.Input) (bool, error) {
	if b.guest == nil {
		return false, ErrNotStarted
	}
	return b.guest.Frame(ctx, in)
}

// frameSize is the text surface size in CSS pixels.
func (b *Bridge) frameSize() (float64, float64) {
	w, h := b.exec.TextSurface().Size()
	dpr := b.exec.Viewport().DPR
	return float64(w) / dpr, float64(h) / dpr
}

// LoadChunk implements loader.Receiver.
func (b *Bridge) LoadChunk(ctx context.Context, data []byte, total, offset int64) error {
	if b.guest == nil {
		return ErrNotStarted
	}
	return b.guest.LoadChunk(ctx, data, total, offset)
}

func (b *Bridge) readFailed(err *loader.ReadError) {
	if b.onReadError != nil {
		b.onReadError(err)
	}
}

// relay forwards an event into the guest and wakes the frame loop. A
// failing guest collapses the bridge.
func (b *Bridge) relay(name string, call func(g *Guest) error) error {
	if b.Collapsed() {
		return ErrCollapsed
	}
	if b.guest == nil {
		return ErrNotStarted
	}
	if err := call(b.guest); err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		b.Collapse(err)
		return err
	}
	b.scheduler.WakeUp()
	return nil
}

// Resize applies a new viewport, tells the guest the device pixel ratio
// and wakes the frame loop.
func (b *Bridge) Resize(ctx context.Context, vp render.Viewport) error {
	b.exec.ApplyViewport(vp)
	return b.relay("resize", func(g *Guest) error {
		return g.SetDPR(ctx, b.exec.Viewport().DPR)
	})
}

// StartLoadingFile begins a load session over src and announces the file
// to the guest, which then pulls chunks through get_chunk.
func (b *Bridge) StartLoadingFile(ctx context.Context, name string, size int64, src io.ReaderAt) error {
	if b.Collapsed() {
		return ErrCollapsed
	}
	b.loader.Start(name, size, src)
	return b.relay("start_loading_file", func(g *Guest) error {
		return g.StartLoadingFile(ctx, size, name)
	})
}

// RetryChunk reissues the chunk read that last failed.
func (b *Bridge) RetryChunk() error {
	return b.loader.Retry()
}
