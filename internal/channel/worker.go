package channel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/canvas-bridge/internal/bridge"
	"github.com/woxQAQ/canvas-bridge/internal/frame"
	"github.com/woxQAQ/canvas-bridge/internal/loader"
	"github.com/woxQAQ/canvas-bridge/internal/loop"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/storage"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// ErrNotInitialized is returned by Worker.Do before an Init message
// created the bridge.
var ErrNotInitialized = errors.New("channel: worker not initialized")

// Snapshot file names written by Worker.Snapshot.
const (
	SnapshotText      = "text.png"
	SnapshotRect      = "rect.png"
	SnapshotComposite = "composite.png"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Endpoint *Endpoint
	Runtime  *wasm.Runtime
	Source   wasm.ModuleSource
	Faces    *render.FaceSet
	Store    storage.Store
	Theme    bridge.Theme
	Dialog   bridge.FileDialog
	Clock    frame.Clock
	// Requester defaults to a frame.Display at RefreshHz posting to the
	// worker's loop.
	Requester     frame.Requester
	RefreshHz     float64
	MaxChunkQueue int
	InstanceID    string
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Worker is the render side of the channel. It owns the surfaces after
// Init, the guest and the loop every guest call runs on.
type Worker struct {
	opts   WorkerOptions
	ep     *Endpoint
	loop   *loop.Loop
	logger *zap.Logger

	// Set on the loop.
	bridge *bridge.Bridge
	ctx    context.Context
}

// NewWorker creates a worker on opts.Endpoint. Nothing is loaded until
// the controller sends Init.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Endpoint == nil || opts.Runtime == nil || opts.Source == nil {
		return nil, fmt.Errorf("channel: worker endpoint, runtime and source are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Faces == nil {
		faces, err := render.NewFaceSet()
		if err != nil {
			return nil, err
		}
		opts.Faces = faces
	}
	w := &Worker{
		opts:   opts,
		ep:     opts.Endpoint,
		loop:   loop.New(),
		logger: opts.Logger.With(zap.String("component", "worker")),
		ctx:    context.Background(),
	}
	if w.opts.Requester == nil {
		w.opts.Requester = frame.NewDisplay(w.loop, opts.RefreshHz)
	}
	return w, nil
}

// Loop returns the worker's event loop.
func (w *Worker) Loop() *loop.Loop {
	return w.loop
}

// Run receives messages and runs the loop until the pipe closes or ctx is
// done. The guest is released on return.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.loop.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		for {
			m, err := w.ep.Recv(gctx)
			if errors.Is(err, ErrClosed) {
				w.logger.Debug("Pipe closed")
				return nil
			}
			if err != nil {
				return err
			}
			w.loop.Post(func() { w.handle(gctx, m) })
		}
	})
	err := g.Wait()

	if w.bridge != nil {
		if cerr := w.bridge.Close(context.Background()); cerr != nil {
			w.logger.Warn("Failed to close guest", zap.Error(cerr))
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn with the bridge on the worker's loop and waits for it.
func (w *Worker) Do(ctx context.Context, fn func(b *bridge.Bridge) error) error {
	done := make(chan error, 1)
	w.loop.Post(func() {
		if w.bridge == nil {
			done <- ErrNotInitialized
			return
		}
		done <- fn(w.bridge)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot writes both surfaces and their composite, rect surface below
// text surface, as PNG files into dir.
func (w *Worker) Snapshot(ctx context.Context, dir string) error {
	return w.Do(ctx, func(b *bridge.Bridge) error {
		exec := b.Executor()
		text := exec.TextSurface()
		rect := exec.RectSurface().Image()

		if err := text.Context().SavePNG(filepath.Join(dir, SnapshotText)); err != nil {
			return err
		}
		if err := gg.SavePNG(filepath.Join(dir, SnapshotRect), rect); err != nil {
			return err
		}
		tw, th := text.Size()
		dc := gg.NewContext(tw, th)
		dc.DrawImage(rect, 0, 0)
		dc.DrawImage(text.Image(), 0, 0)
		return dc.SavePNG(filepath.Join(dir, SnapshotComposite))
	})
}

func (w *Worker) handle(ctx context.Context, m Message) {
	if init, ok := m.(Init); ok {
		w.init(ctx, init)
		return
	}
	if w.bridge == nil {
		w.logger.Warn("Dropping message before init", zap.String("type", m.Type()))
		return
	}

	var err error
	switch m := m.(type) {
	case Resize:
		err = w.bridge.Resize(ctx, m.Viewport)
	case Input:
		err = w.input(ctx, m)
	case LoadFile:
		err = w.bridge.StartLoadingFile(ctx, m.Name, m.Size, m.Src)
	case ColorMode:
		err = w.bridge.SetColorMode(ctx, m.Mode)
	default:
		w.logger.Warn("Ignoring unexpected message", zap.String("type", m.Type()))
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrCollapsed):
		w.logger.Debug("Message after collapse", zap.String("type", m.Type()))
	default:
		w.logger.Warn("Message failed", zap.String("type", m.Type()), zap.Error(err))
	}
}

func (w *Worker) init(ctx context.Context, m Init) {
	if w.bridge != nil {
		w.logger.Warn("Ignoring repeated init")
		return
	}
	w.ctx = ctx

	text, err := m.Text.Take()
	if err != nil {
		w.failEarly(err)
		return
	}
	rect, err := m.Rect.Take()
	if err != nil {
		w.failEarly(err)
		return
	}
	exec, err := render.NewExecutor(text, rect, w.opts.Faces, m.Viewport, w.opts.Logger)
	if err != nil {
		w.failEarly(err)
		return
	}
	b, err := bridge.New(bridge.Options{
		Runtime:       w.opts.Runtime,
		Executor:      exec,
		Poster:        w.loop,
		Requester:     w.opts.Requester,
		Clock:         w.opts.Clock,
		Store:         w.opts.Store,
		Cursor:        bridge.CursorFunc(w.sendCursor),
		Errors:        bridge.ErrorFunc(w.sendFatal),
		Dialog:        w.opts.Dialog,
		Theme:         w.opts.Theme,
		MaxChunkQueue: w.opts.MaxChunkQueue,
		OnReadError:   w.sendChunkError,
		InstanceID:    w.opts.InstanceID,
		Metrics:       w.opts.Metrics,
		Logger:        w.opts.Logger,
	})
	if err != nil {
		w.failEarly(err)
		return
	}
	w.bridge = b

	// A failed start has already reported Fatal through the error sink.
	if err := b.Start(ctx, w.opts.Source); err != nil {
		return
	}
	mod := b.Module()
	w.send(Ready{InstanceID: mod.ID, BuildHash: mod.Hash})
}

func (w *Worker) input(ctx context.Context, in Input) error {
	b := w.bridge
	switch in.Kind {
	case InputMouseMove:
		return b.MouseMove(ctx, in.X, in.Y)
	case InputMouseDown:
		return b.MouseDown(ctx, in.X, in.Y)
	case InputMouseUp:
		return b.MouseUp(ctx, in.X, in.Y)
	case InputKeyDown:
		return b.KeyDown(ctx, in.Key)
	case InputKeyUp:
		return b.KeyUp(ctx, in.Key)
	case InputScroll:
		return b.Scroll(ctx, in.X, in.Y, in.Lines)
	case InputZoom:
		return b.Zoom(ctx, in.X, in.Y)
	case InputBlur:
		return b.Blur(ctx)
	case InputFocus:
		return b.Focus(ctx)
	case InputTouchStart:
		return b.TouchStart(ctx, in.Touches)
	case InputTouchMove:
		return b.TouchMove(ctx, in.Touches)
	case InputTouchEnd:
		return b.TouchEnd(ctx, in.Touches, in.Changed)
	case InputSystemTheme:
		return b.SystemThemeChanged(ctx, in.Dark)
	case InputRetryChunk:
		return b.RetryChunk()
	}
	return fmt.Errorf("unhandled input kind %q", in.Kind)
}

// failEarly reports a failure that happened before a bridge existed to
// collapse.
func (w *Worker) failEarly(err error) {
	w.logger.Error("Worker failed to initialize", zap.Error(err))
	w.sendFatal(protocol.FatalBug, protocol.FatalBug.Message())
}

func (w *Worker) send(m Message) {
	if err := w.ep.Send(w.ctx, m); err != nil {
		w.logger.Warn("Failed to send message", zap.String("type", m.Type()), zap.Error(err))
	}
}

func (w *Worker) sendCursor(name string) {
	w.send(UpdateCursor{Cursor: name})
}

func (w *Worker) sendFatal(code protocol.FatalCode, message string) {
	w.send(Fatal{Code: code, Message: message})
}

func (w *Worker) sendChunkError(err *loader.ReadError) {
	w.send(ChunkError{
		SessionID: err.SessionID,
		Offset:    err.Offset,
		Size:      err.Size,
		Reason:    err.Err.Error(),
	})
}
