package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/bridge"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Endpoint *Endpoint
	Cursor   bridge.CursorSink
	Errors   bridge.ErrorSink
	// OnReady and OnChunkError are optional hooks run from Run.
	OnReady      func(Ready)
	OnChunkError func(ChunkError)
	Logger       *zap.Logger
}

// Controller is the page side of the channel. It owns input capture and
// the page sinks but never draws; the surfaces belong to the worker once
// Init has been sent.
type Controller struct {
	ep           *Endpoint
	cursorSink   bridge.CursorSink
	errs         bridge.ErrorSink
	onReady      func(Ready)
	onChunkError func(ChunkError)
	logger       *zap.Logger

	cursor bridge.CursorState

	mu        sync.Mutex
	text      *render.Handle[render.TextSurface]
	rect      *render.Handle[render.RectSurface]
	ready     *Ready
	fatal     *Fatal
	collapsed bool
}

// NewController creates a controller on ep.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("channel: controller endpoint is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", "controller"))
	if opts.Cursor == nil {
		opts.Cursor = bridge.CursorFunc(func(name string) {
			logger.Debug("Cursor changed", zap.String("cursor", name))
		})
	}
	if opts.Errors == nil {
		opts.Errors = bridge.ErrorFunc(func(code protocol.FatalCode, message string) {
			logger.Error(message, zap.Stringer("code", code))
		})
	}
	return &Controller{
		ep:           opts.Endpoint,
		cursorSink:   opts.Cursor,
		errs:         opts.Errors,
		onReady:      opts.OnReady,
		onChunkError: opts.OnChunkError,
		logger:       logger,
	}, nil
}

// Init transfers both surfaces to the worker. The controller keeps the
// detached handles, so any later attempt to draw through them fails with
// render.ErrDetached.
func (c *Controller) Init(ctx context.Context, text *render.TextSurface, rect *render.RectSurface, vp render.Viewport) error {
	c.mu.Lock()
	if c.text != nil {
		c.mu.Unlock()
		return fmt.Errorf("channel: already initialized")
	}
	c.text = render.NewHandle(text)
	c.rect = render.NewHandle(rect)
	c.mu.Unlock()

	m := Init{Viewport: vp}
	var err error
	if m.Text, err = c.text.Transfer(); err != nil {
		return err
	}
	if m.Rect, err = c.rect.Transfer(); err != nil {
		return err
	}
	return c.ep.Send(ctx, m)
}

// TextHandle returns the controller's handle to the text surface, which
// is detached once Init has run.
func (c *Controller) TextHandle() *render.Handle[render.TextSurface] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// RectHandle is the rect surface counterpart of TextHandle.
func (c *Controller) RectHandle() *render.Handle[render.RectSurface] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rect
}

func (c *Controller) Resize(ctx context.Context, vp render.Viewport) error {
	return c.ep.Send(ctx, Resize{Viewport: vp})
}

func (c *Controller) Input(ctx context.Context, in Input) error {
	return c.ep.Send(ctx, in)
}

func (c *Controller) LoadFile(ctx context.Context, name string, size int64, src io.ReaderAt) error {
	return c.ep.Send(ctx, LoadFile{Name: name, Size: size, Src: src})
}

func (c *Controller) SetColorMode(ctx context.Context, mode protocol.ColorMode) error {
	return c.ep.Send(ctx, ColorMode{Mode: mode})
}

// SystemThemeChanged forwards a system appearance change.
func (c *Controller) SystemThemeChanged(ctx context.Context, dark bool) error {
	return c.ep.Send(ctx, Input{Kind: InputSystemTheme, Dark: dark})
}

// RetryChunk asks the worker to retry the last failed chunk read.
func (c *Controller) RetryChunk(ctx context.Context) error {
	return c.ep.Send(ctx, Input{Kind: InputRetryChunk})
}

// Close closes the pipe.
func (c *Controller) Close() {
	c.ep.Close()
}

// Cursor returns the cursor currently applied.
func (c *Controller) Cursor() string {
	return c.cursor.Current()
}

// Ready returns the worker's ready report, if one arrived.
func (c *Controller) Ready() (Ready, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready == nil {
		return Ready{}, false
	}
	return *c.ready, true
}

// Fatal returns the worker's collapse report, if one arrived.
func (c *Controller) Fatal() (Fatal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		return Fatal{}, false
	}
	return *c.fatal, true
}

// Run handles worker messages until the pipe closes or ctx is done. A
// closed pipe is a normal shutdown.
func (c *Controller) Run(ctx context.Context) error {
	for {
		m, err := c.ep.Recv(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		c.handle(m)
	}
}

func (c *Controller) handle(m Message) {
	switch m := m.(type) {
	case UpdateCursor:
		// The worker dedupes too; a repeat here is still ignored.
		if c.cursor.Update(m.Cursor) {
			c.cursorSink.SetCursor(m.Cursor)
		}
	case Ready:
		c.mu.Lock()
		c.ready = &m
		c.mu.Unlock()
		c.logger.Info("Worker ready",
			zap.String("instance_id", m.InstanceID),
			zap.Int32("build_hash", m.BuildHash))
		if c.onReady != nil {
			c.onReady(m)
		}
	case Fatal:
		c.mu.Lock()
		if c.collapsed {
			c.mu.Unlock()
			return
		}
		c.collapsed = true
		c.fatal = &m
		c.mu.Unlock()
		code := m.Code.Normalize()
		msg := m.Message
		if msg == "" {
			msg = code.Message()
		}
		c.errs.ShowFatal(code, msg)
	case ChunkError:
		c.logger.Warn("Worker failed to read a chunk",
			zap.String("session_id", m.SessionID),
			zap.Int64("offset", m.Offset),
			zap.Int64("size", m.Size),
			zap.String("reason", m.Reason))
		if c.onChunkError != nil {
			c.onChunkError(m)
		}
	default:
		c.logger.Warn("Ignoring unexpected message", zap.String("type", m.Type()))
	}
}
