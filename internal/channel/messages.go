// Package channel links a controller context to a render worker that owns
// the drawing surfaces. The two ends share nothing but a Pipe carrying the
// closed set of messages defined here.
package channel

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/woxQAQ/canvas-bridge/internal/bridge"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// Message types.
const (
	TypeInit         = "init"
	TypeResize       = "resize"
	TypeUpdateCursor = "update-cursor"
	TypeInput        = "input"
	TypeLoadFile     = "load-file"
	TypeColorMode    = "color-mode"
	TypeReady        = "ready"
	TypeFatal        = "fatal"
	TypeChunkError   = "chunk-error"
)

// ErrClosed is returned by endpoints after the pipe is closed.
var ErrClosed = errors.New("channel: closed")

// InvalidMessageError is returned when a message fails validation at the
// send boundary.
type InvalidMessageError struct {
	Type   string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid %s message: %s", e.Type, e.Reason)
}

// Message is one of the types in this package. The set is closed.
type Message interface {
	Type() string
	Validate() error
	message()
}

func invalid(m Message, format string, args ...any) error {
	return &InvalidMessageError{Type: m.Type(), Reason: fmt.Sprintf(format, args...)}
}

func validViewport(m Message, vp render.Viewport) error {
	if !(vp.DPR > 0) || math.IsInf(vp.DPR, 0) {
		return invalid(m, "dpr must be positive, got %v", vp.DPR)
	}
	for _, d := range []render.Dims{vp.Text, vp.Rect} {
		if d.Width < 0 || d.Height < 0 || math.IsNaN(d.Width) || math.IsNaN(d.Height) {
			return invalid(m, "negative surface size %vx%v", d.Width, d.Height)
		}
	}
	return nil
}

// Init hands the worker both surfaces together with the initial viewport.
// The handles must have been transferred; the sender keeps only the
// detached originals.
type Init struct {
	Text     *render.Handle[render.TextSurface]
	Rect     *render.Handle[render.RectSurface]
	Viewport render.Viewport
}

func (Init) Type() string { return TypeInit }
func (Init) message()     {}

func (m Init) Validate() error {
	if m.Text == nil || m.Rect == nil {
		return invalid(m, "both surface handles are required")
	}
	if m.Text.Detached() || m.Rect.Detached() {
		return invalid(m, "surface handle already detached")
	}
	return validViewport(m, m.Viewport)
}

// Resize carries a new viewport.
type Resize struct {
	Viewport render.Viewport
}

func (Resize) Type() string      { return TypeResize }
func (Resize) message()          {}
func (m Resize) Validate() error { return validViewport(m, m.Viewport) }

// UpdateCursor asks the controller to show a cursor.
type UpdateCursor struct {
	Cursor string
}

func (UpdateCursor) Type() string { return TypeUpdateCursor }
func (UpdateCursor) message()     {}

func (m UpdateCursor) Validate() error {
	if m.Cursor == "" {
		return invalid(m, "empty cursor name")
	}
	return nil
}

// InputKind names an input event.
type InputKind string

const (
	InputMouseMove   InputKind = "mouse-move"
	InputMouseDown   InputKind = "mouse-down"
	InputMouseUp     InputKind = "mouse-up"
	InputKeyDown     InputKind = "key-down"
	InputKeyUp       InputKind = "key-up"
	InputScroll      InputKind = "scroll"
	InputZoom        InputKind = "zoom"
	InputBlur        InputKind = "blur"
	InputFocus       InputKind = "focus"
	InputTouchStart  InputKind = "touch-start"
	InputTouchMove   InputKind = "touch-move"
	InputTouchEnd    InputKind = "touch-end"
	InputSystemTheme InputKind = "system-theme"
	InputRetryChunk  InputKind = "retry-chunk"
)

// Input is a page event forwarded to the worker. Which fields matter
// depends on Kind: X and Y for pointer, scroll and zoom events, Key for
// keys, Lines for line-mode wheel deltas, Touches and Changed for touch
// events and Dark for system theme changes.
type Input struct {
	Kind    InputKind
	X, Y    float64
	Key     string
	Lines   bool
	Touches []bridge.Point
	Changed []bridge.Point
	Dark    bool
}

func (Input) Type() string { return TypeInput }
func (Input) message()     {}

func (m Input) Validate() error {
	switch m.Kind {
	case InputMouseMove, InputMouseDown, InputMouseUp, InputScroll, InputZoom,
		InputBlur, InputFocus, InputSystemTheme, InputRetryChunk:
		return nil
	case InputKeyDown, InputKeyUp:
		if m.Key == "" {
			return invalid(m, "%s without a key", m.Kind)
		}
		return nil
	case InputTouchStart, InputTouchMove:
		if len(m.Touches) == 0 {
			return invalid(m, "%s without touches", m.Kind)
		}
		return nil
	case InputTouchEnd:
		if len(m.Touches) == 0 && len(m.Changed) == 0 {
			return invalid(m, "touch-end without touches")
		}
		return nil
	default:
		return invalid(m, "unknown input kind %q", m.Kind)
	}
}

// LoadFile starts a chunked load of Src.
type LoadFile struct {
	Name string
	Size int64
	Src  io.ReaderAt
}

func (LoadFile) Type() string { return TypeLoadFile }
func (LoadFile) message()     {}

func (m LoadFile) Validate() error {
	if m.Src == nil {
		return invalid(m, "no source")
	}
	if m.Size < 0 {
		return invalid(m, "negative size %d", m.Size)
	}
	return nil
}

// ColorMode is an explicit user choice of appearance.
type ColorMode struct {
	Mode protocol.ColorMode
}

func (ColorMode) Type() string { return TypeColorMode }
func (ColorMode) message()     {}

func (m ColorMode) Validate() error {
	if _, ok := protocol.ParseColorMode(string(m.Mode)); !ok {
		return invalid(m, "unknown mode %q", m.Mode)
	}
	return nil
}

// Ready reports that the worker's guest started.
type Ready struct {
	InstanceID string
	BuildHash  int32
}

func (Ready) Type() string    { return TypeReady }
func (Ready) message()        {}
func (Ready) Validate() error { return nil }

// Fatal reports that the worker collapsed.
type Fatal struct {
	Code    protocol.FatalCode
	Message string
}

func (Fatal) Type() string    { return TypeFatal }
func (Fatal) message()        {}
func (Fatal) Validate() error { return nil }

// ChunkError reports a failed chunk read. An InputRetryChunk input retries
// it.
type ChunkError struct {
	SessionID string
	Offset    int64
	Size      int64
	Reason    string
}

func (ChunkError) Type() string    { return TypeChunkError }
func (ChunkError) message()        {}
func (ChunkError) Validate() error { return nil }
