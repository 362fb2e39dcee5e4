package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// CursorSink applies a cursor glyph to the page.
type CursorSink interface {
	SetCursor(name string)
}

// ErrorSink shows the collapsed state to the user.
type ErrorSink interface {
	ShowFatal(code protocol.FatalCode, message string)
}

// FileDialog opens the host's file picker.
type FileDialog interface {
	OpenFileDialog()
}

// Theme reports the system appearance.
type Theme interface {
	SystemDark() bool
}

// CursorFunc adapts a function to CursorSink.
type CursorFunc func(name string)

func (f CursorFunc) SetCursor(name string) { f(name) }

// ErrorFunc adapts a function to ErrorSink.
type ErrorFunc func(code protocol.FatalCode, message string)

func (f ErrorFunc) ShowFatal(code protocol.FatalCode, message string) { f(code, message) }

// FileDialogFunc adapts a function to FileDialog.
type FileDialogFunc func()

func (f FileDialogFunc) OpenFileDialog() { f() }

// StaticTheme is a Theme with a fixed answer.
type StaticTheme bool

func (t StaticTheme) SystemDark() bool { return bool(t) }

// CursorState remembers the last cursor applied so repeats are suppressed.
type CursorState struct {
	mu      sync.Mutex
	current string
}

// Update records name and reports whether it differs from the last one.
func (c *CursorState) Update(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == c.current {
		return false
	}
	c.current = name
	return true
}

// Current returns the last cursor applied.
func (c *CursorState) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// logSinks is the fallback for sinks the host did not provide.
type logSinks struct {
	logger *zap.Logger
}

func (s logSinks) SetCursor(name string) {
	s.logger.Debug("Cursor changed", zap.String("cursor", name))
}

func (s logSinks) ShowFatal(code protocol.FatalCode, message string) {
	s.logger.Error("Collapsed", zap.Stringer("code", code), zap.String("message", message))
}

func (s logSinks) OpenFileDialog() {
	s.logger.Info("Guest asked for a file dialog; no dialog is attached")
}
