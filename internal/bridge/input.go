package bridge

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// Point is a position relative to the text surface, in CSS pixels.
type Point struct {
	X, Y float64
}

// TouchTracker follows a two-finger pinch between touch events.
type TouchTracker struct {
	start  [2]Point
	active bool
}

// Begin records the finger positions of a new pinch.
func (t *TouchTracker) Begin(a, b Point) {
	t.start = [2]Point{a, b}
	t.active = true
}

// Move returns how much the finger distance grew since the last call and
// remembers the new positions. Without an active pinch it only begins one.
func (t *TouchTracker) Move(a, b Point) float64 {
	if !t.active {
		t.Begin(a, b)
		return 0
	}
	old := math.Hypot(t.start[0].X-t.start[1].X, t.start[0].Y-t.start[1].Y)
	cur := math.Hypot(a.X-b.X, a.Y-b.Y)
	t.start = [2]Point{a, b}
	return cur - old
}

// Reset forgets the pinch.
func (t *TouchTracker) Reset() {
	t.active = false
}

// MouseMove relays pointer movement and wakes the frame loop.
func (b *Bridge) MouseMove(ctx context.Context, x, y float64) error {
	return b.relay("mouse_move", func(g *Guest) error { return g.MouseMove(ctx, x, y) })
}

// MouseDown relays a press.
func (b *Bridge) MouseDown(ctx context.Context, x, y float64) error {
	return b.relay("mouse_down", func(g *Guest) error { return g.MouseDown(ctx, x, y) })
}

// MouseUp relays a release.
func (b *Bridge) MouseUp(ctx context.Context, x, y float64) error {
	return b.relay("mouse_up", func(g *Guest) error { return g.MouseUp(ctx, x, y) })
}

// KeyDown forwards special keys by DOM name. Other keys only wake the
// frame loop.
func (b *Bridge) KeyDown(ctx context.Context, key string) error {
	return b.key(ctx, key, true)
}

// KeyUp is the release counterpart of KeyDown.
func (b *Bridge) KeyUp(ctx context.Context, key string) error {
	return b.key(ctx, key, false)
}

func (b *Bridge) key(ctx context.Context, key string, down bool) error {
	code, ok := protocol.KeyFromName(key)
	if !ok {
		if b.Collapsed() {
			return ErrCollapsed
		}
		b.scheduler.WakeUp()
		return nil
	}
	if down {
		return b.relay("key_down", func(g *Guest) error { return g.KeyDown(ctx, code) })
	}
	return b.relay("key_up", func(g *Guest) error { return g.KeyUp(ctx, code) })
}

// Scroll forwards a wheel event. Line deltas are converted to pixels.
func (b *Bridge) Scroll(ctx context.Context, dx, dy float64, lines bool) error {
	if lines {
		dx *= protocol.WheelLinePixels
		dy *= protocol.WheelLinePixels
	}
	return b.relay("scroll", func(g *Guest) error { return g.Scroll(ctx, dx, dy) })
}

// Zoom relays a zoom gesture.
func (b *Bridge) Zoom(ctx context.Context, x, y float64) error {
	return b.relay("zoom", func(g *Guest) error { return g.Zoom(ctx, x, y) })
}

// Blur relays loss of focus.
func (b *Bridge) Blur(ctx context.Context) error {
	return b.relay("blur", func(g *Guest) error { return g.Blur(ctx) })
}

// Focus relays regained focus.
func (b *Bridge) Focus(ctx context.Context) error {
	return b.relay("focus", func(g *Guest) error { return g.Focus(ctx) })
}

// TouchStart handles touches landing. One finger presses, two begin a pinch.
func (b *Bridge) TouchStart(ctx context.Context, touches []Point) error {
	switch len(touches) {
	case 1:
		return b.MouseDown(ctx, touches[0].X, touches[0].Y)
	case 2:
		b.touches.Begin(touches[0], touches[1])
	}
	return nil
}

// TouchMove drags with one finger and zooms with two.
func (b *Bridge) TouchMove(ctx context.Context, touches []Point) error {
	switch len(touches) {
	case 1:
		return b.MouseMove(ctx, touches[0].X, touches[0].Y)
	case 2:
		delta := b.touches.Move(touches[0], touches[1])
		return b.Zoom(ctx, 0, -delta*2)
	}
	return nil
}

// TouchEnd handles fingers lifting. remaining are the touches still down,
// changed the ones that lifted.
func (b *Bridge) TouchEnd(ctx context.Context, remaining, changed []Point) error {
	switch len(remaining) {
	case 0:
		if len(changed) == 0 {
			return nil
		}
		return b.MouseUp(ctx, changed[0].X, changed[0].Y)
	case 1:
		return b.MouseUp(ctx, remaining[0].X, remaining[0].Y)
	case 2:
		b.touches.Reset()
	}
	return nil
}

// colorMode returns the persisted mode, storing auto when none is set.
func (b *Bridge) colorMode() protocol.ColorMode {
	if v, ok := b.store.Get(protocol.ColorModeKey); ok {
		if mode, ok := protocol.ParseColorMode(v); ok {
			return mode
		}
		b.logger.Warn("Ignoring invalid stored color mode", zap.String("value", v))
	}
	if err := b.store.Set(protocol.ColorModeKey, string(protocol.ColorModeAuto)); err != nil {
		b.logger.Error("Failed to persist color mode", zap.Error(err))
	}
	return protocol.ColorModeAuto
}

func (b *Bridge) initColorMode(ctx context.Context) error {
	return b.applyColorMode(ctx, b.colorMode())
}

func (b *Bridge) applyColorMode(ctx context.Context, mode protocol.ColorMode) error {
	if mode == protocol.ColorModeAuto {
		return b.guest.SetColorMode(ctx, true, b.theme.SystemDark())
	}
	return b.guest.SetColorMode(ctx, false, mode == protocol.ColorModeDark)
}

// SetColorMode persists an explicit user choice and applies it.
func (b *Bridge) SetColorMode(ctx context.Context, mode protocol.ColorMode) error {
	if err := b.store.Set(protocol.ColorModeKey, string(mode)); err != nil {
		b.logger.Error("Failed to persist color mode", zap.Error(err))
	}
	return b.relay("set_color_mode", func(g *Guest) error { return b.applyColorMode(ctx, mode) })
}

// SystemThemeChanged follows the system appearance while the mode is auto.
func (b *Bridge) SystemThemeChanged(ctx context.Context, dark bool) error {
	if b.colorMode() != protocol.ColorModeAuto {
		return nil
	}
	return b.relay("set_color_mode", func(g *Guest) error { return g.SetColorMode(ctx, true, dark) })
}
