package bridge

import (
	"context"

	"github.com/woxQAQ/canvas-bridge/api/abi"
	"github.com/woxQAQ/canvas-bridge/internal/frame"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// Guest is the typed view of the guest's export table. Every call carries
// the context token through the wrapped exports.
type Guest struct {
	exports *wasm.Exports
	marshal *wasm.Marshaler
}

// NewGuest wraps a loaded module.
func NewGuest(m *wasm.Module) *Guest {
	g := &Guest{exports: m.Exports()}
	g.marshal = wasm.NewMarshaler(m.Memory(), g)
	return g
}

// Marshaler returns the marshaler backed by the guest's temporary allocator.
func (g *Guest) Marshaler() *wasm.Marshaler {
	return g.marshal
}

// TempAllocate implements wasm.Allocator.
func (g *Guest) TempAllocate(ctx context.Context, size uint64) (uint32, error) {
	res, err := g.exports.Call(ctx, abi.ExportTempAllocate, size)
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

// Frame runs one guest frame and reports whether it is still animating.
func (g *Guest) Frame(ctx context.Context, in frame.Input) (bool, error) {
	res, err := g.exports.Call(ctx, abi.ExportFrame, in.Width, in.Height, in.Delta, in.Now)
	if err != nil {
		return false, err
	}
	return len(res) > 0 && uint32(res[0]) != 0, nil
}

func (g *Guest) call(ctx context.Context, name string, args ...any) error {
	_, err := g.exports.Call(ctx, name, args...)
	return err
}

// MouseMove calls mouse_move with CSS pixel coordinates.
func (g *Guest) MouseMove(ctx context.Context, x, y float64) error {
	return g.call(ctx, abi.ExportMouseMove, x, y)
}

// MouseDown calls mouse_down.
func (g *Guest) MouseDown(ctx context.Context, x, y float64) error {
	return g.call(ctx, abi.ExportMouseDown, x, y)
}

// MouseUp calls mouse_up.
func (g *Guest) MouseUp(ctx context.Context, x, y float64) error {
	return g.call(ctx, abi.ExportMouseUp, x, y)
}

// KeyDown calls key_down with a special key flag.
func (g *Guest) KeyDown(ctx context.Context, key protocol.KeyCode) error {
	return g.call(ctx, abi.ExportKeyDown, int64(key))
}

// KeyUp calls key_up.
func (g *Guest) KeyUp(ctx context.Context, key protocol.KeyCode) error {
	return g.call(ctx, abi.ExportKeyUp, int64(key))
}

// Scroll calls scroll with pixel deltas.
func (g *Guest) Scroll(ctx context.Context, x, y float64) error {
	return g.call(ctx, abi.ExportScroll, x, y)
}

// Zoom calls zoom.
func (g *Guest) Zoom(ctx context.Context, x, y float64) error {
	return g.call(ctx, abi.ExportZoom, x, y)
}

// Blur tells the guest the page lost focus.
func (g *Guest) Blur(ctx context.Context) error {
	return g.call(ctx, abi.ExportBlur)
}

// Focus tells the guest the page regained focus.
func (g *Guest) Focus(ctx context.Context) error {
	return g.call(ctx, abi.ExportFocus)
}

// SetColorMode calls set_color_mode.
func (g *Guest) SetColorMode(ctx context.Context, auto, dark bool) error {
	return g.call(ctx, abi.ExportSetColorMode, auto, dark)
}

// SetDPR calls set_dpr.
func (g *Guest) SetDPR(ctx context.Context, dpr float64) error {
	return g.call(ctx, abi.ExportSetDPR, dpr)
}

// StartLoadingFile announces a new file of size bytes called name.
func (g *Guest) StartLoadingFile(ctx context.Context, size int64, name string) error {
	ptr, n, err := g.marshal.WriteString(ctx, name)
	if err != nil {
		return err
	}
	return g.call(ctx, abi.ExportStartLoadingFile, size, ptr, n)
}

// LoadChunk delivers a file chunk through load_config_chunk. Guests whose
// export only takes the buffer get the buffer alone.
func (g *Guest) LoadChunk(ctx context.Context, data []byte, total, offset int64) error {
	ptr, n, err := g.marshal.WriteBytes(ctx, data)
	if err != nil {
		return err
	}
	if e, ok := g.exports.Get(abi.ExportLoadConfigChunk); ok && e.Arity() == 2 {
		return g.call(ctx, abi.ExportLoadConfigChunk, ptr, n)
	}
	return g.call(ctx, abi.ExportLoadConfigChunk, ptr, n, total, offset)
}

// LoadBuildHash hands the module hash to the guest. Guests without the
// export are left alone.
func (g *Guest) LoadBuildHash(ctx context.Context, hash int32) error {
	if !g.exports.Has(abi.ExportLoadBuildHash) {
		return nil
	}
	return g.call(ctx, abi.ExportLoadBuildHash, hash)
}

// LoadedSessionResult answers a session storage read. A missing value is
// sent as the empty string.
func (g *Guest) LoadedSessionResult(ctx context.Context, key, value string) error {
	kptr, klen, err := g.marshal.WriteString(ctx, key)
	if err != nil {
		return err
	}
	vptr, vlen, err := g.marshal.WriteString(ctx, value)
	if err != nil {
		return err
	}
	return g.call(ctx, abi.ExportLoadedSessionResult, kptr, klen, vptr, vlen)
}
