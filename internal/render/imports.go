package render

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/canvas-bridge/api/abi"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
)

// ImportModule is the import module name of the drawing entries.
const ImportModule = abi.HostModule

// Imports exposes the executor to guests as canvas and GL import functions.
func Imports(e *Executor) wasm.Imports {
	h := &importHandler{exec: e}
	return wasm.Imports{
		ImportModule: {
			{Name: abi.ImportCanvasClear, Fn: h.clear},
			{Name: abi.ImportCanvasClip, Fn: h.clip, Params: []string{"x", "y", "w", "h"}},
			{Name: abi.ImportCanvasRect, Fn: h.rect, Params: []string{"x", "y", "w", "h", "r", "g", "b", "a"}},
			{Name: abi.ImportCanvasRectc, Fn: h.rectc, Params: []string{"x", "y", "w", "h", "radius", "r", "g", "b", "a"}},
			{Name: abi.ImportCanvasCircle, Fn: h.circle, Params: []string{"x", "y", "radius", "r", "g", "b", "a"}},
			{Name: abi.ImportCanvasText, Fn: h.text, Params: []string{"str_ptr", "str_len", "x", "y", "r", "g", "b", "a", "size", "font_ptr", "font_len"}},
			{Name: abi.ImportCanvasLine, Fn: h.line, Params: []string{"x1", "y1", "x2", "y2", "r", "g", "b", "a", "width"}},
			{Name: abi.ImportCanvasArc, Fn: h.arc, Params: []string{"x", "y", "radius", "start", "end", "r", "g", "b", "a", "width"}},
			{Name: abi.ImportMeasureText, Fn: h.measureText, Params: []string{"str_ptr", "str_len", "size", "font_ptr", "font_len"}},
			{Name: abi.ImportGetTextHeight, Fn: h.textHeight, Params: []string{"size", "font_ptr", "font_len"}},
			{Name: abi.ImportGLInitFrame, Fn: h.initFrame, Params: []string{"r", "g", "b", "a"}},
			{Name: abi.ImportGLPushRects, Fn: h.pushRects, Params: []string{"ptr", "len", "count", "y", "height"}},
		},
	}
}

type importHandler struct {
	exec *Executor
}

func loadString(fn string, mod api.Module, ptr uint32, length uint64) string {
	s, err := wasm.NewMemory(mod).String(ptr, uint32(length))
	if err != nil {
		wasm.Fail(fn, err)
	}
	return s
}

func (h *importHandler) clear(ctx context.Context, mod api.Module) {
	h.exec.Clear()
}

func (h *importHandler) clip(ctx context.Context, mod api.Module, x, y, w, hgt float64) {
	h.exec.Clip(x, y, w, hgt)
}

func (h *importHandler) rect(ctx context.Context, mod api.Module, x, y, w, hgt, r, g, b, a float64) {
	h.exec.FillRect(x, y, w, hgt, RGBA255(r, g, b, a))
}

func (h *importHandler) rectc(ctx context.Context, mod api.Module, x, y, w, hgt, radius, r, g, b, a float64) {
	h.exec.FillRoundedRect(x, y, w, hgt, radius, RGBA255(r, g, b, a))
}

func (h *importHandler) circle(ctx context.Context, mod api.Module, x, y, radius, r, g, b, a float64) {
	h.exec.FillCircle(x, y, radius, RGBA255(r, g, b, a))
}

func (h *importHandler) text(ctx context.Context, mod api.Module, strPtr uint32, strLen uint64, x, y, r, g, b, a, size float64, fontPtr uint32, fontLen uint64) {
	s := loadString("_canvas_text", mod, strPtr, strLen)
	family := loadString("_canvas_text", mod, fontPtr, fontLen)
	if err := h.exec.DrawText(s, x, y, RGBAUnitAlpha(r, g, b, a), size, family); err != nil {
		wasm.Fail("_canvas_text", err)
	}
}

func (h *importHandler) line(ctx context.Context, mod api.Module, x1, y1, x2, y2, r, g, b, a, width float64) {
	h.exec.StrokeLine(x1, y1, x2, y2, RGBA255(r, g, b, a), width)
}

func (h *importHandler) arc(ctx context.Context, mod api.Module, x, y, radius, start, end, r, g, b, a, width float64) {
	h.exec.StrokeArc(x, y, radius, start, end, RGBA255(r, g, b, a), width)
}

func (h *importHandler) measureText(ctx context.Context, mod api.Module, strPtr uint32, strLen uint64, size float64, fontPtr uint32, fontLen uint64) float64 {
	s := loadString("_measure_text", mod, strPtr, strLen)
	family := loadString("_measure_text", mod, fontPtr, fontLen)
	w, err := h.exec.MeasureText(s, size, family)
	if err != nil {
		wasm.Fail("_measure_text", err)
	}
	return w
}

func (h *importHandler) textHeight(ctx context.Context, mod api.Module, size float64, fontPtr uint32, fontLen uint64) float64 {
	family := loadString("_get_text_height", mod, fontPtr, fontLen)
	height, err := h.exec.TextHeight(size, family)
	if err != nil {
		wasm.Fail("_get_text_height", err)
	}
	return height
}

func (h *importHandler) initFrame(ctx context.Context, mod api.Module, r, g, b, a float64) {
	h.exec.InitFrame(r, g, b, a)
}

func (h *importHandler) pushRects(ctx context.Context, mod api.Module, ptr uint32, length uint64, count uint64, y, height float64) {
	buf, err := wasm.NewMemory(mod).Bytes(ptr, uint32(length))
	if err != nil {
		wasm.Fail("_gl_push_rects", err)
	}
	if err := h.exec.PushRects(buf, int(count), y, height); err != nil {
		wasm.Fail("_gl_push_rects", err)
	}
}
