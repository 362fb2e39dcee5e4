package render

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/internal/wasm/wasmtest"
)

const (
	textOffset = 64
	fontOffset = 96
	rectOffset = 128
)

// drawingGuest calls the canvas imports from its exports.
func drawingGuest() []byte {
	b := wasmtest.New()
	f64 := wasmtest.F64
	rect := b.ImportFunc("js", "_canvas_rect", wasmtest.Params(f64, f64, f64, f64, f64, f64, f64, f64), nil)
	measure := b.ImportFunc("js", "_measure_text",
		wasmtest.Params(wasmtest.I32, wasmtest.I64, f64, wasmtest.I32, wasmtest.I64), wasmtest.Params(f64))
	initFrame := b.ImportFunc("js", "_gl_init_frame", wasmtest.Params(f64, f64, f64, f64), nil)
	push := b.ImportFunc("js", "_gl_push_rects",
		wasmtest.Params(wasmtest.I32, wasmtest.I64, wasmtest.I64, f64, f64), nil)
	b.ImportMemory("env", "memory", 1)

	b.Data(textOffset, []byte("abc"))
	b.Data(fontOffset, []byte("monospace"))
	b.Data(rectOffset, encodeRects(Instance{X: 1, Width: 2, Color: red}))

	b.Func("_start", nil, nil)
	b.Func("default_context_ptr", nil, wasmtest.Params(wasmtest.I32), wasmtest.I32Const(1))
	b.Func("draw", wasmtest.Params(wasmtest.I32), nil,
		wasmtest.F64Const(1), wasmtest.F64Const(1), wasmtest.F64Const(2), wasmtest.F64Const(2),
		wasmtest.F64Const(255), wasmtest.F64Const(0), wasmtest.F64Const(0), wasmtest.F64Const(255),
		wasmtest.Call(rect),
	)
	b.Func("measure", wasmtest.Params(wasmtest.I32), wasmtest.Params(f64),
		wasmtest.I32Const(textOffset), wasmtest.I64Const(3), wasmtest.F64Const(12),
		wasmtest.I32Const(fontOffset), wasmtest.I64Const(9),
		wasmtest.Call(measure),
	)
	b.Func("rects", wasmtest.Params(wasmtest.I32), nil,
		wasmtest.F64Const(0), wasmtest.F64Const(0), wasmtest.F64Const(0), wasmtest.F64Const(255),
		wasmtest.Call(initFrame),
		wasmtest.I32Const(rectOffset), wasmtest.I64Const(DrawRectSize), wasmtest.I64Const(1),
		wasmtest.F64Const(0), wasmtest.F64Const(1),
		wasmtest.Call(push),
	)
	b.Func("bad_rects", wasmtest.Params(wasmtest.I32), nil,
		wasmtest.I32Const(rectOffset), wasmtest.I64Const(DrawRectSize), wasmtest.I64Const(1),
		wasmtest.F64Const(0), wasmtest.F64Const(1),
		wasmtest.Call(push),
	)
	return b.Binary()
}

func loadDrawingGuest(t *testing.T, e *Executor) *wasm.Module {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{InitialPages: 1, MaxPages: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })

	manager := wasm.NewInstanceManager(runtime, wasm.NewHostFunctions(logger), logger)
	module, err := manager.Load(ctx, &wasm.LoadConfig{
		Source:  &wasm.MemoryModuleSource{ModuleName: "drawing", Data: drawingGuest()},
		Imports: Imports(e),
	})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return module
}

func TestImportsDrawIntoExecutor(t *testing.T) {
	e := newTestExecutor(t, square(8))
	module := loadDrawingGuest(t, e)
	ctx := context.Background()

	if _, err := module.Exports().Call(ctx, "draw"); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if got := textPixel(e, 2, 2); got.R != 255 || got.A != 255 {
		t.Errorf("pixel (2, 2) = %v, want red", got)
	}

	res, err := module.Exports().Call(ctx, "measure")
	if err != nil {
		t.Fatalf("measure failed: %v", err)
	}
	want, _ := e.MeasureText("abc", 12, "monospace")
	if got := api.DecodeF64(res[0]); got != want || got <= 0 {
		t.Errorf("measure = %v, want %v", got, want)
	}

	if _, err := module.Exports().Call(ctx, "rects"); err != nil {
		t.Fatalf("rects failed: %v", err)
	}
	if got := e.RectSurface().Image().RGBAAt(1, 0); got.R != 255 {
		t.Errorf("rect pixel = %v, want red", got)
	}
}

func TestImportErrorsBecomeCallErrors(t *testing.T) {
	e := newTestExecutor(t, square(8))
	module := loadDrawingGuest(t, e)

	_, err := module.Exports().Call(context.Background(), "bad_rects")
	if err == nil {
		t.Fatal("pushing rects before init should fail the call")
	}
	if !errors.Is(err, ErrFrameNotInitialized) {
		t.Errorf("error = %v, want it to wrap ErrFrameNotInitialized", err)
	}
}
