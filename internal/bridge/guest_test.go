package bridge

import (
	"github.com/woxQAQ/canvas-bridge/internal/wasm/wasmtest"
)

// Data segment offsets of bridgeGuest.
const (
	pointerOffset  = 16
	textOffset     = 32
	colorKeyOffset = 48
	zoomKeyOffset  = 64
	zoomValOffset  = 80
	logOffset      = 96

	guestLogLine = "guest says hi"
)

// bridgeGuest is a guest exposing the full export surface the bridge
// drives. Every export records what it received in an exported global.
func bridgeGuest() []byte {
	const (
		i32 = wasmtest.I32
		i64 = wasmtest.I64
		f64 = wasmtest.F64
	)
	p := wasmtest.Params
	get, set := wasmtest.GlobalGet, wasmtest.GlobalSet
	local := wasmtest.LocalGet

	b := wasmtest.New()
	changeCursor := b.ImportFunc("js", "change_cursor", p(i32, i64), nil)
	getChunk := b.ImportFunc("js", "get_chunk", p(f64, f64), nil)
	pushFatal := b.ImportFunc("js", "_push_fatal", p(i32), nil)
	getSession := b.ImportFunc("js", "get_session_storage", p(i32, i64), nil)
	setSession := b.ImportFunc("js", "set_session_storage", p(i32, i64, i32, i64), nil)
	logInfo := b.ImportFunc("js", "_log_info", p(i32, i64), nil)
	b.ImportMemory("env", "memory", 1)

	b.Data(pointerOffset, []byte("pointer"))
	b.Data(textOffset, []byte("text"))
	b.Data(colorKeyOffset, []byte("colormode"))
	b.Data(zoomKeyOffset, []byte("zoom"))
	b.Data(zoomValOffset, []byte("2.5"))
	b.Data(logOffset, []byte(guestLogLine))

	global := func(name string, t byte) uint32 {
		g := b.Global(t, true, 0)
		b.ExportGlobal(name, g)
		return g
	}
	bump := b.Global(i32, true, 1024)
	hash := global("build_hash", i32)
	dpr := global("dpr", f64)
	auto := global("color_auto", i32)
	dark := global("color_dark", i32)
	events := global("events", i32)
	mouseX := global("mouse_x", f64)
	key := global("last_key", i32)
	scrollY := global("scroll_y", f64)
	zoomY := global("zoom_y", f64)
	focused := global("focused", i32)
	frames := global("frames", i32)
	frameW := global("frame_w", f64)
	frameDT := global("frame_dt", f64)
	fileSize := global("file_size", i64)
	chunks := global("chunks", i32)
	received := global("received", i64)
	lastOffset := global("last_offset", f64)
	lastTotal := global("last_total", f64)
	sessionPtr := global("session_ptr", i32)
	sessionLen := global("session_len", i64)

	incr := func(g uint32) []byte {
		var out []byte
		for _, ins := range [][]byte{get(g), wasmtest.I32Const(1), wasmtest.Op(wasmtest.OpI32Add), set(g)} {
			out = append(out, ins...)
		}
		return out
	}

	b.Func("_start", nil, nil, wasmtest.I32Const(wasmtest.BumpStart), set(bump))
	b.Func("_end", nil, nil)
	b.Func("default_context_ptr", nil, p(i32), wasmtest.I32Const(wasmtest.Token))
	b.Func("temp_allocate", p(i64, i32), p(i32),
		get(bump),
		get(bump), local(0), wasmtest.Op(wasmtest.OpI32WrapI64), wasmtest.Op(wasmtest.OpI32Add), set(bump),
	)

	b.Func("load_build_hash", p(i32, i32), nil, local(0), set(hash))
	b.Func("set_dpr", p(f64, i32), nil, local(0), set(dpr))
	b.Func("set_color_mode", p(i32, i32, i32), nil, local(0), set(auto), local(1), set(dark))

	for _, name := range []string{"mouse_move", "mouse_down", "mouse_up"} {
		b.Func(name, p(f64, f64, i32), nil, local(0), set(mouseX), incr(events))
	}
	b.Func("key_down", p(i32, i32), nil, local(0), set(key), incr(events))
	b.Func("key_up", p(i32, i32), nil, local(0), set(key), incr(events))
	b.Func("scroll", p(f64, f64, i32), nil, local(1), set(scrollY), incr(events))
	b.Func("zoom", p(f64, f64, i32), nil, local(1), set(zoomY), incr(events))
	b.Func("blur", p(i32), nil, wasmtest.I32Const(0), set(focused), incr(events))
	b.Func("focus", p(i32), nil, wasmtest.I32Const(1), set(focused), incr(events))

	b.Func("frame", p(f64, f64, f64, f64, i32), p(i32),
		incr(frames), local(0), set(frameW), local(2), set(frameDT),
		wasmtest.I32Const(0),
	)

	b.Func("start_loading_file", p(i64, i32, i64, i32), nil,
		local(0), set(fileSize),
		wasmtest.F64Const(0), wasmtest.F64Const(4), wasmtest.Call(getChunk),
	)
	b.Func("load_config_chunk", p(i32, i64, f64, f64, i32), nil,
		incr(chunks),
		get(received), local(1), wasmtest.Op(wasmtest.OpI64Add), set(received),
		local(2), set(lastTotal),
		local(3), set(lastOffset),
	)
	b.Func("request", p(f64, f64, i32), nil, local(0), local(1), wasmtest.Call(getChunk))

	b.Func("loaded_session_result", p(i32, i64, i32, i64, i32), nil,
		local(2), set(sessionPtr), local(3), set(sessionLen),
	)
	b.Func("read_session", p(i32), nil,
		wasmtest.I32Const(colorKeyOffset), wasmtest.I64Const(9), wasmtest.Call(getSession),
	)
	b.Func("write_session", p(i32), nil,
		wasmtest.I32Const(zoomKeyOffset), wasmtest.I64Const(4),
		wasmtest.I32Const(zoomValOffset), wasmtest.I64Const(3),
		wasmtest.Call(setSession),
	)

	b.Func("cursor_pointer", p(i32), nil,
		wasmtest.I32Const(pointerOffset), wasmtest.I64Const(7), wasmtest.Call(changeCursor),
	)
	b.Func("cursor_text", p(i32), nil,
		wasmtest.I32Const(textOffset), wasmtest.I64Const(4), wasmtest.Call(changeCursor),
	)
	b.Func("fatal", p(i32), nil,
		wasmtest.I32Const(3), wasmtest.Call(pushFatal), wasmtest.Op(wasmtest.OpUnreachable),
	)
	b.Func("log", p(i32), nil,
		wasmtest.I32Const(logOffset), wasmtest.I64Const(int64(len(guestLogLine))), wasmtest.Call(logInfo),
	)
	return b.Binary()
}
