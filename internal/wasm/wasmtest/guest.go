package wasmtest

// Token is the context token returned by the guests built here.
const Token = 777

// HelloOffset is where Guest stores the "hello\n" data segment.
const HelloOffset = 16

// BumpStart is the first address handed out by temp_allocate after _start ran.
const BumpStart = 2048

// Guest returns a module that imports env.memory and odin_env.write and exports:
//
//	_start, _end, default_context_ptr  bootstrap
//	temp_allocate(len i64, ctx i32) i32  bump allocator
//	echo_ctx(ctx i32) i32              returns the token it received
//	frame(w, h, dt, t f64, ctx i32) i32  true for the first two calls
//	frames(ctx i32) i32                number of frame calls so far
//	add(a, b f64, ctx i32) f64
//	hello(ctx i32)                     writes "hello\n" to stdout
//	trap(ctx i32)                      unreachable
//	frame_count                        exported global
func Guest() []byte {
	b := New()
	write := b.ImportFunc("odin_env", "write", Params(I32, I32, I64), nil)
	b.ImportMemory("env", "memory", 1)

	bump := b.Global(I32, true, 1024)
	frames := b.Global(I32, true, 0)
	b.ExportGlobal("frame_count", frames)
	b.Data(HelloOffset, []byte("hello\n"))

	b.Func("_start", nil, nil, I32Const(BumpStart), GlobalSet(bump))
	b.Func("_end", nil, nil)
	b.Func("default_context_ptr", nil, Params(I32), I32Const(Token))
	b.Func("temp_allocate", Params(I64, I32), Params(I32),
		GlobalGet(bump),
		GlobalGet(bump), LocalGet(0), Op(OpI32WrapI64), Op(OpI32Add), GlobalSet(bump),
	)
	b.Func("echo_ctx", Params(I32), Params(I32), LocalGet(0))
	b.Func("frame", Params(F64, F64, F64, F64, I32), Params(I32),
		GlobalGet(frames), I32Const(1), Op(OpI32Add), GlobalSet(frames),
		GlobalGet(frames), I32Const(3), Op(OpI32LtS),
	)
	b.Func("frames", Params(I32), Params(I32), GlobalGet(frames))
	b.Func("add", Params(F64, F64, I32), Params(F64), LocalGet(0), LocalGet(1), Op(OpF64Add))
	b.Func("hello", Params(I32), nil,
		I32Const(1), I32Const(HelloOffset), I64Const(6), Call(write),
	)
	b.Func("trap", Params(I32), nil, Op(OpUnreachable))
	return b.Binary()
}
