package abi

// HostModule is the import module of the host functions below.
const HostModule = "js"

// Linear memory is imported from env.memory.
const (
	MemoryModule = "env"
	MemoryName   = "memory"
)

// Drawing imports.
const (
	ImportCanvasClear   = "_canvas_clear"
	ImportCanvasClip    = "_canvas_clip"
	ImportCanvasRect    = "_canvas_rect"
	ImportCanvasRectc   = "_canvas_rectc"
	ImportCanvasCircle  = "_canvas_circle"
	ImportCanvasText    = "_canvas_text"
	ImportCanvasLine    = "_canvas_line"
	ImportCanvasArc     = "_canvas_arc"
	ImportMeasureText   = "_measure_text"
	ImportGetTextHeight = "_get_text_height"
	ImportGLInitFrame   = "_gl_init_frame"
	ImportGLPushRects   = "_gl_push_rects"
)

// Bridge imports.
const (
	ImportLogInfo           = "_log_info"
	ImportLogError          = "_log_error"
	ImportBreakpoint        = "_breakpoint"
	ImportPushFatal         = "_push_fatal"
	ImportGetSessionStorage = "get_session_storage"
	ImportSetSessionStorage = "set_session_storage"
	ImportGetTime           = "get_time"
	ImportGetSystemColor    = "get_system_color"
	ImportPow               = "_pow"
	ImportChangeCursor      = "change_cursor"
	ImportGetChunk          = "get_chunk"
	ImportOpenFileDialog    = "open_file_dialog"
)
