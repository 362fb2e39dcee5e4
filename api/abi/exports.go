// Package abi names the functions a guest module exports and the host
// functions it may import. Guests are compiled against these names; the
// host looks them up at load time.
//
// Pointers and lengths cross the boundary as i32 pointers and i64
// lengths. Every export except the bootstrap ones takes the context
// token as its last argument; the host appends it.
package abi

// Bootstrap exports, called without a context token.
const (
	// func _start()
	ExportStart = "_start"
	// func _end()
	ExportEnd = "_end"
	// func default_context_ptr() i32
	ExportContextToken = "default_context_ptr"
)

// Exports the host calls on the guest.
const (
	// func temp_allocate(size i64) i32
	ExportTempAllocate = "temp_allocate"
	// func frame(width, height, dt, now f64) i32
	// Non-zero means the guest is still animating.
	ExportFrame = "frame"

	// func mouse_move(x, y f64), likewise mouse_down and mouse_up
	ExportMouseMove = "mouse_move"
	ExportMouseDown = "mouse_down"
	ExportMouseUp   = "mouse_up"
	// func key_down(key i32), likewise key_up
	ExportKeyDown = "key_down"
	ExportKeyUp   = "key_up"
	// func scroll(dx, dy f64)
	ExportScroll = "scroll"
	// func zoom(x, y f64)
	ExportZoom = "zoom"
	// func blur(), func focus()
	ExportBlur  = "blur"
	ExportFocus = "focus"

	// func set_color_mode(auto, dark i32)
	ExportSetColorMode = "set_color_mode"
	// func set_dpr(dpr f64)
	ExportSetDPR = "set_dpr"

	// func start_loading_file(size i64, name_ptr i32, name_len i64)
	ExportStartLoadingFile = "start_loading_file"
	// func load_config_chunk(ptr i32, len i64, total f64, offset f64)
	// Older guests take only ptr and len.
	ExportLoadConfigChunk = "load_config_chunk"
	// func load_build_hash(hash i32), optional
	ExportLoadBuildHash = "load_build_hash"
	// func loaded_session_result(key_ptr i32, key_len i64, val_ptr i32, val_len i64)
	ExportLoadedSessionResult = "loaded_session_result"
)
