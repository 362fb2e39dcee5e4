package bridge

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/api/abi"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

// imports returns the js entries that are not drawing commands.
func (b *Bridge) imports() wasm.Imports {
	return wasm.Imports{
		render.ImportModule: {
			{Name: abi.ImportLogInfo, Fn: b.logInfo, Params: []string{"ptr", "len"}},
			{Name: abi.ImportLogError, Fn: b.logError, Params: []string{"ptr", "len"}},
			{Name: abi.ImportBreakpoint, Fn: b.breakpoint},
			{Name: abi.ImportPushFatal, Fn: b.pushFatal, Params: []string{"code"}},
			{Name: abi.ImportGetSessionStorage, Fn: b.getSessionStorage, Params: []string{"key_ptr", "key_len"}},
			{Name: abi.ImportSetSessionStorage, Fn: b.setSessionStorage, Params: []string{"key_ptr", "key_len", "val_ptr", "val_len"}},
			{Name: abi.ImportGetTime, Fn: b.getTime},
			{Name: abi.ImportGetSystemColor, Fn: b.getSystemColor},
			{Name: abi.ImportPow, Fn: math.Pow, Params: []string{"x", "power"}},
			{Name: abi.ImportChangeCursor, Fn: b.changeCursor, Params: []string{"ptr", "len"}},
			{Name: abi.ImportGetChunk, Fn: b.getChunk, Params: []string{"offset", "size"}},
			{Name: abi.ImportOpenFileDialog, Fn: b.openFileDialog},
		},
	}
}

func guestString(function string, mod api.Module, ptr uint32, length uint64) string {
	s, err := wasm.NewMemory(mod).String(ptr, uint32(length))
	if err != nil {
		wasm.Fail(function, err)
	}
	return s
}

func (b *Bridge) logInfo(ctx context.Context, mod api.Module, ptr uint32, length uint64) {
	b.logger.Info(guestString(abi.ImportLogInfo, mod, ptr, length), zap.String("source", "guest"))
}

func (b *Bridge) logError(ctx context.Context, mod api.Module, ptr uint32, length uint64) {
	b.logger.Error(guestString(abi.ImportLogError, mod, ptr, length), zap.String("source", "guest"))
}

// breakpoint has no debugger to stop in; it leaves a trace in the log.
func (b *Bridge) breakpoint(ctx context.Context, mod api.Module) {
	b.logger.Warn("Guest hit a breakpoint", zap.String("instance_id", mod.Name()))
}

// pushFatal records the guest's fatal code and collapses.
func (b *Bridge) pushFatal(ctx context.Context, mod api.Module, code int32) {
	fc := protocol.FatalCode(code)
	if !fc.Known() {
		b.logger.Warn("Guest reported an unknown fatal code", zap.Int32("code", code))
	}
	b.setFatal(fc.Normalize())
	b.Collapse(fmt.Errorf("guest reported fatal code %d", code))
}

// getSessionStorage answers on the loop through loaded_session_result so
// the guest is never re-entered from inside this import.
func (b *Bridge) getSessionStorage(ctx context.Context, mod api.Module, keyPtr uint32, keyLen uint64) {
	key := guestString(abi.ImportGetSessionStorage, mod, keyPtr, keyLen)
	value, _ := b.store.Get(key)

	b.poster.Post(func() {
		if b.Collapsed() || b.guest == nil {
			return
		}
		if err := b.guest.LoadedSessionResult(b.ctx, key, value); err != nil {
			b.Collapse(fmt.Errorf("%s: %w", abi.ExportLoadedSessionResult, err))
			return
		}
		b.scheduler.WakeUp()
	})
}

func (b *Bridge) setSessionStorage(ctx context.Context, mod api.Module, keyPtr uint32, keyLen uint64, valPtr uint32, valLen uint64) {
	key := guestString(abi.ImportSetSessionStorage, mod, keyPtr, keyLen)
	value := guestString(abi.ImportSetSessionStorage, mod, valPtr, valLen)
	if err := b.store.Set(key, value); err != nil {
		b.logger.Error("Failed to persist session value", zap.String("key", key), zap.Error(err))
	}
}

// getTime returns wall-clock milliseconds since the epoch.
func (b *Bridge) getTime(ctx context.Context, mod api.Module) float64 {
	return float64(b.clock.Now().UnixNano()) / 1e6
}

func (b *Bridge) getSystemColor(ctx context.Context, mod api.Module) uint32 {
	if b.theme.SystemDark() {
		return 1
	}
	return 0
}

func (b *Bridge) changeCursor(ctx context.Context, mod api.Module, ptr uint32, length uint64) {
	name := guestString(abi.ImportChangeCursor, mod, ptr, length)
	if !b.cursors.Update(name) {
		return
	}
	b.metrics.RecordCursorUpdate()
	b.cursor.SetCursor(name)
}

// getChunk queues a read. Failures to queue are logged and dropped; the
// guest has no error channel for them.
func (b *Bridge) getChunk(ctx context.Context, mod api.Module, offset, size float64) {
	if err := b.loader.GetChunk(int64(offset), int64(size)); err != nil {
		b.logger.Error("Chunk request rejected",
			zap.Float64("offset", offset),
			zap.Float64("size", size),
			zap.Error(err))
	}
}

func (b *Bridge) openFileDialog(ctx context.Context, mod api.Module) {
	b.dialog.OpenFileDialog()
}
