package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ErrTrap is raised when the guest calls the trap or abort import.
var ErrTrap = errors.New("guest trap")

// HostFunc is one Go function exported to guests under Name.
// Fn must be a function accepted by wazero's WithFunc.
type HostFunc struct {
	Name   string
	Fn     any
	Params []string
}

// Imports groups host functions by import module name.
type Imports map[string][]HostFunc

// MergeImports overlays extra onto base. A function in extra replaces the
// function of the same name in base; everything else is kept.
func MergeImports(base, extra Imports) Imports {
	out := make(Imports, len(base)+len(extra))
	for mod, fns := range base {
		out[mod] = append([]HostFunc(nil), fns...)
	}
	for mod, fns := range extra {
		for _, fn := range fns {
			replaced := false
			for i := range out[mod] {
				if out[mod][i].Name == fn.Name {
					out[mod][i] = fn
					replaced = true
					break
				}
			}
			if !replaced {
				out[mod] = append(out[mod], fn)
			}
		}
	}
	return out
}

// ModuleNames returns the import module names in stable order.
func (im Imports) ModuleNames() []string {
	names := make([]string, 0, len(im))
	for name := range im {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fail aborts the current guest call with a *HostFunctionError.
// wazero turns the panic into an error returned from the guest export.
func Fail(function string, err error) {
	panic(&HostFunctionError{FunctionName: function, Err: err})
}

// HostFunctionsImpl implements the baseline imports every guest receives.
type HostFunctionsImpl struct {
	logger  *zap.Logger
	console *Console
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger:  logger.With(zap.String("component", "wasm-host")),
		console: NewConsole(logger),
	}
}

// Console returns the guest console writer.
func (h *HostFunctionsImpl) Console() *Console {
	return h.console
}

// Imports returns the baseline import set.
func (h *HostFunctionsImpl) Imports() Imports {
	return Imports{
		"odin_env": {
			{Name: "write", Fn: h.write, Params: []string{"fd", "ptr", "len"}},
			{Name: "trap", Fn: h.trap},
			{Name: "alert", Fn: h.alert, Params: []string{"ptr", "len"}},
			{Name: "abort", Fn: h.abort},
			{Name: "evaluate", Fn: h.evaluate, Params: []string{"ptr", "len"}},
			{Name: "sqrt", Fn: math.Sqrt, Params: []string{"x"}},
			{Name: "sin", Fn: math.Sin, Params: []string{"x"}},
			{Name: "cos", Fn: math.Cos, Params: []string{"x"}},
			{Name: "pow", Fn: math.Pow, Params: []string{"x", "power"}},
			{Name: "fmuladd", Fn: math.FMA, Params: []string{"x", "y", "z"}},
			{Name: "ln", Fn: math.Log, Params: []string{"x"}},
			{Name: "exp", Fn: math.Exp, Params: []string{"x"}},
			{Name: "ldexp", Fn: ldexp, Params: []string{"x", "exp"}},
		},
		"odin_dom": {
			{Name: "init_event_raw", Fn: h.initEventRaw, Params: []string{"ptr"}},
		},
	}
}

func ldexp(x float64, exp int32) float64 {
	return math.Ldexp(x, int(exp))
}

// write is the console sink. Signature: write(fd, ptr, len)
// fd: 1 = stdout, 2 = stderr
func (h *HostFunctionsImpl) write(ctx context.Context, mod api.Module, fd uint32, ptr uint32, length uint64) {
	buf, err := NewMemory(mod).Bytes(ptr, uint32(length))
	if err != nil {
		Fail("write", err)
	}
	if err := h.console.Write(fd, buf); err != nil {
		Fail("write", err)
	}
}

func (h *HostFunctionsImpl) trap(ctx context.Context, mod api.Module) {
	h.console.Flush()
	Fail("trap", ErrTrap)
}

func (h *HostFunctionsImpl) abort(ctx context.Context, mod api.Module) {
	h.console.Flush()
	Fail("abort", ErrTrap)
}

func (h *HostFunctionsImpl) alert(ctx context.Context, mod api.Module, ptr uint32, length uint64) {
	msg, err := NewMemory(mod).String(ptr, uint32(length))
	if err != nil {
		Fail("alert", err)
	}
	h.logger.Warn("Guest alert", zap.String("message", msg))
}

func (h *HostFunctionsImpl) evaluate(ctx context.Context, mod api.Module, ptr uint32, length uint64) {
	src, err := NewMemory(mod).String(ptr, uint32(length))
	if err != nil {
		Fail("evaluate", err)
	}
	h.logger.Warn("Guest requested script evaluation, ignoring", zap.Int("length", len(src)))
}

func (h *HostFunctionsImpl) initEventRaw(ctx context.Context, mod api.Module, ptr uint32) {}

// Console line-buffers guest output per file descriptor and forwards
// complete lines to the logger.
type Console struct {
	logger  *zap.Logger
	pending map[uint32]*bytes.Buffer
	last    uint32
}

// NewConsole creates a console writer.
func NewConsole(logger *zap.Logger) *Console {
	return &Console{
		logger:  logger.With(zap.String("component", "guest-console")),
		pending: map[uint32]*bytes.Buffer{1: {}, 2: {}},
	}
}

// Write appends data for fd and emits every completed line.
func (c *Console) Write(fd uint32, data []byte) error {
	buf, ok := c.pending[fd]
	if !ok {
		return fmt.Errorf("unsupported file descriptor %d", fd)
	}
	if c.last != 0 && c.last != fd {
		c.flushFD(c.last)
	}
	c.last = fd

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			buf.Write(data)
			break
		}
		buf.Write(data[:i])
		c.emit(fd, buf.String())
		buf.Reset()
		data = data[i+1:]
	}
	return nil
}

// Flush emits any partial lines.
func (c *Console) Flush() {
	c.flushFD(1)
	c.flushFD(2)
}

func (c *Console) flushFD(fd uint32) {
	buf := c.pending[fd]
	if buf == nil || buf.Len() == 0 {
		return
	}
	c.emit(fd, buf.String())
	buf.Reset()
}

func (c *Console) emit(fd uint32, line string) {
	line = DecodeUTF8([]byte(line))
	if fd == 2 {
		c.logger.Error(line, zap.String("stream", "stderr"))
		return
	}
	c.logger.Info(line, zap.String("stream", "stdout"))
}
