package wasm

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ContextToken is the opaque execution context value produced by the
// guest's token export. It is appended to every wrapped call and cannot be
// constructed outside this package.
type ContextToken struct {
	value uint64
}

// Raw returns the encoded token value.
func (t ContextToken) Raw() uint64 {
	return t.value
}

// Export is a guest function that receives the context token as its last argument.
type Export struct {
	module  string
	name    string
	fn      api.Function
	params  []api.ValueType
	token   ContextToken
	timeout time.Duration
}

// Name returns the export name.
func (e *Export) Name() string {
	return e.name
}

// Arity returns the number of caller-supplied arguments.
func (e *Export) Arity() int {
	return len(e.params) - 1
}

// Call encodes args by the export's parameter types, appends the token and
// invokes the guest function.
func (e *Export) Call(ctx context.Context, args ...any) ([]uint64, error) {
	if len(args) != e.Arity() {
		return nil, &ArgumentCountError{FunctionName: e.name, Want: e.Arity(), Got: len(args)}
	}

	stack := make([]uint64, len(e.params))
	for i, arg := range args {
		v, ok := encodeValue(e.params[i], arg)
		if !ok {
			return nil, &ArgumentTypeError{
				FunctionName: e.name,
				Index:        i,
				Want:         api.ValueTypeName(e.params[i]),
				Value:        arg,
			}
		}
		stack[i] = v
	}
	stack[len(stack)-1] = e.token.value

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.fn.Call(ctx, stack...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Duration: e.timeout}
		}
		return nil, err
	}
	return res, nil
}

// Exports is the wrapped export table of a loaded guest. Non-callable
// exports are reachable through Memory and Global.
type Exports struct {
	module api.Module
	name   string
	funcs  map[string]*Export
}

func wrapExports(module api.Module, name string, token ContextToken, timeout time.Duration, logger *zap.Logger) *Exports {
	x := &Exports{module: module, name: name, funcs: make(map[string]*Export)}
	for exportName, def := range module.ExportedFunctionDefinitions() {
		switch exportName {
		case StartExport, EndExport, TokenExport:
			continue
		}
		params := def.ParamTypes()
		if len(params) == 0 {
			logger.Warn("Skipping export without a context token parameter",
				zap.String("module", name),
				zap.String("export", exportName))
			continue
		}
		x.funcs[exportName] = &Export{
			module:  name,
			name:    exportName,
			fn:      module.ExportedFunction(exportName),
			params:  params,
			token:   token,
			timeout: timeout,
		}
	}
	return x
}

// Get returns the wrapped export called name.
func (x *Exports) Get(name string) (*Export, bool) {
	e, ok := x.funcs[name]
	return e, ok
}

// Has reports whether a wrapped export exists.
func (x *Exports) Has(name string) bool {
	_, ok := x.funcs[name]
	return ok
}

// Call invokes a wrapped export by name.
func (x *Exports) Call(ctx context.Context, name string, args ...any) ([]uint64, error) {
	e, ok := x.funcs[name]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: x.name, FunctionName: name}
	}
	return e.Call(ctx, args...)
}

// Names returns the wrapped export names, sorted.
func (x *Exports) Names() []string {
	names := make([]string, 0, len(x.funcs))
	for name := range x.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory passes the guest memory through unchanged.
func (x *Exports) Memory() api.Memory {
	return x.module.Memory()
}

// Global passes an exported global through unchanged.
func (x *Exports) Global(name string) api.Global {
	return x.module.ExportedGlobal(name)
}

// encodeI32 accepts anything representable as a signed or unsigned 32-bit
// integer.
func encodeI32(n int64) (uint64, bool) {
	if n < math.MinInt32 || n > math.MaxUint32 {
		return 0, false
	}
	return api.EncodeU32(uint32(n)), true
}

func encodeValue(t api.ValueType, v any) (uint64, bool) {
	switch t {
	case api.ValueTypeI32:
		switch n := v.(type) {
		case int:
			return encodeI32(int64(n))
		case int32:
			return api.EncodeI32(n), true
		case int64:
			return encodeI32(n)
		case uint32:
			return api.EncodeU32(n), true
		case uint64:
			if n > math.MaxUint32 {
				return 0, false
			}
			return api.EncodeU32(uint32(n)), true
		case bool:
			if n {
				return 1, true
			}
			return 0, true
		}
	case api.ValueTypeI64:
		switch n := v.(type) {
		case int:
			return api.EncodeI64(int64(n)), true
		case int32:
			return api.EncodeI64(int64(n)), true
		case int64:
			return api.EncodeI64(n), true
		case uint32:
			return uint64(n), true
		case uint64:
			return n, true
		case bool:
			if n {
				return 1, true
			}
			return 0, true
		}
	case api.ValueTypeF32:
		switch n := v.(type) {
		case float32:
			return api.EncodeF32(n), true
		case float64:
			return api.EncodeF32(float32(n)), true
		case int:
			return api.EncodeF32(float32(n)), true
		}
	case api.ValueTypeF64:
		switch n := v.(type) {
		case float64:
			return api.EncodeF64(n), true
		case float32:
			return api.EncodeF64(float64(n)), true
		case int:
			return api.EncodeF64(float64(n)), true
		case int64:
			return api.EncodeF64(float64(n)), true
		}
	}
	return 0, false
}
