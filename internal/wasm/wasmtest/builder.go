// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

import (
	"encoding/binary"
	"math"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Opcodes without immediates.
const (
	OpUnreachable byte = 0x00
	OpDrop        byte = 0x1a
	OpI32LtS      byte = 0x48
	OpI32Add      byte = 0x6a
	OpI64Add      byte = 0x7c
	OpI32WrapI64  byte = 0xa7
	OpF64Add      byte = 0xa0
	OpEnd         byte = 0x0b
)

type funcType struct {
	params, results []byte
}

type importEntry struct {
	module, name string
	kind         byte
	typeIdx      uint32
	memMin       uint32
}

type function struct {
	typeIdx uint32
	body    []byte
}

type global struct {
	valType byte
	mutable bool
	init    []byte
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Builder accumulates module sections. Imports must be declared before
// functions so function indices stay stable.
type Builder struct {
	types     []funcType
	imports   []importEntry
	funcs     []function
	memory    *uint32
	globals   []global
	exports   []export
	data      []dataSegment
	importFns uint32
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []byte) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares an imported function and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, kind: 0x00, typeIdx: b.typeIndex(params, results)})
	b.importFns++
	return b.importFns - 1
}

// ImportMemory declares an imported memory with a minimum page count.
func (b *Builder) ImportMemory(module, name string, minPages uint32) {
	b.imports = append(b.imports, importEntry{module: module, name: name, kind: 0x02, memMin: minPages})
}

// Memory defines memory 0 and exports it as "memory".
func (b *Builder) Memory(minPages uint32) {
	b.memory = &minPages
	b.exports = append(b.exports, export{name: "memory", kind: 0x02, index: 0})
}

// Global defines a global initialised with an integer constant.
func (b *Builder) Global(valType byte, mutable bool, init int64) uint32 {
	var expr []byte
	switch valType {
	case I64:
		expr = I64Const(init)
	case F64:
		expr = F64Const(float64(init))
	default:
		expr = I32Const(int32(init))
	}
	b.globals = append(b.globals, global{valType: valType, mutable: mutable, init: expr})
	return uint32(len(b.globals) - 1)
}

// ExportGlobal exports a global under name.
func (b *Builder) ExportGlobal(name string, index uint32) {
	b.exports = append(b.exports, export{name: name, kind: 0x03, index: index})
}

// Func defines a function, exports it when export is non-empty and returns
// its function index. The body is the concatenated instructions; the end
// opcode is appended.
func (b *Builder) Func(exportName string, params, results []byte, body ...[]byte) uint32 {
	var code []byte
	for _, ins := range body {
		code = append(code, ins...)
	}
	code = append(code, OpEnd)
	b.funcs = append(b.funcs, function{typeIdx: b.typeIndex(params, results), body: code})
	idx := b.importFns + uint32(len(b.funcs)-1)
	if exportName != "" {
		b.exports = append(b.exports, export{name: exportName, kind: 0x00, index: idx})
	}
	return idx
}

// Data places bytes at a fixed offset of memory 0.
func (b *Builder) Data(offset uint32, data []byte) {
	b.data = append(b.data, dataSegment{offset: offset, data: data})
}

// Binary encodes the module.
func (b *Builder) Binary() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		sec := uleb(nil, uint64(len(b.types)))
		for _, t := range b.types {
			sec = append(sec, 0x60)
			sec = vec(sec, t.params)
			sec = vec(sec, t.results)
		}
		out = section(out, 1, sec)
	}

	if len(b.imports) > 0 {
		sec := uleb(nil, uint64(len(b.imports)))
		for _, im := range b.imports {
			sec = name(sec, im.module)
			sec = name(sec, im.name)
			sec = append(sec, im.kind)
			if im.kind == 0x02 {
				sec = append(sec, 0x00)
				sec = uleb(sec, uint64(im.memMin))
			} else {
				sec = uleb(sec, uint64(im.typeIdx))
			}
		}
		out = section(out, 2, sec)
	}

	if len(b.funcs) > 0 {
		sec := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			sec = uleb(sec, uint64(f.typeIdx))
		}
		out = section(out, 3, sec)
	}

	if b.memory != nil {
		sec := []byte{0x01, 0x00}
		sec = uleb(sec, uint64(*b.memory))
		out = section(out, 5, sec)
	}

	if len(b.globals) > 0 {
		sec := uleb(nil, uint64(len(b.globals)))
		for _, g := range b.globals {
			sec = append(sec, g.valType)
			if g.mutable {
				sec = append(sec, 0x01)
			} else {
				sec = append(sec, 0x00)
			}
			sec = append(sec, g.init...)
			sec = append(sec, OpEnd)
		}
		out = section(out, 6, sec)
	}

	if len(b.exports) > 0 {
		sec := uleb(nil, uint64(len(b.exports)))
		for _, e := range b.exports {
			sec = name(sec, e.name)
			sec = append(sec, e.kind)
			sec = uleb(sec, uint64(e.index))
		}
		out = section(out, 7, sec)
	}

	if len(b.funcs) > 0 {
		sec := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			body := append([]byte{0x00}, f.body...) // no locals
			sec = uleb(sec, uint64(len(body)))
			sec = append(sec, body...)
		}
		out = section(out, 10, sec)
	}

	if len(b.data) > 0 {
		sec := uleb(nil, uint64(len(b.data)))
		for _, d := range b.data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.offset))...)
			sec = append(sec, OpEnd)
			sec = vec(sec, d.data)
		}
		out = section(out, 11, sec)
	}

	return out
}

// Instruction helpers.

func I32Const(v int32) []byte { return sleb([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return sleb([]byte{0x42}, v) }

func F64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{0x44}, math.Float64bits(v))
}

func LocalGet(i uint32) []byte  { return uleb([]byte{0x20}, uint64(i)) }
func GlobalGet(i uint32) []byte { return uleb([]byte{0x23}, uint64(i)) }
func GlobalSet(i uint32) []byte { return uleb([]byte{0x24}, uint64(i)) }
func Call(i uint32) []byte      { return uleb([]byte{0x10}, uint64(i)) }
func Op(ops ...byte) []byte     { return ops }

// Params is shorthand for a value type list.
func Params(types ...byte) []byte { return types }

func section(dst []byte, id byte, content []byte) []byte {
	dst = append(dst, id)
	dst = uleb(dst, uint64(len(content)))
	return append(dst, content...)
}

func vec(dst []byte, items []byte) []byte {
	dst = uleb(dst, uint64(len(items)))
	return append(dst, items...)
}

func name(dst []byte, s string) []byte {
	dst = uleb(dst, uint64(len(s)))
	return append(dst, s...)
}

// uleb appends unsigned LEB128, which is the uvarint encoding.
func uleb(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

func sleb(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
