package wasm

import (
	"errors"
	"math"

	"github.com/tetratelabs/wazero/api"
	"golang.org/x/text/encoding/unicode"
)

var errOutOfRange = errors.New("out of range")

// Memory is a typed little-endian view over a module's linear memory.
//
// Reads of byte ranges return slices aliasing the live region: they are
// invalidated by memory growth and by the guest reusing its temporary
// allocator, so callers copy anything they keep across a call boundary.
// Every accessor fails with a *MemoryAccessError when the range does not
// fit in the current memory size.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory view over a module's memory.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// Raw returns the underlying wazero memory.
func (m *Memory) Raw() api.Memory {
	return m.mem
}

func accessError(op string, ptr uint32, n uint32) error {
	return &MemoryAccessError{Operation: op, Address: ptr, Length: n, Err: errOutOfRange}
}

// Bytes returns a zero-copy view of length bytes at ptr.
func (m *Memory) Bytes(ptr uint32, length uint32) ([]byte, error) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, accessError("read", ptr, length)
	}
	return buf, nil
}

// String decodes length bytes at ptr as UTF-8. Invalid sequences decode to U+FFFD.
func (m *Memory) String(ptr uint32, length uint32) (string, error) {
	buf, err := m.Bytes(ptr, length)
	if err != nil {
		return "", err
	}
	return DecodeUTF8(buf), nil
}

// Store copies data into memory at ptr.
func (m *Memory) Store(ptr uint32, data []byte) error {
	if !m.mem.Write(ptr, data) {
		return accessError("write", ptr, uint32(len(data)))
	}
	return nil
}

// DecodeUTF8 decodes b replacing malformed sequences with U+FFFD.
func DecodeUTF8(b []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// LoadUint8 reads the byte at ptr.
func (m *Memory) LoadUint8(ptr uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(ptr)
	if !ok {
		return 0, accessError("load_u8", ptr, 1)
	}
	return v, nil
}

// LoadInt8 reads a signed byte at ptr.
func (m *Memory) LoadInt8(ptr uint32) (int8, error) {
	v, err := m.LoadUint8(ptr)
	return int8(v), err
}

// LoadUint16 reads a little-endian uint16 at ptr.
func (m *Memory) LoadUint16(ptr uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(ptr)
	if !ok {
		return 0, accessError("load_u16", ptr, 2)
	}
	return v, nil
}

// LoadInt16 reads a little-endian int16 at ptr.
func (m *Memory) LoadInt16(ptr uint32) (int16, error) {
	v, err := m.LoadUint16(ptr)
	return int16(v), err
}

// LoadUint32 reads a little-endian uint32 at ptr.
func (m *Memory) LoadUint32(ptr uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(ptr)
	if !ok {
		return 0, accessError("load_u32", ptr, 4)
	}
	return v, nil
}

// LoadInt32 reads a little-endian int32 at ptr.
func (m *Memory) LoadInt32(ptr uint32) (int32, error) {
	v, err := m.LoadUint32(ptr)
	return int32(v), err
}

// LoadUint64 reads a little-endian uint64 at ptr. All 64 bits are exact.
func (m *Memory) LoadUint64(ptr uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(ptr)
	if !ok {
		return 0, accessError("load_u64", ptr, 8)
	}
	return v, nil
}

// LoadInt64 reads a little-endian int64 at ptr. All 64 bits are exact.
func (m *Memory) LoadInt64(ptr uint32) (int64, error) {
	v, err := m.LoadUint64(ptr)
	return int64(v), err
}

// LoadFloat32 reads a little-endian float32 at ptr.
func (m *Memory) LoadFloat32(ptr uint32) (float32, error) {
	v, ok := m.mem.ReadFloat32Le(ptr)
	if !ok {
		return 0, accessError("load_f32", ptr, 4)
	}
	return v, nil
}

// LoadFloat64 reads a little-endian float64 at ptr.
func (m *Memory) LoadFloat64(ptr uint32) (float64, error) {
	v, ok := m.mem.ReadFloat64Le(ptr)
	if !ok {
		return 0, accessError("load_f64", ptr, 8)
	}
	return v, nil
}

// StoreUint8 writes v at ptr.
func (m *Memory) StoreUint8(ptr uint32, v uint8) error {
	if !m.mem.WriteByte(ptr, v) {
		return accessError("store_u8", ptr, 1)
	}
	return nil
}

// StoreInt8 writes v at ptr.
func (m *Memory) StoreInt8(ptr uint32, v int8) error {
	return m.StoreUint8(ptr, uint8(v))
}

// StoreUint16 writes v little-endian at ptr.
func (m *Memory) StoreUint16(ptr uint32, v uint16) error {
	if !m.mem.WriteUint16Le(ptr, v) {
		return accessError("store_u16", ptr, 2)
	}
	return nil
}

// StoreInt16 writes v little-endian at ptr.
func (m *Memory) StoreInt16(ptr uint32, v int16) error {
	return m.StoreUint16(ptr, uint16(v))
}

// StoreUint32 writes v little-endian at ptr.
func (m *Memory) StoreUint32(ptr uint32, v uint32) error {
	if !m.mem.WriteUint32Le(ptr, v) {
		return accessError("store_u32", ptr, 4)
	}
	return nil
}

// StoreInt32 writes v little-endian at ptr.
func (m *Memory) StoreInt32(ptr uint32, v int32) error {
	return m.StoreUint32(ptr, uint32(v))
}

// StoreUint64 writes v little-endian at ptr.
func (m *Memory) StoreUint64(ptr uint32, v uint64) error {
	if !m.mem.WriteUint64Le(ptr, v) {
		return accessError("store_u64", ptr, 8)
	}
	return nil
}

// StoreInt64 writes v little-endian at ptr.
func (m *Memory) StoreInt64(ptr uint32, v int64) error {
	return m.StoreUint64(ptr, uint64(v))
}

// StoreFloat32 writes v little-endian at ptr.
func (m *Memory) StoreFloat32(ptr uint32, v float32) error {
	if !m.mem.WriteFloat32Le(ptr, v) {
		return accessError("store_f32", ptr, 4)
	}
	return nil
}

// StoreFloat64 writes v little-endian at ptr.
func (m *Memory) StoreFloat64(ptr uint32, v float64) error {
	if !m.mem.WriteFloat64Le(ptr, v) {
		return accessError("store_f64", ptr, 8)
	}
	return nil
}

const limbBase = 1 << 32

// LoadU64Pair reads two 32-bit limbs and composes lo + hi*2^32 as a float64.
// The result is exact only up to 2^53; larger values round. Use LoadUint64
// when every bit matters.
func (m *Memory) LoadU64Pair(ptr uint32) (float64, error) {
	lo, err := m.LoadUint32(ptr)
	if err != nil {
		return 0, err
	}
	hi, err := m.LoadUint32(ptr + 4)
	if err != nil {
		return 0, err
	}
	return float64(lo) + float64(hi)*limbBase, nil
}

// LoadI64Pair is LoadU64Pair with a signed high limb.
func (m *Memory) LoadI64Pair(ptr uint32) (float64, error) {
	lo, err := m.LoadUint32(ptr)
	if err != nil {
		return 0, err
	}
	hi, err := m.LoadInt32(ptr + 4)
	if err != nil {
		return 0, err
	}
	return float64(lo) + float64(hi)*limbBase, nil
}

// StoreU64Pair splits v into 32-bit limbs. v is truncated toward zero and
// must lie in [0, 2^64); precision beyond 2^53 is already lost in v itself.
func (m *Memory) StoreU64Pair(ptr uint32, v float64) error {
	v = math.Trunc(v)
	hi := math.Floor(v / limbBase)
	lo := v - hi*limbBase
	if err := m.StoreUint32(ptr, uint32(lo)); err != nil {
		return err
	}
	return m.StoreUint32(ptr+4, uint32(hi))
}

// StoreI64Pair is StoreU64Pair for signed values; the high limb carries the sign.
func (m *Memory) StoreI64Pair(ptr uint32, v float64) error {
	v = math.Trunc(v)
	hi := math.Floor(v / limbBase)
	lo := v - hi*limbBase
	if err := m.StoreUint32(ptr, uint32(lo)); err != nil {
		return err
	}
	return m.StoreInt32(ptr+4, int32(hi))
}
