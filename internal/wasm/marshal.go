package wasm

import (
	"context"
	"errors"
)

// Allocator hands out temporary regions inside the guest's linear memory.
// Regions stay valid only until the guest resets its bump allocator, which
// happens at the next call boundary.
type Allocator interface {
	TempAllocate(ctx context.Context, size uint64) (uint32, error)
}

// Marshaler copies host data into guest memory through the guest's allocator.
type Marshaler struct {
	mem   *Memory
	alloc Allocator
}

// NewMarshaler creates a marshaler over mem.
func NewMarshaler(mem *Memory, alloc Allocator) *Marshaler {
	return &Marshaler{mem: mem, alloc: alloc}
}

// WriteBytes copies b into a fresh temporary region and returns its pointer and length.
func (m *Marshaler) WriteBytes(ctx context.Context, b []byte) (uint32, uint64, error) {
	size := uint64(len(b))
	ptr, err := m.alloc.TempAllocate(ctx, size)
	if err != nil {
		return 0, 0, &AllocationError{Size: size, Err: err}
	}
	if uint64(ptr)+size > uint64(m.mem.Size()) {
		return 0, 0, &AllocationError{Size: size, Ptr: ptr, Err: errors.New("region exceeds linear memory")}
	}
	if err := m.mem.Store(ptr, b); err != nil {
		return 0, 0, &AllocationError{Size: size, Ptr: ptr, Err: err}
	}
	return ptr, size, nil
}

// WriteString copies the UTF-8 bytes of s into guest memory.
func (m *Marshaler) WriteString(ctx context.Context, s string) (uint32, uint64, error) {
	return m.WriteBytes(ctx, []byte(s))
}
