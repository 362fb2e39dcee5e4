package wasm

import (
	"fmt"
	"time"
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution timed out after %v", e.Duration)
}

// AllocationError occurs when the guest temporary allocator hands back
// a region that does not fit in linear memory.
type AllocationError struct {
	Size uint64
	Ptr  uint32
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("temporary allocation of %d bytes failed (ptr=%d): %v", e.Size, e.Ptr, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// ArgumentCountError occurs when a wrapped export is called with the wrong arity.
// Want and Got exclude the context token.
type ArgumentCountError struct {
	FunctionName string
	Want         int
	Got          int
}

func (e *ArgumentCountError) Error() string {
	return fmt.Sprintf("function '%s' takes %d arguments, got %d", e.FunctionName, e.Want, e.Got)
}

// ArgumentTypeError occurs when a Go value cannot be encoded as the parameter type.
type ArgumentTypeError struct {
	FunctionName string
	Index        int
	Want         string
	Value        any
}

func (e *ArgumentTypeError) Error() string {
	return fmt.Sprintf("function '%s' argument %d: cannot encode %T as %s",
		e.FunctionName, e.Index, e.Value, e.Want)
}
