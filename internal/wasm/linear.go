package wasm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/api/abi"
)

// Linear memory is provided to guests as an import so the host fixes its
// initial size and growth bound. Host modules in wazero cannot define
// memories, so the provider is a minimal generated module.
const (
	MemoryModuleName = abi.MemoryModule
	MemoryExportName = abi.MemoryName
)

// NewLinearMemory instantiates the memory provider module and returns its memory.
// A provider that already exists in the runtime is reused.
func (r *Runtime) NewLinearMemory(ctx context.Context, initialPages, maxPages uint32) (api.Memory, error) {
	if existing := r.runtime.Module(MemoryModuleName); existing != nil {
		if mem := existing.ExportedMemory(MemoryExportName); mem != nil {
			return mem, nil
		}
		return nil, fmt.Errorf("module %q exists without a %q export", MemoryModuleName, MemoryExportName)
	}
	if initialPages > maxPages {
		return nil, fmt.Errorf("initial memory pages %d exceed max pages %d", initialPages, maxPages)
	}

	mod, err := r.runtime.InstantiateWithConfig(ctx, memoryModuleBinary(initialPages, maxPages),
		wazero.NewModuleConfig().WithName(MemoryModuleName))
	if err != nil {
		return nil, &InstantiationError{ModuleName: MemoryModuleName, InstanceID: MemoryModuleName, Err: err}
	}

	r.logger.Debug("Linear memory created",
		zap.Uint32("initial_pages", initialPages),
		zap.Uint32("max_pages", maxPages),
	)
	return mod.ExportedMemory(MemoryExportName), nil
}

// memoryModuleBinary encodes a module whose only content is one exported
// memory with the given limits.
func memoryModuleBinary(initialPages, maxPages uint32) []byte {
	mem := []byte{0x01, 0x01} // one memory, limits with maximum
	mem = binary.AppendUvarint(mem, uint64(initialPages))
	mem = binary.AppendUvarint(mem, uint64(maxPages))

	exp := []byte{0x01}
	exp = binary.AppendUvarint(exp, uint64(len(MemoryExportName)))
	exp = append(exp, MemoryExportName...)
	exp = append(exp, 0x02, 0x00) // memory index 0

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = appendSection(out, 0x05, mem)
	out = appendSection(out, 0x07, exp)
	return out
}

func appendSection(dst []byte, id byte, content []byte) []byte {
	dst = append(dst, id)
	dst = binary.AppendUvarint(dst, uint64(len(content)))
	return append(dst, content...)
}

// importsLinearMemory reports whether the compiled guest expects the
// provider's memory.
func importsLinearMemory(compiled wazero.CompiledModule) bool {
	for _, def := range compiled.ImportedMemories() {
		if mod, name, ok := def.Import(); ok && mod == MemoryModuleName && name == MemoryExportName {
			return true
		}
	}
	return false
}
