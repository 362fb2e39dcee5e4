package wasm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/api/abi"
)

// Bootstrap exports are called during loading and never exposed to callers.
const (
	StartExport = abi.ExportStart
	EndExport   = abi.ExportEnd
	TokenExport = abi.ExportContextToken
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime   *Runtime
	loader    *ModuleLoader
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		loader:    NewModuleLoader(runtime, logger),
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// LoadConfig holds configuration for loading a guest.
type LoadConfig struct {
	// Source of the guest binary.
	Source ModuleSource

	// Imports overlaid on the baseline import set.
	Imports Imports

	// Instance ID (if empty, generates a UUID).
	InstanceID string
}

// Module is a loaded guest: the raw instance, its wrapped export table and
// the captured context token. It lives until Close or runtime shutdown.
type Module struct {
	runtime *Runtime
	module  api.Module
	exports *Exports
	memory  *Memory
	token   ContextToken

	ID        string
	Name      string
	Hash      int32
	CreatedAt int64
}

// Load compiles and instantiates a guest, runs its start routine, captures
// its context token and wraps its exports.
func (m *InstanceManager) Load(ctx context.Context, config *LoadConfig) (*Module, error) {
	compiled, err := m.loader.LoadModule(ctx, config.Source)
	if err != nil {
		return nil, err
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	fail := func(err error) (*Module, error) {
		return nil, &InstantiationError{ModuleName: compiled.Name, InstanceID: instanceID, Err: err}
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
	)

	if importsLinearMemory(compiled.Module) {
		cfg := m.runtime.Config()
		if _, err := m.runtime.NewLinearMemory(ctx, cfg.InitialPages, cfg.MaxPages); err != nil {
			return fail(err)
		}
	}

	imports := MergeImports(m.hostFuncs.Imports(), config.Imports)
	if err := m.instantiateHostModules(ctx, imports); err != nil {
		return fail(err)
	}

	// _start is called explicitly below so that its failure is reported as
	// an instantiation failure with the console flushed.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return fail(err)
	}

	if start := module.ExportedFunction(StartExport); start != nil {
		if _, err := start.Call(ctx); err != nil {
			m.hostFuncs.Console().Flush()
			_ = module.Close(ctx)
			return fail(fmt.Errorf("%s: %w", StartExport, err))
		}
	}

	tokenFn := module.ExportedFunction(TokenExport)
	if tokenFn == nil {
		_ = module.Close(ctx)
		return fail(&FunctionNotFoundError{ModuleName: compiled.Name, FunctionName: TokenExport})
	}
	res, err := tokenFn.Call(ctx)
	if err != nil || len(res) != 1 {
		_ = module.Close(ctx)
		return fail(fmt.Errorf("%s: %v", TokenExport, err))
	}
	token := ContextToken{value: res[0]}

	instance := &Module{
		runtime:   m.runtime,
		module:    module,
		exports:   wrapExports(module, compiled.Name, token, m.runtime.Config().CallTimeout, m.logger),
		memory:    NewMemory(module),
		token:     token,
		ID:        instanceID,
		Name:      compiled.Name,
		Hash:      compiled.Hash,
		CreatedAt: time.Now().Unix(),
	}

	m.runtime.trackInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.exports.Names())),
		zap.Int32("hash", compiled.Hash),
	)

	return instance, nil
}

// instantiateHostModules builds one host module per import module name.
// Host modules left over from a previous load are replaced.
func (m *InstanceManager) instantiateHostModules(ctx context.Context, imports Imports) error {
	for _, name := range imports.ModuleNames() {
		if existing := m.runtime.runtime.Module(name); existing != nil {
			if err := existing.Close(ctx); err != nil {
				return fmt.Errorf("failed to replace host module %s: %w", name, err)
			}
		}

		builder := m.runtime.runtime.NewHostModuleBuilder(name)
		for _, fn := range imports[name] {
			builder.NewFunctionBuilder().
				WithFunc(fn.Fn).
				WithParameterNames(fn.Params...).
				Export(fn.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return &HostFunctionError{FunctionName: name, Err: err}
		}
	}
	return nil
}

// Exports returns the wrapped export table.
func (i *Module) Exports() *Exports {
	return i.exports
}

// Memory returns a view over the guest's linear memory.
func (i *Module) Memory() *Memory {
	return i.memory
}

// Token returns the captured context token.
func (i *Module) Token() ContextToken {
	return i.token
}

// Close runs the guest's end routine when present and releases the instance.
func (i *Module) Close(ctx context.Context) error {
	if i.runtime != nil {
		i.runtime.untrackInstance(i.ID)
	}
	if end := i.module.ExportedFunction(EndExport); end != nil {
		if _, err := end.Call(ctx); err != nil {
			_ = i.module.Close(ctx)
			return fmt.Errorf("%s: %w", EndExport, err)
		}
	}
	return i.module.Close(ctx)
}
