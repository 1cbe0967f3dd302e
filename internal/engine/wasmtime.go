package engine

import (
	"errors"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"github.com/rs/zerolog/log"
)

const wasmPageSize = 64 * 1024

// checkpointTrap is the trap a guest raises, via the unreachable
// instruction, to ask the host to snapshot its memories and stop.
const checkpointTrap = wasmtime.UnreachableCodeReached

var trapCodeNames = map[wasmtime.TrapCode]string{
	wasmtime.StackOverflow:          "stack_overflow",
	wasmtime.MemoryOutOfBounds:      "memory_out_of_bounds",
	wasmtime.HeapMisaligned:         "heap_misaligned",
	wasmtime.TableOutOfBounds:       "table_out_of_bounds",
	wasmtime.IndirectCallToNull:     "indirect_call_to_null",
	wasmtime.BadSignature:           "bad_signature",
	wasmtime.IntegerOverflow:        "integer_overflow",
	wasmtime.IntegerDivisionByZero:  "integer_division_by_zero",
	wasmtime.BadConversionToInteger: "bad_conversion_to_integer",
	wasmtime.UnreachableCodeReached: "unreachable",
	wasmtime.Interrupt:              "interrupt",
	wasmtime.OutOfFuel:              "out_of_fuel",
}

// WasmtimeOptions tunes the wasmtime backend.
type WasmtimeOptions struct {
	// WASI links wasi_snapshot_preview1 with the host's argv, environment
	// and standard streams.
	WASI bool
}

// Wasmtime is the production Engine. Multi-memory is enabled since guests
// export separate primary and scratch memories.
type Wasmtime struct {
	opts   WasmtimeOptions
	engine *wasmtime.Engine
}

var _ Engine = (*Wasmtime)(nil)

func NewWasmtime(opts WasmtimeOptions) *Wasmtime {
	cfg := wasmtime.NewConfig()
	cfg.SetWasmMultiMemory(true)
	return &Wasmtime{
		opts:   opts,
		engine: wasmtime.NewEngineWithConfig(cfg),
	}
}

type wasmtimeModule struct {
	contract Contract
	module   *wasmtime.Module
}

func (m *wasmtimeModule) Contract() Contract {
	return m.contract
}

// Compile parses wasm and checks the contract's exports against it.
func (w *Wasmtime) Compile(wasm []byte, contract Contract) (Module, error) {
	if w.engine == nil {
		return nil, ErrClosed
	}
	mod, err := wasmtime.NewModule(w.engine, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrModule, err)
	}
	if err := checkExports(mod, contract); err != nil {
		return nil, err
	}
	log.Debug().
		Int("bytes", len(wasm)).
		Str("entry", contract.Entry).
		Int("imports", len(mod.Imports())).
		Msg("engine.Wasmtime.Compile compiled")
	return &wasmtimeModule{contract: contract, module: mod}, nil
}

func checkExports(mod *wasmtime.Module, contract Contract) error {
	funcs := make(map[string]*wasmtime.FuncType)
	mems := make(map[string]*wasmtime.MemoryType)
	for _, exp := range mod.Exports() {
		ty := exp.Type()
		if ft := ty.FuncType(); ft != nil {
			funcs[exp.Name()] = ft
		}
		if mt := ty.MemoryType(); mt != nil {
			mems[exp.Name()] = mt
		}
	}

	ft, ok := funcs[contract.Entry]
	if !ok {
		return fmt.Errorf("%w: missing entry export %q", ErrModule, contract.Entry)
	}
	if len(ft.Params()) != 0 || len(ft.Results()) != 0 {
		return fmt.Errorf("%w: entry export %q must take and return nothing", ErrModule, contract.Entry)
	}
	for _, req := range contract.Memories {
		mt, ok := mems[req.Name]
		if !ok {
			return fmt.Errorf("%w: missing memory export %q", ErrModule, req.Name)
		}
		if size := mt.Minimum() * wasmPageSize; size < uint64(req.MinBytes) {
			return fmt.Errorf("%w: memory %q is %d bytes, want at least %d", ErrModule, req.Name, size, req.MinBytes)
		}
	}
	return nil
}

// Instantiate links the capabilities under HostModule and instantiates mod
// in a fresh store.
func (w *Wasmtime) Instantiate(mod Module, caps Capabilities) (Instance, error) {
	if w.engine == nil {
		return nil, ErrClosed
	}
	m, ok := mod.(*wasmtimeModule)
	if !ok {
		return nil, fmt.Errorf("%w: module %T not compiled by wasmtime", ErrModule, mod)
	}

	store := wasmtime.NewStore(w.engine)
	linker := wasmtime.NewLinker(w.engine)
	if w.opts.WASI {
		if err := linker.DefineWasi(); err != nil {
			return nil, fmt.Errorf("%w: define wasi: %v", ErrEngine, err)
		}
		wasi := wasmtime.NewWasiConfig()
		wasi.InheritArgv()
		wasi.InheritEnv()
		wasi.InheritStdin()
		wasi.InheritStdout()
		wasi.InheritStderr()
		store.SetWasi(wasi)
	}

	inst := &wasmtimeInstance{store: store, caps: caps}
	if err := inst.link(linker); err != nil {
		return nil, fmt.Errorf("%w: link capabilities: %v", ErrEngine, err)
	}

	instance, err := linker.Instantiate(store, m.module)
	if err != nil {
		var trap *wasmtime.Trap
		if errors.As(err, &trap) {
			return nil, fmt.Errorf("%w: start function: %v", ErrEngine, err)
		}
		return nil, fmt.Errorf("%w: instantiate: %v", ErrModule, err)
	}
	inst.instance = instance
	return inst, nil
}

// Close releases the engine. Close instances first; Compile and
// Instantiate return ErrClosed afterwards.
func (w *Wasmtime) Close() error {
	if w.engine == nil {
		return nil
	}
	w.engine.Close()
	w.engine = nil
	return nil
}

type wasmtimeInstance struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	caps     Capabilities
	// hostErr is the first capability failure during the current call.
	hostErr error
}

func (i *wasmtimeInstance) link(linker *wasmtime.Linker) error {
	poll := func() (int32, *wasmtime.Trap) {
		v, err := i.caps.PollMigration()
		if err != nil {
			i.recordHostErr(err)
			return 0, wasmtime.NewTrap(err.Error())
		}
		if v {
			return 1, nil
		}
		return 0, nil
	}
	restore := func(caller *wasmtime.Caller) *wasmtime.Trap {
		if err := i.caps.RestoreMemory(callerMemories{caller: caller}); err != nil {
			i.recordHostErr(err)
			return wasmtime.NewTrap(err.Error())
		}
		return nil
	}

	if err := linker.FuncWrap(HostModule, ImportPollMigration, poll); err != nil {
		return err
	}
	if err := linker.FuncWrap(HostModule, ImportShouldMigrate, poll); err != nil {
		return err
	}
	return linker.FuncWrap(HostModule, ImportRestoreMemory, restore)
}

func (i *wasmtimeInstance) recordHostErr(err error) {
	if i.hostErr == nil {
		i.hostErr = err
	}
}

func (i *wasmtimeInstance) Call(export string) error {
	if i.instance == nil {
		return ErrClosed
	}
	fn := i.instance.GetFunc(i.store, export)
	if fn == nil {
		return fmt.Errorf("%w: missing function export %q", ErrModule, export)
	}

	i.hostErr = nil
	_, err := fn.Call(i.store)
	if i.hostErr != nil {
		return fmt.Errorf("%w: host capability: %w", ErrEngine, i.hostErr)
	}
	if err == nil {
		return nil
	}
	return classifyCallError(err)
}

func classifyCallError(err error) error {
	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		te := &TrapError{Kind: TrapUnchecked, Code: "unknown", Message: trap.Message()}
		if code := trap.Code(); code != nil {
			if name, ok := trapCodeNames[*code]; ok {
				te.Code = name
			}
			if *code == checkpointTrap {
				te.Kind = TrapCheckpoint
			}
		}
		return te
	}
	var werr *wasmtime.Error
	if errors.As(err, &werr) {
		// WASI proc_exit(0) unwinds as an error but is a normal return.
		if status, ok := werr.ExitStatus(); ok && status == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}

func (i *wasmtimeInstance) Memory(name string) ([]byte, error) {
	if i.instance == nil {
		return nil, ErrClosed
	}
	ext := i.instance.GetExport(i.store, name)
	if ext == nil || ext.Memory() == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMemory, name)
	}
	return ext.Memory().UnsafeData(i.store), nil
}

// Close frees the store and everything instantiated in it. Memory slices
// handed out earlier are invalid afterwards.
func (i *wasmtimeInstance) Close() error {
	if i.store == nil {
		return nil
	}
	i.store.Close()
	i.instance = nil
	i.store = nil
	i.caps = nil
	return nil
}

// callerMemories resolves memories of the instance currently calling into
// the host.
type callerMemories struct {
	caller *wasmtime.Caller
}

func (c callerMemories) Memory(name string) ([]byte, error) {
	ext := c.caller.GetExport(name)
	if ext == nil || ext.Memory() == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMemory, name)
	}
	return ext.Memory().UnsafeData(c.caller), nil
}
