// Package engine abstracts the guest execution engine behind a narrow
// compile / instantiate / call / memory surface and provides the wasmtime
// backend used in production.
package engine

// HostModule is the import namespace the host capabilities live under.
const HostModule = "host"

// Capability import names.
const (
	ImportPollMigration = "poll_migration"
	ImportShouldMigrate = "should_migrate"
	ImportRestoreMemory = "restore_memory"
)

// MemoryRequirement is one named linear memory the guest must export.
type MemoryRequirement struct {
	Name     string
	MinBytes int
}

// Contract is what the host requires from a guest module.
type Contract struct {
	Entry    string
	Memories []MemoryRequirement
}

// Memories resolves live guest memories by export name. Returned slices
// alias guest memory and are valid until the guest runs again.
type Memories interface {
	Memory(name string) ([]byte, error)
}

// Capabilities are the host functions injected into one instance. They run
// synchronously on the thread executing the guest.
type Capabilities interface {
	PollMigration() (bool, error)
	RestoreMemory(mem Memories) error
}

// Module is a compiled guest that satisfied its contract.
type Module interface {
	Contract() Contract
}

// Instance is one instantiated guest.
type Instance interface {
	Memories
	// Call invokes a no-argument, no-result export. A guest that asks to be
	// checkpointed yields an error matching ErrCheckpoint.
	Call(export string) error
	Close() error
}

// Engine compiles and instantiates guests.
type Engine interface {
	Compile(wasm []byte, contract Contract) (Module, error)
	Instantiate(mod Module, caps Capabilities) (Instance, error)
	Close() error
}
