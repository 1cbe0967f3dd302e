package control

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the exact size of the backing file.
	BlockSize = 64

	blockMagic    uint32 = 0x4d434231
	layoutVersion uint32 = 1
)

// layout is the in-file representation. Word order is part of the on-disk
// contract; append new words only by consuming reserved space.
type layout struct {
	magic    uint32
	version  uint32
	gate     uint32
	flagLock uint32
	flag     uint32
	owner    uint32
	phase    uint32
	_        [9]uint32
}

var (
	_ [BlockSize - unsafe.Sizeof(layout{})]byte
	_ [unsafe.Sizeof(layout{}) - BlockSize]byte
)

// Status is a point-in-time view of a control block.
type Status struct {
	Path               string
	Initialized        bool
	Version            uint32
	Owner              int
	Phase              uint32
	PendingActivations uint32
	MigrationRequested bool
}

// Block is one process's mapping of a control block file.
type Block struct {
	path string
	mem  []byte
	l    *layout
}

// Create ensures the backing file exists and resets it to size zero bytes.
// Whatever a previous owner left in a reused file is discarded.
func Create(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
	}
	return nil
}

// Map maps an existing backing file read/write without touching its contents.
func Map(path string) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if info.Size() < BlockSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrIO, path, info.Size(), BlockSize)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, BlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}
	return &Block{
		path: path,
		mem:  mem,
		l:    (*layout)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Open maps a block that a live request server has initialized. Blocks a
// server retired, or whose owner process is gone, are refused.
func Open(path string) (*Block, error) {
	b, err := Map(path)
	if err != nil {
		return nil, err
	}
	if !b.Initialized() {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
	}
	if owner := int(atomic.LoadUint32(&b.l.owner)); !processAlive(owner) {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s owner %d has exited", ErrStale, path, owner)
	}
	return b, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) != unix.ESRCH
}

// Initialize constructs both semaphores in place and clears the flag.
//
// Only the request server that created the block may call it, exactly once.
// Concurrent or repeated calls while other processes use the block are
// undefined.
func (b *Block) Initialize() error {
	if b.l == nil {
		return ErrClosed
	}
	atomic.StoreUint32(&b.l.magic, 0)
	atomic.StoreUint32(&b.l.version, layoutVersion)
	b.gate().init(0)
	b.flagLock().init(1)
	atomic.StoreUint32(&b.l.flag, 0)
	atomic.StoreUint32(&b.l.owner, uint32(os.Getpid()))
	atomic.StoreUint32(&b.l.phase, 0)
	// Published last so openers never see a half-built block.
	atomic.StoreUint32(&b.l.magic, blockMagic)
	return nil
}

// Retire marks the block uninitialized so later openers refuse it. The
// owner calls it once it will no longer wait on the gate or poll the flag.
func (b *Block) Retire() error {
	if b.l == nil {
		return ErrClosed
	}
	atomic.StoreUint32(&b.l.magic, 0)
	return nil
}

// Initialized reports whether Initialize has completed on this block.
func (b *Block) Initialized() bool {
	if b.l == nil {
		return false
	}
	return atomic.LoadUint32(&b.l.magic) == blockMagic &&
		atomic.LoadUint32(&b.l.version) == layoutVersion
}

// SignalActivation posts the activation gate once.
func (b *Block) SignalActivation() error {
	if b.l == nil {
		return ErrClosed
	}
	return b.gate().post()
}

// AwaitActivation blocks until the gate has been posted, consuming one post.
// There is no timeout; only process termination interrupts it.
func (b *Block) AwaitActivation() error {
	if b.l == nil {
		return ErrClosed
	}
	return b.gate().wait()
}

// SetMigrationFlag stores v under the flag lock.
func (b *Block) SetMigrationFlag(v bool) error {
	if b.l == nil {
		return ErrClosed
	}
	lock := b.flagLock()
	if err := lock.wait(); err != nil {
		return err
	}
	var word uint32
	if v {
		word = 1
	}
	atomic.StoreUint32(&b.l.flag, word)
	return lock.post()
}

// PollMigrationFlag loads the flag under the flag lock.
func (b *Block) PollMigrationFlag() (bool, error) {
	if b.l == nil {
		return false, ErrClosed
	}
	lock := b.flagLock()
	if err := lock.wait(); err != nil {
		return false, err
	}
	v := atomic.LoadUint32(&b.l.flag) != 0
	if err := lock.post(); err != nil {
		return false, err
	}
	return v, nil
}

// PublishPhase records the owner's lifecycle phase code for observers.
func (b *Block) PublishPhase(code uint32) {
	if b.l == nil {
		return
	}
	atomic.StoreUint32(&b.l.phase, code)
}

// Phase returns the last phase code published by the owner.
func (b *Block) Phase() uint32 {
	if b.l == nil {
		return 0
	}
	return atomic.LoadUint32(&b.l.phase)
}

// Status snapshots the block. The flag is read under the flag lock, so on an
// uninitialized block it is reported as false without touching the lock.
func (b *Block) Status() (Status, error) {
	if b.l == nil {
		return Status{}, ErrClosed
	}
	st := Status{
		Path:               b.path,
		Initialized:        b.Initialized(),
		Version:            atomic.LoadUint32(&b.l.version),
		Owner:              int(atomic.LoadUint32(&b.l.owner)),
		Phase:              atomic.LoadUint32(&b.l.phase),
		PendingActivations: b.gate().value(),
	}
	if !st.Initialized {
		return st, nil
	}
	flag, err := b.PollMigrationFlag()
	if err != nil {
		return Status{}, err
	}
	st.MigrationRequested = flag
	return st, nil
}

// Path returns the backing file path.
func (b *Block) Path() string {
	return b.path
}

// Close unmaps the block. The backing file stays on disk.
func (b *Block) Close() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	b.l = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("%w: munmap %s: %v", ErrIO, b.path, err)
	}
	return nil
}

func (b *Block) gate() semaphore {
	return semaphore{word: &b.l.gate}
}

func (b *Block) flagLock() semaphore {
	return semaphore{word: &b.l.flagLock}
}
