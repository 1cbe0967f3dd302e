package control

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/migratectl/internal/testutil/testlog"
)

func newBlock(t *testing.T) (*Block, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipc")
	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return b, path
}

func openBlock(t *testing.T, path string) *Block {
	t.Helper()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestCreateTruncatesToExactSize(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "ipc")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != BlockSize {
		t.Fatalf("unexpected size: %d", info.Size())
	}
}

func TestCreateFailsInMissingDirectory(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "missing", "ipc")
	if err := Create(path, BlockSize); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestMapRejectsShortFile(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "ipc")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := Map(path); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestOpenRequiresInitialization(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "ipc")
	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	b, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer b.Close()
	if err := b.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	openBlock(t, path)
}

func TestReusedFileRefusesActivationUntilReinitialized(t *testing.T) {
	testlog.Start(t)

	// A finished server retires its block before unmapping.
	old, path := newBlock(t)
	if err := old.Retire(); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if err := old.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized on a retired block, got %v", err)
	}

	// The next server recreates the file; an activator racing it must be
	// refused instead of posting into a gate Initialize will reset.
	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before initialize, got %v", err)
	}
	next, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer next.Close()
	if err := next.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := openBlock(t, path).SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if v := next.gate().value(); v != 1 {
		t.Fatalf("activation lost, gate count=%d", v)
	}
}

func TestCreateDiscardsPreviousContents(t *testing.T) {
	testlog.Start(t)

	// An owner that never retired its block, e.g. one that was killed.
	crashed, path := newBlock(t)
	if err := crashed.SetMigrationFlag(true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := crashed.SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	crashed.PublishPhase(5)
	if err := crashed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	b, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer b.Close()
	st, err := b.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != (Status{Path: path}) {
		t.Fatalf("expected a zeroed block, got %+v", st)
	}
}

func TestOpenRefusesExitedOwner(t *testing.T) {
	testlog.Start(t)

	b, path := newBlock(t)
	child := exec.Command(os.Args[0], "-test.run=^$")
	if err := child.Run(); err != nil {
		t.Fatalf("run child: %v", err)
	}
	atomic.StoreUint32(&b.l.owner, uint32(child.Process.Pid))
	if _, err := Open(path); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	atomic.StoreUint32(&b.l.owner, uint32(os.Getpid()))
	openBlock(t, path)
}

func TestMapDoesNotTouchContents(t *testing.T) {
	testlog.Start(t)

	owner, path := newBlock(t)
	if err := owner.SetMigrationFlag(true); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	again, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer again.Close()
	v, err := again.PollMigrationFlag()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !v {
		t.Fatalf("expected remapped block to keep the flag")
	}
}

func TestMigrationFlagRoundTrip(t *testing.T) {
	testlog.Start(t)

	owner, path := newBlock(t)
	other := openBlock(t, path)

	for _, want := range []bool{true, false, true, true, false} {
		if err := other.SetMigrationFlag(want); err != nil {
			t.Fatalf("set flag %v: %v", want, err)
		}
		got, err := owner.PollMigrationFlag()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if got != want {
			t.Fatalf("flag round trip: got %v want %v", got, want)
		}
	}
	if v := owner.flagLock().value(); v != 1 {
		t.Fatalf("flag lock not released, count=%d", v)
	}
}

func TestInitializeClearsState(t *testing.T) {
	testlog.Start(t)

	b, _ := newBlock(t)
	if err := b.SetMigrationFlag(true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := b.SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	b.PublishPhase(4)
	if err := b.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	st, err := b.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Initialized || st.Version != layoutVersion {
		t.Fatalf("unexpected init state: %+v", st)
	}
	if st.MigrationRequested || st.PendingActivations != 0 || st.Phase != 0 {
		t.Fatalf("expected cleared block, got %+v", st)
	}
	if st.Owner != os.Getpid() {
		t.Fatalf("unexpected owner: %d", st.Owner)
	}
}

func TestAwaitActivationConsumesOnePost(t *testing.T) {
	testlog.Start(t)

	owner, path := newBlock(t)
	activator := openBlock(t, path)

	if err := activator.SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- owner.AwaitActivation() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("await did not return after one post")
	}

	// The post has been consumed; a second wait parks.
	second := make(chan error, 1)
	go func() { second <- owner.AwaitActivation() }()
	select {
	case err := <-second:
		t.Fatalf("second await returned without a post: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := activator.SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second await: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second await did not wake")
	}
	if v := owner.gate().value(); v != 0 {
		t.Fatalf("unexpected gate count: %d", v)
	}
}

func TestGateAndFlagAreIndependent(t *testing.T) {
	testlog.Start(t)

	b, _ := newBlock(t)
	if err := b.SetMigrationFlag(true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if v := b.gate().value(); v != 0 {
		t.Fatalf("flag write touched the gate: %d", v)
	}
	if err := b.SignalActivation(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	v, err := b.PollMigrationFlag()
	if err != nil || !v {
		t.Fatalf("gate post touched the flag: v=%v err=%v", v, err)
	}
}

func TestClosedBlockRejectsOperations(t *testing.T) {
	testlog.Start(t)

	b, _ := newBlock(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := b.SignalActivation(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.PollMigrationFlag(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if b.Initialized() {
		t.Fatalf("closed block reported initialized")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	testlog.Start(t)

	_, path := newBlock(t)
	release, err := Claim(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := Claim(path); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Claim(path)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	_ = again()
}
