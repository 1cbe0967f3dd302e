//go:build linux

package control

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations; the private variants would not wake
// waiters in other processes.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait sleeps while *addr == val. Spurious returns are not errors.
func futexWait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWaitOp, uintptr(val), 0, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return errno
	}
}

// futexWake wakes at most n waiters parked on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWakeOp, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
