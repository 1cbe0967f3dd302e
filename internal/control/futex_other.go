//go:build !linux

package control

func futexWait(addr *uint32, val uint32) error {
	return ErrUnsupported
}

func futexWake(addr *uint32, n int) error {
	return ErrUnsupported
}
