package control

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Claim takes an exclusive advisory lock on the backing file so that at most
// one request server initializes and drives a block. Operator commands never
// take it. The returned func releases the lock.
func Claim(path string) (func() error, error) {
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrIO, path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, path)
	}
	return l.Unlock, nil
}
