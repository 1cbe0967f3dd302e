package control

import (
	"fmt"
	"sync/atomic"
)

// semaphore is a counting semaphore whose count lives in shared memory.
// Waiters park on the count word with a non-private futex, so any process
// mapping the same file page can post or wait on it.
type semaphore struct {
	word *uint32
}

func (s semaphore) init(count uint32) {
	atomic.StoreUint32(s.word, count)
}

// post increments the count and wakes one waiter.
func (s semaphore) post() error {
	atomic.AddUint32(s.word, 1)
	if err := futexWake(s.word, 1); err != nil {
		return fmt.Errorf("%w: futex wake: %v", ErrIPC, err)
	}
	return nil
}

// wait blocks until the count is positive, then decrements it.
func (s semaphore) wait() error {
	for {
		if s.tryWait() {
			return nil
		}
		// Returns early when the word is no longer zero or on a signal; the
		// loop re-checks the count either way.
		if err := futexWait(s.word, 0); err != nil {
			return fmt.Errorf("%w: futex wait: %v", ErrIPC, err)
		}
	}
}

func (s semaphore) tryWait() bool {
	for {
		c := atomic.LoadUint32(s.word)
		if c == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, c, c-1) {
			return true
		}
	}
}

func (s semaphore) value() uint32 {
	return atomic.LoadUint32(s.word)
}
