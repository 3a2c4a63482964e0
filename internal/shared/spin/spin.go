// Package spin provides the low-level busy-waiting lock used for short critical
// sections on process-wide runtime state.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a test-and-test-and-set spin lock. The zero value is unlocked.
type Lock struct {
	_     [0]func() // prevent accidental copying.
	state atomic.Uint32
}

// Lock acquires the lock, pausing between failed attempts.
func (l *Lock) Lock() {
	for {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.state.Store(0)
}
