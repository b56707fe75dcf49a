// Package sync provides synchronization primitive implementations for
// spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked by a task that failed to acquire a contended lock
	// after a number of busy-wait attempts.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding bounds how long a task busy-waits before yielding
// the CPU to other tasks.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for i := 0; i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}
