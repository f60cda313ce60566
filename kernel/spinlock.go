package main

import (
	"runtime"
	"sync/atomic"
)

// spinlock is the kernel's mutual-exclusion primitive for the memory
// subsystem: a busy-wait CAS loop, not sync.Mutex. acquire retries until the
// lock is free, yielding the processor between attempts; it sets no limit on
// the number of attempts. A kernel lock must never park the acquiring thread
// the way a contended sync.Mutex can.
type spinlock struct {
	held uint32
	name string
}

//go:nosplit
func (l *spinlock) init(name string) {
	l.name = name
	atomic.StoreUint32(&l.held, 0)
}

//go:nosplit
func (l *spinlock) acquire() {
	for !atomic.CompareAndSwapUint32(&l.held, 0, 1) {
		runtime.Gosched()
	}
}

//go:nosplit
func (l *spinlock) release() {
	if !atomic.CompareAndSwapUint32(&l.held, 1, 0) {
		panic("spinlock: release of unheld lock " + l.name)
	}
}
