package main

import (
	"fmt"
	"os"
)

// debugMemory gates dumpState's diagnostic output.
var debugMemory = false

// DumpLevel selects which part of the heap's state dumpState prints, so a
// caller can dump just the free lists, just the owner table, or just reman.
type DumpLevel uint8

const (
	InfoScale DumpLevel = 1 << iota
	InfoTable
	InfoReman
)

// dumpState prints the requested parts of the heap's state to stderr, under
// the heap lock, prefixed by msg. A no-op unless debugMemory is set, so it
// costs nothing on the allocation hot path in the common case.
func dumpState(level DumpLevel, msg string) {
	if !debugMemory {
		return
	}

	heap.lock.acquire()
	defer heap.lock.release()

	fmt.Fprintf(os.Stderr, "dumpState: %s\n", msg)

	if level&InfoScale != 0 {
		for s := 0; s < SCALE_NUMBER; s++ {
			count := 0
			for addr := heap.free[s]; addr != 0; addr = *linkAt(addr) {
				count++
			}
			if count > 0 {
				fmt.Fprintf(os.Stderr, "  scale %2d (%8d B): %d free block(s)\n", s, blockSize(s), count)
			}
		}
	}

	if level&InfoTable != 0 {
		for p, owner := range heap.procs {
			if owner != 0 {
				fmt.Fprintf(os.Stderr, "  procs[%d] = %d\n", p, owner)
			}
		}
	}

	if level&InfoReman != 0 {
		for p, n := range heap.reman {
			if n != 0 {
				fmt.Fprintf(os.Stderr, "  reman[%d] = %d\n", p, n)
			}
		}
	}
}

// bootHeapPages sizes the physical frame allocator enough for the shared
// pages shmget()/shmjoin() hand out over the kernel's lifetime, independent
// of the fixed-size heap arena buddy.go owns directly: the heap region
// itself is reserved separately at boot, not carved page-by-page from
// physAlloc.
const bootHeapPages = NPROC

// KernelMain is the boot entry point for the memory subsystem: it brings up
// the physical page allocator, the buddy heap, and the shared-memory
// registry, in that order.
func KernelMain() {
	initPhysPages(bootHeapPages)
	InitHeap()
	InitShm()
}

func main() {
	KernelMain()
}
