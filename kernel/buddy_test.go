package main

import (
	"sync"
	"testing"
	"unsafe"
)

func freeListLen(s int) int {
	n := 0
	for addr := heap.free[s]; addr != 0; addr = *linkAt(addr) {
		n++
	}
	return n
}

func isFreshHeapState(t *testing.T) {
	t.Helper()
	for s := 0; s < SCALE_NUMBER-1; s++ {
		if n := freeListLen(s); n != 0 {
			t.Errorf("fresh-heap check: free list at scale %d has %d entries, want 0", s, n)
		}
	}
	if n := freeListLen(SCALE_NUMBER - 1); n != 1 {
		t.Errorf("fresh-heap check: top-scale free list has %d entries, want 1", n)
	}
	for p, owner := range heap.procs {
		if owner != 0 {
			t.Errorf("fresh-heap check: procs[%d] = %d, want 0", p, owner)
		}
	}
	for p, n := range heap.reman {
		if n != 0 {
			t.Errorf("fresh-heap check: reman[%d] = %d, want 0", p, n)
		}
	}
}

func TestInitHeapPostCondition(t *testing.T) {
	InitHeap()
	isFreshHeapState(t)
}

// Scenario 1: small alloc round-trip.
func TestSmallAllocRoundTrip(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	p, err := heap.Alloc(proc, 200)
	if err != nil {
		t.Fatalf("Alloc(200) error = %v", err)
	}

	b := unsafe.Slice((*byte)(p), 200)
	for i := range b {
		b[i] = 10
	}
	for i, v := range b {
		if v != 10 {
			t.Fatalf("byte %d = %d, want 10", i, v)
		}
	}

	heap.Free(proc, p)
	isFreshHeapState(t)
}

// Scenario 2: split cascade.
func TestSplitCascade(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	_, err := heap.Alloc(proc, 1000)
	if err != nil {
		t.Fatalf("Alloc(1000) error = %v", err)
	}

	units := (1000 + headerSize + UNIT_SIZE - 1) / UNIT_SIZE
	minScale := scaleFor(units)

	for s := minScale; s <= SCALE_NUMBER-2; s++ {
		if n := freeListLen(s); n != 1 {
			t.Errorf("scale %d has %d free blocks, want exactly 1", s, n)
		}
	}
	if n := freeListLen(SCALE_NUMBER - 1); n != 0 {
		t.Errorf("top-scale free list has %d entries, want 0", n)
	}
}

// Scenario 3: coalesce cascade undoes scenario 2.
func TestCoalesceCascade(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	p, err := heap.Alloc(proc, 1000)
	if err != nil {
		t.Fatalf("Alloc(1000) error = %v", err)
	}
	heap.Free(proc, p)
	isFreshHeapState(t)
}

// Scenario 4: multiple sizes, then free all, returns to fresh-heap state.
func TestMultipleSizesThenFreeAll(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	sizes := []uint64{1000, 500, 1000, 2000, 8*1024*1024 - 8}
	ptrs := make([]unsafe.Pointer, len(sizes))
	for i, sz := range sizes {
		p, err := heap.Alloc(proc, sz)
		if err != nil {
			t.Fatalf("Alloc(%d) error = %v", sz, err)
		}
		ptrs[i] = p
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		heap.Free(proc, ptrs[i])
	}
	isFreshHeapState(t)
}

func TestAllocTooLarge(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	_, err := heap.Alloc(proc, HEAP_SIZE)
	if err != ErrTooLarge {
		t.Fatalf("Alloc(HEAP_SIZE) error = %v, want ErrTooLarge", err)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	InitHeap()
	a := NewProcess()
	b := NewProcess()

	// a takes the whole heap, so b's request (even tiny) has nowhere to go:
	// every free list is empty once the single top-scale block is handed
	// out.
	_, err := heap.Alloc(a, HEAP_SIZE-headerSize)
	if err != nil {
		t.Fatalf("Alloc(whole heap) error = %v", err)
	}

	_, err = heap.Alloc(b, 32)
	if err != ErrOutOfMemory {
		t.Fatalf("Alloc() by a second process on a full heap error = %v, want ErrOutOfMemory", err)
	}
}

// Owner consistency: every page spanned by a live allocation is stamped
// with the owning process's token, and allocations by different processes
// land on different pages as long as pages are available.
func TestOwnerConsistency(t *testing.T) {
	InitHeap()
	a := NewProcess()
	b := NewProcess()

	pa, err := heap.Alloc(a, 64)
	if err != nil {
		t.Fatalf("Alloc() for a: %v", err)
	}
	pb, err := heap.Alloc(b, 64)
	if err != nil {
		t.Fatalf("Alloc() for b: %v", err)
	}

	pageA := pageOf(addrOfPtr(pa) - uintptr(headerSize))
	pageB := pageOf(addrOfPtr(pb) - uintptr(headerSize))

	if heap.procs[pageA] != a.Token {
		t.Errorf("procs[%d] = %d, want %d (a's token)", pageA, heap.procs[pageA], a.Token)
	}
	if pageA != pageB && heap.procs[pageB] != b.Token {
		t.Errorf("procs[%d] = %d, want %d (b's token)", pageB, heap.procs[pageB], b.Token)
	}
}

// Affinity: while a holds a small block on a page, a second request from a
// for a block of the same small scale lands on that owned page rather than
// on a second page carved from the untouched bulk of the heap -- i.e.
// equal-or-zero steers repeat allocations back to pages a already touched.
func TestAffinitySteersRepeatAllocationsToOwnedPage(t *testing.T) {
	InitHeap()
	proc := NewProcess()

	p1, err := heap.Alloc(proc, 64)
	if err != nil {
		t.Fatalf("Alloc() 1: %v", err)
	}
	page1 := pageOf(addrOfPtr(p1) - uintptr(headerSize))

	p2, err := heap.Alloc(proc, 64)
	if err != nil {
		t.Fatalf("Alloc() 2: %v", err)
	}
	page2 := pageOf(addrOfPtr(p2) - uintptr(headerSize))

	if page1 != page2 {
		t.Errorf("second same-process allocation landed on page %d, want the already-owned page %d", page2, page1)
	}
}

// Concurrency: concurrent allocations and frees from independent processes
// never corrupt the free lists or procs/reman tables, and the heap returns
// to the fresh-heap state once all of them complete.
func TestConcurrentAllocFree(t *testing.T) {
	InitHeap()

	const workers = 16
	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := NewProcess()
			for r := 0; r < rounds; r++ {
				p, err := heap.Alloc(proc, 100)
				if err != nil {
					t.Errorf("Alloc() error = %v", err)
					return
				}
				heap.Free(proc, p)
			}
		}()
	}
	wg.Wait()

	isFreshHeapState(t)
}
