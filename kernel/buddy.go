package main

import (
	"errors"
	"unsafe"

	"github.com/cznic/mathutil"
)

// Heap layout constants: UNIT_SIZE is the smallest block size, SCALE_NUMBER
// the number of size classes, HEAP_SIZE the total managed region. HEAP_BASE
// is chosen non-zero and HEAP_SIZE-aligned so
// that 0 can keep serving as the free-list "empty" sentinel and so that
// heap_offset(addr) = addr - HEAP_BASE behaves the same as addr & HEAP_MASK.
const (
	UNIT_SIZE    = 32
	SCALE_NUMBER = 20
	HEAP_SIZE    = 16 * 1024 * 1024
	HEAP_MASK    = HEAP_SIZE - 1
	HEAP_BASE    = 0x10000000

	// PAGE_SIZE is shared with the physical page allocator (page.go) and
	// the VM mapper (vm.go); it must agree with both for page_of/pages_of
	// math and page-table strides to line up.
	PAGE_SIZE = 4096

	// SHARE_MEMORY is the fixed virtual address at which a process's
	// shared-memory attachment (if any) appears; it sits just past the
	// heap so the two regions never alias.
	SHARE_MEMORY = HEAP_BASE + HEAP_SIZE
)

var (
	// ErrTooLarge is returned when a request exceeds the largest block the
	// heap can ever produce. Caller error: do not retry blindly.
	ErrTooLarge = errors.New("heap: request exceeds maximal block size")

	// ErrOutOfMemory is returned when every scale from min_scale up is
	// either empty or holds no block satisfying affinity. Capacity error:
	// the caller may retry once load drops.
	ErrOutOfMemory = errors.New("heap: no free block satisfies affinity")
)

// allocHeader precedes every pointer Alloc hands back, recording the scale
// the underlying block was carved from so Free can be called with only the
// user pointer.
type allocHeader struct {
	scale uint64
}

var headerSize = uint64(unsafe.Sizeof(allocHeader{}))

// Heap is the buddy allocator: per-scale free lists, the per-page owner
// table, and the per-page outstanding-allocation counter, all guarded by a
// single spinlock. It is a process-wide singleton constructed once at boot
// by InitHeap.
type Heap struct {
	lock  spinlock
	free  [SCALE_NUMBER]uintptr // free[s] is the head of the scale-s free list, 0 = empty
	procs []byte                // per-page owner token, indexed by page_of(addr)
	reman []byte                // per-page outstanding wrap_alloc count
	arena []byte                // backing storage for [HEAP_BASE, HEAP_BASE+HEAP_SIZE)
}

var heap Heap

// InitHeap constructs the heap lock, zeroes procs/reman, and seeds the
// top-scale free list with exactly one block covering the whole heap, per
// the init_heap post-condition: all other free lists start (and stay, until
// something splits into them) empty.
func InitHeap() {
	heap.lock.init("heap")
	heap.arena = make([]byte, HEAP_SIZE)
	heap.procs = make([]byte, HEAP_SIZE/PAGE_SIZE)
	heap.reman = make([]byte, HEAP_SIZE/PAGE_SIZE)
	for i := range heap.free {
		heap.free[i] = 0
	}

	top := SCALE_NUMBER - 1
	*linkAt(HEAP_BASE) = 0
	heap.free[top] = HEAP_BASE
}

// blockSize returns the size in bytes of a block at the given scale.
func blockSize(scale int) uint64 {
	return UNIT_SIZE << uint(scale)
}

// pagesOf returns how many pages a block at the given scale spans, starting
// at its own page; sub-page scales still occupy (the start of) one page.
func pagesOf(scale int) uint64 {
	sz := blockSize(scale)
	if sz < PAGE_SIZE {
		return 1
	}
	return sz / PAGE_SIZE
}

// pageOf returns the procs/reman index for the page containing addr.
func pageOf(addr uintptr) int {
	return int((addr - HEAP_BASE) / PAGE_SIZE)
}

// blockBit is the bit that flips between a block and its buddy at scale s.
// It degenerates to 0 at the top scale, which is why rawFree bounds its
// merge loop below SCALE_NUMBER-1 instead of relying on this value to stop
// it.
func blockBit(scale int) uint64 {
	return blockSize(scale) & HEAP_MASK
}

// scaleFor returns the smallest scale s with 2^s >= units, computed
// up front from the unit count rather than inferred as a side effect of
// scanning the free lists.
func scaleFor(units uint64) int {
	if units == 0 {
		units = 1
	}
	return mathutil.BitLen(int(units - 1))
}

// linkAt returns the intrusive next-free-block link stored in the first
// machine word of the (currently free) block at addr. The link is untyped
// storage read and written through unsafe.Pointer arithmetic over the
// backing arena, rather than a typed record aliased over raw bytes.
func linkAt(addr uintptr) *uintptr {
	off := addr - HEAP_BASE
	return (*uintptr)(unsafe.Pointer(&heap.arena[off]))
}

// arenaPtr returns a Go pointer into the heap's backing storage for the
// given heap address.
func arenaPtr(addr uintptr) unsafe.Pointer {
	off := addr - HEAP_BASE
	return unsafe.Pointer(&heap.arena[off])
}

// addrOfPtr recovers the heap address a user-visible unsafe.Pointer was
// derived from, by measuring its offset from the arena's backing array.
func addrOfPtr(ptr unsafe.Pointer) uintptr {
	base := uintptr(unsafe.Pointer(&heap.arena[0]))
	return HEAP_BASE + (uintptr(ptr) - base)
}

// rawAlloc implements the raw allocation algorithm of section 4.1: scan
// scales from minScale upward, at each scale searching its free list for a
// block whose owner-affinity is the caller's token or unowned, split down to
// minScale, and stamp procs for the winning range.
func (h *Heap) rawAlloc(proc *Process, sizeBytes uint64) (uintptr, int, error) {
	units := (sizeBytes + UNIT_SIZE - 1) / UNIT_SIZE
	if units == 0 {
		units = 1
	}
	maxUnits := uint64(1) << uint(SCALE_NUMBER-1)
	if units > maxUnits {
		return 0, 0, ErrTooLarge
	}
	minScale := scaleFor(units)

	h.lock.acquire()
	defer h.lock.release()

	for s := minScale; s < SCALE_NUMBER; s++ {
		prev := uintptr(0)
		addr := h.free[s]
		for addr != 0 {
			next := *linkAt(addr)
			owner := h.procs[pageOf(addr)]
			if owner == proc.Token || owner == 0 {
				if prev == 0 {
					h.free[s] = next
				} else {
					*linkAt(prev) = next
				}
				h.splitDown(proc, addr, s, minScale)
				return addr, minScale, nil
			}
			prev = addr
			addr = next
		}
	}
	return 0, 0, ErrOutOfMemory
}

// splitDown partitions the block at addr (currently at scale from) down to
// scale to, pushing each upper half onto its own free list, then stamps
// procs[page..page+pages_of(to)) with the caller's owner token.
func (h *Heap) splitDown(proc *Process, addr uintptr, from, to int) {
	for i := from; i > to; i-- {
		half := blockSize(i - 1)
		upper := addr + uintptr(half)
		*linkAt(upper) = h.free[i-1]
		h.free[i-1] = upper
	}

	pages := pagesOf(to)
	p0 := pageOf(addr)
	for p := p0; p < p0+int(pages); p++ {
		h.procs[p] = proc.Token
	}
}

// unlinkIfPresent removes target from the scale free list if it is on it,
// reporting whether it was found.
func (h *Heap) unlinkIfPresent(scale int, target uintptr) bool {
	prev := uintptr(0)
	addr := h.free[scale]
	for addr != 0 {
		next := *linkAt(addr)
		if addr == target {
			if prev == 0 {
				h.free[scale] = next
			} else {
				*linkAt(prev) = next
			}
			return true
		}
		prev = addr
		addr = next
	}
	return false
}

// rawFree implements the buddy-merge algorithm of section 4.1: repeatedly
// look for the buddy of the current block at increasing scales, merging
// with it when present, until no buddy is found or the top scale is
// reached; then clear procs for the original allocation's page range.
func (h *Heap) rawFree(addr uintptr, scale int) {
	h.lock.acquire()
	defer h.lock.release()

	origAddr, origScale := addr, scale

	s := scale
	for s < SCALE_NUMBER-1 {
		bit := blockBit(s)
		buddy := ((addr - HEAP_BASE) ^ uintptr(bit)) + HEAP_BASE
		if !h.unlinkIfPresent(s, buddy) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		s++
	}

	*linkAt(addr) = h.free[s]
	h.free[s] = addr

	pages := pagesOf(origScale)
	p0 := pageOf(origAddr)
	for p := p0; p < p0+int(pages); p++ {
		h.procs[p] = 0
	}
}

// wrapAlloc prepends the allocated-object header, updates reman, installs
// the page-table mapping on a 0->1 transition, and zero-fills exactly the
// caller-visible size bytes (not the header), per the zero-fill boundary
// design note.
func (h *Heap) wrapAlloc(proc *Process, size uint64) (unsafe.Pointer, error) {
	addr, scale, err := h.rawAlloc(proc, size+headerSize)
	if err != nil {
		return nil, err
	}

	hdr := (*allocHeader)(arenaPtr(addr))
	hdr.scale = uint64(scale)

	page := pageOf(addr)
	h.lock.acquire()
	wasZero := h.reman[page] == 0
	h.reman[page]++
	h.lock.release()

	blockLen := blockSize(scale)
	if wasZero {
		mapPages(proc.PageTable, addr, blockLen, addr, PTE_U|PTE_R|PTE_W)
	}

	userAddr := addr + uintptr(headerSize)
	zeroFill(h.arena, userAddr-HEAP_BASE, size)
	return arenaPtr(userAddr), nil
}

// wrapFree recovers the header immediately preceding ptr, updates reman,
// tears down the page-table mapping on a 1->0 transition, and coalesces via
// rawFree.
func (h *Heap) wrapFree(proc *Process, ptr unsafe.Pointer) {
	userAddr := addrOfPtr(ptr)
	addr := userAddr - uintptr(headerSize)
	hdr := (*allocHeader)(arenaPtr(addr))
	scale := int(hdr.scale)
	if scale < 0 || scale >= SCALE_NUMBER {
		panic("heap: corrupt allocation header")
	}

	page := pageOf(addr)
	h.lock.acquire()
	h.reman[page]--
	becameZero := h.reman[page] == 0
	h.lock.release()

	if becameZero {
		unmapPages(proc.PageTable, addr, blockSize(scale))
	}

	h.rawFree(addr, scale)
}

// zeroFill zeroes n bytes of buf starting at off.
func zeroFill(buf []byte, off uintptr, n uint64) {
	b := buf[off : off+uintptr(n)]
	for i := range b {
		b[i] = 0
	}
}

// Alloc is the public heap_alloc entry point: it returns a zero-filled
// region of at least size bytes, mapped user/read/write in proc's page
// table, or one of ErrTooLarge / ErrOutOfMemory.
func (h *Heap) Alloc(proc *Process, size uint64) (unsafe.Pointer, error) {
	return h.wrapAlloc(proc, size)
}

// Free is the public heap_free entry point: it releases a region previously
// returned by Alloc for the same process, unmapping and coalescing as
// needed. Freeing a pointer Alloc did not produce is undefined.
func (h *Heap) Free(proc *Process, ptr unsafe.Pointer) {
	h.wrapFree(proc, ptr)
}
