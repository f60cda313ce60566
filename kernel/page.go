package main

import "github.com/mazarin-os/kmem/bitfield"

// pageDescriptor holds a frame's physical address, a packed flags word, and
// a free-list link. The flags word is packed and unpacked via
// bitfield.PackPageFlags/UnpackPageFlags (see bitfield/page_flags.go).
type pageDescriptor struct {
	pa    uintptr
	flags uint32
	next  *pageDescriptor
}

// physPageAllocator is a free list of physical page frames, handed out one
// page at a time and backed by a fixed-size arena rather than real
// hardware memory.
type physPageAllocator struct {
	lock  spinlock
	free  *pageDescriptor
	all   map[uintptr]*pageDescriptor
	arena []byte
}

var physAlloc physPageAllocator

// initPhysPages seeds the physical frame free list with npages frames
// backed by a freshly allocated arena.
func initPhysPages(npages int) {
	physAlloc.lock.init("physpages")
	physAlloc.arena = make([]byte, npages*PAGE_SIZE)
	physAlloc.all = make(map[uintptr]*pageDescriptor, npages)
	physAlloc.free = nil

	for i := npages - 1; i >= 0; i-- {
		pa := uintptr(i * PAGE_SIZE)
		pd := &pageDescriptor{pa: pa}
		packed, err := bitfield.PackPageFlags(bitfield.PageFlags{Allocated: false})
		if err != nil {
			panic("page: pack flags: " + err.Error())
		}
		pd.flags = packed
		pd.next = physAlloc.free
		physAlloc.free = pd
		physAlloc.all[pa] = pd
	}
}

// allocPage allocates a single physical page frame and returns its
// physical address, zero-filled. Panics on exhaustion.
func allocPage() uintptr {
	physAlloc.lock.acquire()
	defer physAlloc.lock.release()

	pd := physAlloc.free
	if pd == nil {
		panic("page: out of physical pages")
	}
	physAlloc.free = pd.next

	flags := bitfield.UnpackPageFlags(pd.flags)
	flags.Allocated = true
	packed, err := bitfield.PackPageFlags(flags)
	if err != nil {
		panic("page: pack flags: " + err.Error())
	}
	pd.flags = packed

	zeroArena(pd.pa, PAGE_SIZE)
	return pd.pa
}

// freePage returns a physical page frame to the free list.
func freePage(pa uintptr) {
	physAlloc.lock.acquire()
	defer physAlloc.lock.release()

	pd, ok := physAlloc.all[pa]
	if !ok {
		panic("page: freePage of unknown physical address")
	}
	flags := bitfield.UnpackPageFlags(pd.flags)
	if !flags.Allocated {
		panic("page: double free of physical page")
	}
	flags.Allocated = false
	packed, err := bitfield.PackPageFlags(flags)
	if err != nil {
		panic("page: pack flags: " + err.Error())
	}
	pd.flags = packed

	pd.next = physAlloc.free
	physAlloc.free = pd
}

// zeroArena zero-fills size bytes of the backing arena starting at the
// frame whose physical address is pa. Physical addresses here are offsets
// into physAlloc.arena, not real hardware addresses.
func zeroArena(pa uintptr, size int) {
	b := physAlloc.arena[pa : pa+uintptr(size)]
	for i := range b {
		b[i] = 0
	}
}

// arenaBytes returns a slice view of size bytes of the backing arena at
// physical address pa, for callers that need to read or write the contents
// of a physical page, such as a shared page handed out by the shared-memory
// registry. The buddy allocator does not use it; it has its own arena.
func arenaBytes(pa uintptr, size int) []byte {
	return physAlloc.arena[pa : pa+uintptr(size)]
}
