package main

import "errors"

var (
	// ErrExhausted is returned by Get when the slot table is full.
	ErrExhausted = errors.New("shm: table full")

	// ErrDoubleAttach is returned when a process that already holds a
	// different shared attachment tries to acquire or join another one.
	ErrDoubleAttach = errors.New("shm: process already holds a shared attachment")

	// ErrUnknownID is returned by Join for an id with no live slot.
	ErrUnknownID = errors.New("shm: unknown id")
)

// shmSlot is one entry of the registry table: a stable ID bound to a
// physical page and a reference count. id == 0 marks an empty slot.
type shmSlot struct {
	id uint64
	pa uintptr
	ct uint32
}

// ShmRegistry is the shared-memory registry: a bounded table of NPROC slots
// guarded by a single spinlock.
type ShmRegistry struct {
	lock  spinlock
	slots [NPROC]shmSlot
	seed  uint64 // unique_id's evolving mixer state
}

var shm ShmRegistry

// InitShm constructs the registry lock and leaves every slot at its zero
// value (id == 0, i.e. Empty).
func InitShm() {
	shm.lock.init("shm")
}

// uniqueID is a 64-bit mixer applied to the physical address of a freshly
// allocated page, combined with a registry-wide evolving state word so that
// successive allocations to the same physical address (after reuse) yield
// different IDs with high probability. 0 is reserved as "empty slot"; on the
// astronomically unlikely collision the mixer re-runs against its own
// output.
func uniqueID(pa uintptr) uint64 {
	const prime = 1099511628211

	h := uint64(pa) + shm.seed
	h ^= h >> 30
	h *= prime
	h ^= h >> 27
	h *= prime
	h ^= h >> 31
	shm.seed = h

	if h == 0 {
		return uniqueID(pa)
	}
	return h
}

// findSlot returns the index of the slot with the given id, or -1 if none
// holds it.
func (r *ShmRegistry) findSlot(id uint64) int {
	for i := range r.slots {
		if r.slots[i].id == id {
			return i
		}
	}
	return -1
}

// Get allocates a new shared page for proc and returns its stable ID. Fails
// with ErrDoubleAttach if proc already holds an attachment, or ErrExhausted
// if the table has no empty slot.
func (r *ShmRegistry) Get(proc *Process) (uint64, error) {
	r.lock.acquire()

	if proc.Shm != 0 {
		r.lock.release()
		return 0, ErrDoubleAttach
	}

	idx := r.findSlot(0)
	if idx == -1 {
		r.lock.release()
		return 0, ErrExhausted
	}

	pa := allocPage()
	id := uniqueID(pa)
	r.slots[idx] = shmSlot{id: id, pa: pa, ct: 0}
	r.lock.release()

	addr, err := r.Join(proc, id)
	if err != nil {
		return 0, err
	}
	_ = addr
	return id, nil
}

// Join attaches proc to the shared page identified by id, returning the
// well-known SHARE_MEMORY virtual address. Idempotent if proc already holds
// this same id; fails with ErrDoubleAttach if proc holds a different id, and
// with ErrUnknownID if no live slot has this id.
func (r *ShmRegistry) Join(proc *Process, id uint64) (uintptr, error) {
	r.lock.acquire()
	defer r.lock.release()

	if proc.Shm == id && id != 0 {
		return SHARE_MEMORY, nil
	}
	if proc.Shm != 0 {
		return 0, ErrDoubleAttach
	}

	idx := r.findSlot(id)
	if idx == -1 {
		return 0, ErrUnknownID
	}

	proc.Shm = id
	r.slots[idx].ct++
	mapPages(proc.PageTable, SHARE_MEMORY, PAGE_SIZE, r.slots[idx].pa, PTE_U|PTE_R|PTE_W)
	return SHARE_MEMORY, nil
}

// Free detaches proc from its current shared page, unmapping SHARE_MEMORY in
// its page table. If proc holds no attachment, Free is a no-op. If the
// reference count reaches zero, the underlying physical page is released
// and the slot is reset to Empty.
func (r *ShmRegistry) Free(proc *Process) {
	r.lock.acquire()
	defer r.lock.release()

	if proc.Shm == 0 {
		return
	}

	idx := r.findSlot(proc.Shm)
	if idx == -1 {
		panic("shm: process holds an id with no matching slot")
	}

	unmapPages(proc.PageTable, SHARE_MEMORY, PAGE_SIZE)
	proc.Shm = 0

	r.slots[idx].ct--
	if r.slots[idx].ct == 0 {
		freePage(r.slots[idx].pa)
		r.slots[idx] = shmSlot{}
	}
}
