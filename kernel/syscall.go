package main

import "unsafe"

// SyscallMalloc services the malloc syscall: it allocates a zero-filled,
// user/read/write-mapped region of at least size bytes for proc and returns
// its address. On failure it returns 0, the distinguished null-pointer
// sentinel for system-call failures.
func SyscallMalloc(proc *Process, size uint64) uintptr {
	ptr, err := heap.Alloc(proc, size)
	if err != nil {
		return 0
	}
	return uintptr(ptr)
}

// SyscallFree services the free syscall: it releases memory previously
// returned by SyscallMalloc for proc. Freeing an address SyscallMalloc did
// not return is undefined, matching heap_free's contract.
func SyscallFree(proc *Process, addr uintptr) {
	if addr == 0 {
		return
	}
	heap.Free(proc, unsafe.Pointer(addr))
}

// SyscallShmget services the shmget syscall: it allocates a shared page for
// proc and returns its ID, or 0 (the reserved empty-slot sentinel, never a
// live ID) on failure.
func SyscallShmget(proc *Process) uint64 {
	id, err := shm.Get(proc)
	if err != nil {
		return 0
	}
	return id
}

// SyscallShmjoin services the shmjoin syscall: it attaches proc to the
// shared page identified by id and returns the well-known SHARE_MEMORY
// address, or 0 on failure (unknown id or a conflicting existing
// attachment).
func SyscallShmjoin(proc *Process, id uint64) uintptr {
	addr, err := shm.Join(proc, id)
	if err != nil {
		return 0
	}
	return addr
}

// SyscallShmfree services the shmfree syscall: it detaches proc from its
// current shared page, if any.
func SyscallShmfree(proc *Process) {
	shm.Free(proc)
}
