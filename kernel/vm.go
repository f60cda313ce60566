package main

// PTE is a leaf page-table entry slot. walkPageTable returns a pointer to
// one of these; writing the zero value through that pointer tears the
// mapping down.
type PTE struct {
	PA    uintptr
	Flags uint32
	Valid bool
}

// Page table flag bits: user, read, write, execute.
const (
	PTE_U uint32 = 1 << 0
	PTE_R uint32 = 1 << 1
	PTE_W uint32 = 1 << 2
	PTE_X uint32 = 1 << 3
)

// PageTable is a per-process virtual-address space, modeled as a sparse map
// of page-aligned virtual address to leaf entry. Real hardware page tables
// are radix trees walked by walk_page_table; a map gives the same
// find-or-create-the-leaf-slot semantics without needing real descriptor
// formats, which is all the memory subsystem above this layer relies on.
type PageTable struct {
	leaves map[uintptr]*PTE
}

func newPageTable() *PageTable {
	return &PageTable{leaves: make(map[uintptr]*PTE)}
}

// walkPageTable locates the leaf PTE for va, creating it if create is true
// and no mapping exists yet.
func walkPageTable(pt *PageTable, va uintptr, create bool) *PTE {
	pte, ok := pt.leaves[va]
	if !ok {
		if !create {
			return nil
		}
		pte = &PTE{}
		pt.leaves[va] = pte
	}
	return pte
}

// pageRound returns the page-aligned start and the number of pages needed
// to cover [va, va+size), the way real mappages implementations round a
// sub-page-aligned range out to whole pages before walking the table. A
// buddy block smaller than a page is not itself page-aligned, but the
// mapping it needs always is.
func pageRound(va uintptr, size uint64) (uintptr, uint64) {
	start := va &^ (PAGE_SIZE - 1)
	end := va + uintptr(size)
	pages := (uint64(end-start) + PAGE_SIZE - 1) / PAGE_SIZE
	return start, pages
}

// mapPages installs contiguous mappings covering [va, va+size), backed by
// physical pages starting at the same page-rounded offset from pa.
func mapPages(pt *PageTable, va uintptr, size uint64, pa uintptr, flags uint32) {
	vaStart, pages := pageRound(va, size)
	paStart, _ := pageRound(pa, size)
	for i := uint64(0); i < pages; i++ {
		off := uintptr(i) * PAGE_SIZE
		pte := walkPageTable(pt, vaStart+off, true)
		pte.PA = paStart + off
		pte.Flags = flags
		pte.Valid = true
	}
}

// unmapPages tears down the leaf entries covering [va, va+size) by writing
// the zero value to each.
func unmapPages(pt *PageTable, va uintptr, size uint64) {
	vaStart, pages := pageRound(va, size)
	for i := uint64(0); i < pages; i++ {
		off := uintptr(i) * PAGE_SIZE
		if pte := walkPageTable(pt, vaStart+off, false); pte != nil {
			*pte = PTE{}
		}
	}
}
