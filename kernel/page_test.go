package main

import "testing"

func TestAllocFreePageRoundTrip(t *testing.T) {
	initPhysPages(4)

	a := allocPage()
	b := allocPage()
	if a == b {
		t.Fatalf("allocPage() returned the same address twice: %#x", a)
	}

	freePage(a)
	c := allocPage()
	if c != a {
		t.Fatalf("allocPage() after free = %#x, want reused address %#x", c, a)
	}
}

func TestAllocPageZeroFilled(t *testing.T) {
	initPhysPages(2)

	pa := allocPage()
	b := arenaBytes(pa, PAGE_SIZE)
	for i := range b {
		b[i] = 0xFF
	}
	freePage(pa)

	pa2 := allocPage()
	b2 := arenaBytes(pa2, PAGE_SIZE)
	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("allocPage() did not zero-fill byte %d: got %#x", i, v)
		}
	}
}

func TestAllocPageExhaustionPanics(t *testing.T) {
	initPhysPages(1)
	allocPage()

	defer func() {
		if recover() == nil {
			t.Fatal("allocPage() on an exhausted pool did not panic")
		}
	}()
	allocPage()
}

func TestFreeUnknownPagePanics(t *testing.T) {
	initPhysPages(1)

	defer func() {
		if recover() == nil {
			t.Fatal("freePage() of an unknown address did not panic")
		}
	}()
	freePage(0xDEADBEEF)
}

func TestFreeDoubleFreePanics(t *testing.T) {
	initPhysPages(1)
	pa := allocPage()
	freePage(pa)

	defer func() {
		if recover() == nil {
			t.Fatal("freePage() double free did not panic")
		}
	}()
	freePage(pa)
}
