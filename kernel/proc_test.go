package main

import "testing"

func TestNewProcessDistinctTokens(t *testing.T) {
	seen := make(map[byte]bool)
	for i := 0; i < 10; i++ {
		p := NewProcess()
		if p.Token == 0 {
			t.Fatal("NewProcess() assigned the reserved 0 (unowned) token")
		}
		if seen[p.Token] {
			t.Fatalf("NewProcess() reused token %d", p.Token)
		}
		seen[p.Token] = true
		if p.PageTable == nil {
			t.Fatal("NewProcess() did not allocate a page table")
		}
	}
}
