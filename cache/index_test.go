package cache

import (
	"testing"

	"github.com/leftmike/logstore/store"
)

func makeIndexedExtent(t *testing.T, pa store.Paddr, length int) Extent {
	t.Helper()

	ext, err := makeExtent(store.TypeTestBlockPhysical, make([]byte, length))
	if err != nil {
		t.Fatal(err)
	}
	ext.base().paddr = pa
	ext.base().state = StateClean
	return ext
}

func TestExtentIndex(t *testing.T) {
	ei := makeExtentIndex()

	paddrs := []store.Paddr{
		{Segment: 0, Offset: 0},
		{Segment: 0, Offset: 8192},
		{Segment: 2, Offset: 4096},
		{Segment: 1, Offset: 0},
	}
	exts := map[store.Paddr]Extent{}
	for _, pa := range paddrs {
		ext := makeIndexedExtent(t, pa, 4096)
		ei.insert(ext)
		exts[pa] = ext
	}
	if ei.length() != len(paddrs) {
		t.Fatalf("length() got %d want %d", ei.length(), len(paddrs))
	}

	for _, pa := range paddrs {
		if ei.lookup(pa) != exts[pa] {
			t.Errorf("lookup(%s) did not return the inserted extent", pa)
		}
	}
	if ei.lookup(store.Paddr{Segment: 0, Offset: 4096}) != nil {
		t.Error("lookup of an absent address returned an extent")
	}
	if ei.lookup(store.Paddr{Segment: 0, Offset: 1024}) != nil {
		t.Error("lookup within an extent returned an extent; point lookups are exact")
	}

	// Ascending paddr order.
	var prev store.Paddr
	first := true
	ei.forEach(
		func(ext Extent) bool {
			if !first && ext.Paddr().Compare(prev) <= 0 {
				t.Errorf("forEach: %s out of order", ext.Paddr())
			}
			prev = ext.Paddr()
			first = false
			return true
		})

	if ei.remove(store.Paddr{Segment: 9, Offset: 0}) != nil {
		t.Error("remove of an absent address returned an extent")
	}
	if ei.remove(paddrs[0]) != exts[paddrs[0]] {
		t.Error("remove did not return the inserted extent")
	}
	if ei.lookup(paddrs[0]) != nil {
		t.Error("lookup after remove returned an extent")
	}

	expectPanic(t, "inserting an overlapping extent",
		func() {
			ei.insert(makeIndexedExtent(t, store.Paddr{Segment: 0, Offset: 8192 + 1024}, 4096))
		})
	expectPanic(t, "inserting an extent overlapping its successor",
		func() {
			ei.insert(makeIndexedExtent(t, store.Paddr{Segment: 0, Offset: 8192 - 1024}, 4096))
		})
	expectPanic(t, "inserting a duplicate address",
		func() {
			ei.insert(makeIndexedExtent(t, paddrs[1], 4096))
		})
}
