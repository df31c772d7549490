package cache

import (
	"fmt"

	"github.com/google/btree"

	"github.com/leftmike/logstore/store"
)

// extentIndex is the single source of truth for which extent currently
// represents a physical address. Entries never overlap; an insert that would
// overlap is a logic error. The cache mutex guards all access.
type extentIndex struct {
	tree *btree.BTree
}

type indexItem struct {
	ext Extent
}

func (it indexItem) Less(than btree.Item) bool {
	return it.ext.Paddr().Compare(than.(indexItem).ext.Paddr()) < 0
}

func makeExtentIndex() *extentIndex {
	return &extentIndex{tree: btree.New(32)}
}

func (ei *extentIndex) lookup(pa store.Paddr) Extent {
	var ext Extent
	ei.tree.DescendLessOrEqual(indexItem{ext: probeExtent(pa)},
		func(it btree.Item) bool {
			ext = it.(indexItem).ext
			return false
		})
	if ext == nil || ext.Paddr() != pa {
		return nil
	}
	return ext
}

func (ei *extentIndex) insert(ext Extent) {
	pa := ext.Paddr()
	end := pa.Add(ext.Length())

	ei.tree.DescendLessOrEqual(indexItem{ext: probeExtent(pa)},
		func(it btree.Item) bool {
			prev := it.(indexItem).ext
			if prev.Paddr().Add(prev.Length()).Compare(pa) > 0 {
				panic(fmt.Sprintf("cache: insert %s overlaps %s", ext, prev))
			}
			return false
		})
	ei.tree.AscendGreaterOrEqual(indexItem{ext: probeExtent(pa)},
		func(it btree.Item) bool {
			next := it.(indexItem).ext
			if next.Paddr().Compare(end) < 0 {
				panic(fmt.Sprintf("cache: insert %s overlaps %s", ext, next))
			}
			return false
		})

	ei.tree.ReplaceOrInsert(indexItem{ext: ext})
}

func (ei *extentIndex) remove(pa store.Paddr) Extent {
	it := ei.tree.Delete(indexItem{ext: probeExtent(pa)})
	if it == nil {
		return nil
	}
	return it.(indexItem).ext
}

func (ei *extentIndex) forEach(fn func(ext Extent) bool) {
	ei.tree.Ascend(
		func(it btree.Item) bool {
			return fn(it.(indexItem).ext)
		})
}

func (ei *extentIndex) length() int {
	return ei.tree.Len()
}

// probeExtent is a key-only extent used to search the index.
func probeExtent(pa store.Paddr) Extent {
	return &DataBlock{
		extentBase: extentBase{
			typ:   store.TypeNone,
			paddr: pa,
			laddr: store.LaddrNull,
		},
	}
}
