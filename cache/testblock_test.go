package cache

import (
	"github.com/leftmike/logstore/store"
)

// testBlock and testBlockPhysical behave like data blocks; they exist so
// tests can exercise extra registered extent variants.
type testBlock struct {
	DataBlock
}

func (tb *testBlock) newDuplicate() Extent {
	return &testBlock{}
}

type testBlockPhysical struct {
	DataBlock
}

func (tb *testBlockPhysical) newDuplicate() Extent {
	return &testBlockPhysical{}
}

func init() {
	registerExtentType(store.TypeTestBlock, func() Extent { return &testBlock{} })
	registerExtentType(store.TypeTestBlockPhysical, func() Extent { return &testBlockPhysical{} })
}
