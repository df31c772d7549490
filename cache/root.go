package cache

import (
	"fmt"

	"github.com/leftmike/logstore/store"
)

// RootBlock anchors the store: the address and depth of the current top of
// the mapping tree. It never appears in the shared index; every mutation is
// committed as a whole buffer delta and the cache keeps the single current
// version.
type RootBlock struct {
	extentBase
}

const (
	rootPaddrAt = 0
	rootDepthAt = 8
	rootLen     = 12
)

// Root returns the address and depth of the top of the mapping tree; the
// address is null on a freshly formatted store.
func (rb *RootBlock) Root() (store.Paddr, uint32) {
	_, pa, _ := store.DecodePaddr(rb.buf[rootPaddrAt:])
	_, depth, _ := store.DecodeUint32(rb.buf[rootDepthAt:])
	return pa, depth
}

func (rb *RootBlock) SetRoot(pa store.Paddr, depth uint32) {
	rb.mutable()

	buf := store.EncodePaddr(rb.buf[:rootPaddrAt], pa)
	store.EncodeUint32(buf, depth)
	rb.recordOp(func(delta []byte) []byte {
		// The whole buffer is the delta; root mutations do not compose.
		return append(delta[:0], rb.buf...)
	})
}

func (rb *RootBlock) applyDelta(payload []byte) error {
	if len(payload) != len(rb.buf) {
		return fmt.Errorf("%w: root delta %d bytes, root %d bytes", ErrCorrupt, len(payload),
			len(rb.buf))
	}
	copy(rb.buf, payload)
	return nil
}

func (rb *RootBlock) newDuplicate() Extent {
	return &RootBlock{}
}

func makeRootBlock(blockSize int) *RootBlock {
	if blockSize < rootLen {
		panic(fmt.Sprintf("cache: block size %d too small for root", blockSize))
	}

	buf := make([]byte, blockSize)
	store.EncodePaddr(buf[:0], store.PaddrNull)
	return &RootBlock{
		extentBase: extentBase{
			typ:   store.TypeRoot,
			paddr: store.PaddrNull,
			laddr: store.LaddrNull,
			buf:   buf,
			state: StateClean,
		},
	}
}
