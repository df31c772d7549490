package cache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/leftmike/logstore/store"
)

var (
	ErrNodeFull = errors.New("cache: node full")
)

// nodeBlock is the common layout of the mapping tree nodes: a sorted list of
// fixed size (laddr, paddr) entries preceded by a count. IndexNode entries
// point at child nodes; LeafNode entries point at data blocks.
//
// Deltas against a node are an op list: inserts and removes in order.
type nodeBlock struct {
	extentBase
}

const (
	nodeCountLen = 2
	nodeEntryLen = 16

	nodeOpInsert = 1
	nodeOpRemove = 2
)

func (nb *nodeBlock) Count() int {
	_, cnt, _ := store.DecodeUint16(nb.buf)
	return int(cnt)
}

func (nb *nodeBlock) Capacity() int {
	return (len(nb.buf) - nodeCountLen) / nodeEntryLen
}

func (nb *nodeBlock) setCount(cnt int) {
	store.EncodeUint16(nb.buf[:0], uint16(cnt))
}

func (nb *nodeBlock) EntryAt(idx int) (store.Laddr, store.Paddr) {
	buf := nb.buf[nodeCountLen+idx*nodeEntryLen:]
	buf, la, _ := store.DecodeUint64(buf)
	_, pa, _ := store.DecodePaddr(buf)
	return store.Laddr(la), pa
}

// search returns the index of the first entry with a laddr >= la.
func (nb *nodeBlock) search(la store.Laddr) int {
	return sort.Search(nb.Count(),
		func(idx int) bool {
			ela, _ := nb.EntryAt(idx)
			return ela >= la
		})
}

// Lookup returns the paddr mapped by la, or the paddr of the greatest entry
// at or before la when exact is false (child lookup in an index node).
func (nb *nodeBlock) Lookup(la store.Laddr, exact bool) (store.Paddr, bool) {
	idx := nb.search(la)
	if idx < nb.Count() {
		if ela, pa := nb.EntryAt(idx); ela == la {
			return pa, true
		}
	}
	if !exact && idx > 0 {
		_, pa := nb.EntryAt(idx - 1)
		return pa, true
	}
	return store.PaddrNull, false
}

func (nb *nodeBlock) insert(la store.Laddr, pa store.Paddr) error {
	cnt := nb.Count()
	idx := nb.search(la)
	if idx < cnt {
		if ela, _ := nb.EntryAt(idx); ela == la {
			// Replace in place.
			buf := nb.buf[nodeCountLen+idx*nodeEntryLen:]
			store.EncodePaddr(store.EncodeUint64(buf[:0], uint64(la)), pa)
			return nil
		}
	}
	if cnt >= nb.Capacity() {
		return fmt.Errorf("%w: %d entries", ErrNodeFull, cnt)
	}

	at := nodeCountLen + idx*nodeEntryLen
	copy(nb.buf[at+nodeEntryLen:], nb.buf[at:nodeCountLen+cnt*nodeEntryLen])
	store.EncodePaddr(store.EncodeUint64(nb.buf[:at], uint64(la)), pa)
	nb.setCount(cnt + 1)
	return nil
}

func (nb *nodeBlock) remove(la store.Laddr) bool {
	cnt := nb.Count()
	idx := nb.search(la)
	if idx >= cnt {
		return false
	}
	if ela, _ := nb.EntryAt(idx); ela != la {
		return false
	}

	at := nodeCountLen + idx*nodeEntryLen
	copy(nb.buf[at:], nb.buf[at+nodeEntryLen:nodeCountLen+cnt*nodeEntryLen])
	nb.setCount(cnt - 1)
	return true
}

// Insert maps la to pa, replacing any existing mapping; fails with
// ErrNodeFull when the node needs to be split first.
func (nb *nodeBlock) Insert(la store.Laddr, pa store.Paddr) error {
	nb.mutable()

	err := nb.insert(la, pa)
	if err != nil {
		return err
	}
	nb.recordOp(func(delta []byte) []byte {
		delta = append(delta, nodeOpInsert)
		delta = store.EncodeUint64(delta, uint64(la))
		return store.EncodePaddr(delta, pa)
	})
	return nil
}

// Remove drops the mapping of la; removing an unmapped laddr is a no-op.
func (nb *nodeBlock) Remove(la store.Laddr) bool {
	nb.mutable()

	if !nb.remove(la) {
		return false
	}
	nb.recordOp(func(delta []byte) []byte {
		delta = append(delta, nodeOpRemove)
		return store.EncodeUint64(delta, uint64(la))
	})
	return true
}

func (nb *nodeBlock) applyDelta(payload []byte) error {
	for len(payload) > 0 {
		op := payload[0]
		payload = payload[1:]

		buf, la, ok := store.DecodeUint64(payload)
		if !ok {
			return fmt.Errorf("%w: truncated node delta", ErrCorrupt)
		}
		payload = buf

		switch op {
		case nodeOpInsert:
			buf, pa, ok := store.DecodePaddr(payload)
			if !ok {
				return fmt.Errorf("%w: truncated node delta", ErrCorrupt)
			}
			payload = buf
			err := nb.insert(store.Laddr(la), pa)
			if err != nil {
				return fmt.Errorf("%w: node delta: %s", ErrCorrupt, err)
			}
		case nodeOpRemove:
			nb.remove(store.Laddr(la))
		default:
			return fmt.Errorf("%w: bad node delta op %d", ErrCorrupt, op)
		}
	}
	return nil
}

// IndexNode is an internal node of the mapping tree; its entries point at
// child nodes covering laddr ranges starting at each entry's laddr.
type IndexNode struct {
	nodeBlock
}

func (in *IndexNode) newDuplicate() Extent {
	return &IndexNode{}
}

// LeafNode maps laddrs directly to the data blocks holding them.
type LeafNode struct {
	nodeBlock
}

func (ln *LeafNode) newDuplicate() Extent {
	return &LeafNode{}
}
