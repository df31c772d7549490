package cache

import (
	"fmt"
	"sync"

	"github.com/leftmike/logstore/store"
)

// Transaction is the private draft of one logical operation: the extents it
// observed, allocated, duplicated for mutation, and retired. Nothing in it
// is visible to other transactions until the cache publishes it in
// CompleteCommit.
//
// The read set doubles as the conflict detection witness: at commit the
// shared index must still map every observed address to the identical extent
// reference.
type Transaction struct {
	cache *Cache

	mutex    sync.Mutex
	readSet  map[store.Paddr]Extent
	fresh    []Extent
	freshOff store.SegmentOff
	mutated  []Extent
	mutIdx   map[store.Paddr]Extent
	retired  map[store.Paddr]Extent

	// Root handling is special: the root never appears in the shared
	// index. readRoot witnesses the version observed; root is this
	// transaction's private duplicate, if it mutated the root.
	readRoot *RootBlock
	root     *RootBlock
}

func makeTransaction(c *Cache) *Transaction {
	return &Transaction{
		cache:   c,
		readSet: map[store.Paddr]Extent{},
		mutIdx:  map[store.Paddr]Extent{},
		retired: map[store.Paddr]Extent{},
	}
}

// observeRead witnesses ext in the read set. Two different extents for one
// address within a transaction is a logic error.
func (t *Transaction) observeRead(ext Extent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pa := ext.Paddr()
	if prev, ok := t.readSet[pa]; ok {
		if prev != ext {
			panic(fmt.Sprintf("cache: transaction observed two extents at %s", pa))
		}
		return
	}
	t.readSet[pa] = ext
}

// lookupLocal resolves pa against this transaction's own sets, preferring a
// mutation duplicate over the witnessed original so that a transaction reads
// its own writes.
func (t *Transaction) lookupLocal(pa store.Paddr) (Extent, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if ext, ok := t.mutIdx[pa]; ok {
		return ext, true
	}
	if ext, ok := t.retired[pa]; ok {
		return ext, true
	}
	if ext, ok := t.readSet[pa]; ok {
		return ext, true
	}
	for _, ext := range t.fresh {
		if ext.Paddr() == pa {
			return ext, true
		}
	}
	return nil, false
}

// registerFresh assigns ext its record relative placeholder address, from
// its ordinal position among t's allocations, and adds it to the fresh set.
func (t *Transaction) registerFresh(ext Extent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	eb := ext.base()
	if eb.state != StateInitialWritePending {
		panic(fmt.Sprintf("cache: register fresh %s extent", eb.state))
	}
	eb.paddr = store.RecordRelativePaddr(t.freshOff)
	t.freshOff += eb.Length()
	t.fresh = append(t.fresh, ext)
}

func (t *Transaction) registerRetired(ext Extent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if ext.State() == StateInvalid {
		panic(fmt.Sprintf("cache: retiring invalid extent %s", ext.Paddr()))
	}
	if ext.State() == StateInitialWritePending || ext.State() == StateMutationPending {
		panic(fmt.Sprintf("cache: retiring pending extent %s", ext.Paddr()))
	}
	pa := ext.Paddr()
	if _, ok := t.retired[pa]; ok {
		panic(fmt.Sprintf("cache: %s already retired by this transaction", pa))
	}
	if _, ok := t.mutIdx[pa]; ok {
		panic(fmt.Sprintf("cache: retiring %s mutated by this transaction", pa))
	}
	t.retired[pa] = ext
}
