package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/leftmike/logstore/store"
)

// ExtentState is the lifecycle state of a cached extent.
//
//	InitialWritePending: freshly allocated by a transaction; its first
//	    write has not committed yet.
//	MutationPending: a private copy-on-write duplicate owned by a
//	    transaction; its delta has not committed yet.
//	Clean: matches the bytes on the device.
//	Dirty: has committed deltas that a full rewrite has not absorbed yet.
//	Invalid: retired or superseded; must never be handed to a new reader.
type ExtentState int

const (
	StateInitialWritePending ExtentState = iota
	StateMutationPending
	StateClean
	StateDirty
	StateInvalid
)

func (state ExtentState) String() string {
	switch state {
	case StateInitialWritePending:
		return "initial-write-pending"
	case StateMutationPending:
		return "mutation-pending"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateInvalid:
		return "invalid"
	}
	return fmt.Sprintf("ExtentState(%d)", int(state))
}

// Extent is an in-memory representation of one on-disk block. Concrete
// variants are selected by their extent type; mutators on a variant may only
// be used while the extent is pending within a transaction.
type Extent interface {
	Type() store.ExtentType
	Paddr() store.Paddr
	Laddr() store.Laddr
	SetLaddr(la store.Laddr)
	Length() store.SegmentOff
	State() ExtentState
	Version() uint32
	Buffer() []byte
	Checksum() store.Checksum
	String() string

	// WaitIO blocks until any in-flight device read of this extent
	// completes; it returns immediately if none is pending.
	WaitIO(ctx context.Context) error

	applyDelta(payload []byte) error
	newDuplicate() Extent
	base() *extentBase
}

type extentBase struct {
	typ     store.ExtentType
	paddr   store.Paddr
	laddr   store.Laddr
	buf     []byte
	state   ExtentState
	version uint32

	// Checksum of the buffer as of the last committed write or delta;
	// seeds the prev checksum field of the next delta.
	committedCrc store.Checksum

	// Encoded mutation ops accumulated while MutationPending.
	delta []byte

	onDirty bool

	ioMutex sync.Mutex
	ioDone  chan struct{}
}

func (eb *extentBase) Type() store.ExtentType {
	return eb.typ
}

func (eb *extentBase) Paddr() store.Paddr {
	return eb.paddr
}

func (eb *extentBase) Laddr() store.Laddr {
	return eb.laddr
}

func (eb *extentBase) SetLaddr(la store.Laddr) {
	if !eb.typ.IsLogical() {
		panic(fmt.Sprintf("cache: %s extent has no logical address", eb.typ))
	}
	eb.laddr = la
}

func (eb *extentBase) Length() store.SegmentOff {
	return store.SegmentOff(len(eb.buf))
}

func (eb *extentBase) State() ExtentState {
	return eb.state
}

func (eb *extentBase) Version() uint32 {
	return eb.version
}

func (eb *extentBase) Buffer() []byte {
	return eb.buf
}

func (eb *extentBase) Checksum() store.Checksum {
	return store.CRC32C(eb.buf)
}

func (eb *extentBase) String() string {
	return fmt.Sprintf("extent(%s %s laddr %d len %d ver %d %s)", eb.typ, eb.paddr, eb.laddr,
		len(eb.buf), eb.version, eb.state)
}

func (eb *extentBase) base() *extentBase {
	return eb
}

// mutable panics unless the extent is privately owned by a transaction; the
// buffer of a published extent is shared and must never change in place.
func (eb *extentBase) mutable() {
	if eb.state != StateInitialWritePending && eb.state != StateMutationPending {
		panic(fmt.Sprintf("cache: mutating %s extent %s", eb.state, eb.paddr))
	}
}

// recordOp appends an encoded mutation op to the pending delta if this
// extent is a copy-on-write duplicate. Fresh extents commit their whole
// buffer, so they carry no delta.
func (eb *extentBase) recordOp(fn func(buf []byte) []byte) {
	if eb.state == StateMutationPending {
		eb.delta = fn(eb.delta)
	}
}

func (eb *extentBase) setIOPending() {
	eb.ioMutex.Lock()
	if eb.ioDone != nil {
		eb.ioMutex.Unlock()
		panic(fmt.Sprintf("cache: extent %s already has io pending", eb.paddr))
	}
	eb.ioDone = make(chan struct{})
	eb.ioMutex.Unlock()
}

func (eb *extentBase) completeIO() {
	eb.ioMutex.Lock()
	done := eb.ioDone
	eb.ioDone = nil
	eb.ioMutex.Unlock()
	if done != nil {
		close(done)
	}
}

func (eb *extentBase) WaitIO(ctx context.Context) error {
	eb.ioMutex.Lock()
	done := eb.ioDone
	eb.ioMutex.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	extentVariants = map[store.ExtentType]func() Extent{
		store.TypeRoot:      func() Extent { return &RootBlock{} },
		store.TypeIndexNode: func() Extent { return &IndexNode{} },
		store.TypeLeafNode:  func() Extent { return &LeafNode{} },
		store.TypeDataBlock: func() Extent { return &DataBlock{} },
	}
)

// registerExtentType adds a concrete extent variant for typ; it may only be
// called before any cache is in use.
func registerExtentType(typ store.ExtentType, fn func() Extent) {
	if _, ok := extentVariants[typ]; ok {
		panic(fmt.Sprintf("cache: extent type %s registered twice", typ))
	}
	extentVariants[typ] = fn
}

func makeExtent(typ store.ExtentType, buf []byte) (Extent, error) {
	fn, ok := extentVariants[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrBadExtentType, uint8(typ))
	}

	ext := fn()
	eb := ext.base()
	eb.typ = typ
	eb.paddr = store.PaddrNull
	eb.laddr = store.LaddrNull
	eb.buf = buf
	return ext, nil
}

// duplicate makes a transaction private copy of ext for mutation: same
// address and version, a newly owned buffer, MutationPending state.
func duplicate(ext Extent) Extent {
	dup := ext.newDuplicate()
	eb := ext.base()
	deb := dup.base()
	deb.typ = eb.typ
	deb.paddr = eb.paddr
	deb.laddr = eb.laddr
	deb.buf = append(make([]byte, 0, len(eb.buf)), eb.buf...)
	deb.state = StateMutationPending
	deb.version = eb.version
	deb.committedCrc = eb.committedCrc
	return dup
}
