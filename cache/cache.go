package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/store"
)

var (
	// ErrCorrupt means an extent or delta failed a checksum, decode, or
	// sequencing check; the path encountering it must halt rather than
	// build further state on bytes whose true content is unknown.
	ErrCorrupt = errors.New("cache: corrupt extent")
)

// ReadValidator, if set, cross-checks every extent loaded from the device,
// typically against checksums carried by the mapping layer above the cache.
type ReadValidator func(ext Extent) error

// Cache owns the shared extent index and the dirty list, and orchestrates
// the transaction lifecycle: begin, populate, validate and construct a
// record, and complete once the record is durable.
type Cache struct {
	dev          device.Device
	logger       *log.Logger
	validateRead ReadValidator

	mutex  sync.Mutex
	index  *extentIndex
	dirty  []Extent
	root   *RootBlock
	closed bool
}

func MakeCache(dev device.Device, logger *log.Logger) *Cache {
	registerCacheMetrics()

	root := makeRootBlock(dev.Config().BlockSize)
	root.committedCrc = store.CRC32C(root.buf)
	return &Cache{
		dev:    dev,
		logger: logger,
		index:  makeExtentIndex(),
		root:   root,
	}
}

// SetReadValidator installs fn as the load time cross-check; it must be set
// before any extents are fetched.
func (c *Cache) SetReadValidator(fn ReadValidator) {
	c.validateRead = fn
}

func (c *Cache) Begin() *Transaction {
	return makeTransaction(c)
}

// GetRoot returns the root block as observed by t; within a transaction the
// reference is stable, and it is the transaction's own duplicate once the
// transaction has mutated the root.
func (c *Cache) GetRoot(t *Transaction) *RootBlock {
	c.mutex.Lock()
	root := c.root
	c.mutex.Unlock()

	if t == nil {
		return root
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.root != nil {
		return t.root
	}
	if t.readRoot == nil {
		t.readRoot = root
	}
	return t.readRoot
}

// GetExtent returns the extent of the given type at pa, fetching it from the
// transaction's own sets, the shared index, or the device, in that order. On
// a device load the placeholder is index visible before the read is issued,
// so concurrent fetches of the same address coalesce onto one read. The
// returned reference is stable for the life of t until t itself supersedes
// it.
func (c *Cache) GetExtent(ctx context.Context, t *Transaction, typ store.ExtentType,
	pa store.Paddr, length store.SegmentOff) (Extent, error) {

	if !typ.Valid() || typ == store.TypeRoot {
		return nil, fmt.Errorf("cache: get extent of type %s", typ)
	}
	if pa.IsRelative() || pa.IsNull() {
		return nil, fmt.Errorf("cache: get extent at %s", pa)
	}

	if t != nil {
		if ext, ok := t.lookupLocal(pa); ok {
			cacheExtentReadsLocal.Inc()
			return ext, nil
		}
	}

	for {
		c.mutex.Lock()
		if c.closed {
			c.mutex.Unlock()
			return nil, errors.New("cache: closed")
		}
		ext := c.index.lookup(pa)
		if ext == nil {
			ext, err := c.loadExtent(ctx, typ, pa, length)
			if err != nil {
				return nil, err
			}
			if t != nil {
				t.observeRead(ext)
			}
			return ext, nil
		}
		pending := ext.base().ioDone != nil
		c.mutex.Unlock()

		if ext.Type() != typ {
			return nil, fmt.Errorf("%w: extent at %s is %s not %s", ErrCorrupt, pa, ext.Type(),
				typ)
		}
		if ext.Length() != length {
			return nil, fmt.Errorf("%w: extent at %s is %d bytes not %d", ErrCorrupt, pa,
				ext.Length(), length)
		}

		if pending {
			cacheExtentReadsCoalesced.Inc()
			err := ext.WaitIO(ctx)
			if err != nil {
				return nil, err
			}
			if ext.State() == StateInvalid {
				// The load this fetch coalesced onto failed; retry.
				continue
			}
		} else {
			cacheExtentReadsHit.Inc()
		}

		if t != nil {
			t.observeRead(ext)
		}
		return ext, nil
	}
}

// loadExtent is the miss path of GetExtent; it is entered holding the cache
// mutex and returns not holding it.
func (c *Cache) loadExtent(ctx context.Context, typ store.ExtentType, pa store.Paddr,
	length store.SegmentOff) (Extent, error) {

	ext, err := makeExtent(typ, make([]byte, length))
	if err != nil {
		c.mutex.Unlock()
		return nil, err
	}
	eb := ext.base()
	eb.paddr = pa
	eb.state = StateClean
	eb.setIOPending()
	c.index.insert(ext)
	c.mutex.Unlock()

	cacheExtentReadsMiss.Inc()

	buf, err := c.dev.Read(ctx, pa, int(length))
	if err == nil {
		copy(eb.buf, buf)
		eb.committedCrc = store.CRC32C(eb.buf)
		if c.validateRead != nil {
			verr := c.validateRead(ext)
			if verr != nil {
				err = fmt.Errorf("%w: extent at %s: %s", ErrCorrupt, pa, verr)
			}
		}
	}
	if err != nil {
		c.mutex.Lock()
		c.index.remove(pa)
		eb.state = StateInvalid
		c.mutex.Unlock()
		eb.completeIO()

		c.logger.WithFields(log.Fields{"paddr": pa.String(), "type": typ.String()}).
			WithError(err).Warn("extent load failed")
		return nil, err
	}

	eb.completeIO()
	return ext, nil
}

// ExtentFetch names one extent for GetExtents.
type ExtentFetch struct {
	Type   store.ExtentType
	Paddr  store.Paddr
	Length store.SegmentOff
}

// GetExtents fetches every named extent, returning them in input order; it
// fails as a whole if any single fetch fails.
func (c *Cache) GetExtents(ctx context.Context, t *Transaction,
	fetches []ExtentFetch) ([]Extent, error) {

	exts := make([]Extent, len(fetches))
	group, ctx := errgroup.WithContext(ctx)
	for idx := range fetches {
		idx := idx
		group.Go(
			func() error {
				ext, err := c.GetExtent(ctx, t, fetches[idx].Type, fetches[idx].Paddr,
					fetches[idx].Length)
				if err != nil {
					return err
				}
				exts[idx] = ext
				return nil
			})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}
	return exts, nil
}

// AllocExtent constructs a new zeroed extent with a placeholder address in
// t's fresh set; no device io happens until the transaction commits.
func (c *Cache) AllocExtent(t *Transaction, typ store.ExtentType,
	length store.SegmentOff) (Extent, error) {

	if !typ.Valid() || typ == store.TypeRoot {
		return nil, fmt.Errorf("cache: allocate extent of type %s", typ)
	}
	blockSize := store.SegmentOff(c.dev.Config().BlockSize)
	if length <= 0 || length%blockSize != 0 {
		return nil, fmt.Errorf("cache: allocate extent of %d bytes, block size %d", length,
			blockSize)
	}

	ext, err := makeExtent(typ, make([]byte, length))
	if err != nil {
		return nil, err
	}
	ext.base().state = StateInitialWritePending
	t.registerFresh(ext)
	return ext, nil
}

// DuplicateForWrite returns the extent to mutate in place of ext: ext itself
// if it is already pending within t, or a private copy-on-write duplicate
// registered in t's mutated set. The original stays in the read set as the
// conflict detection witness.
func (c *Cache) DuplicateForWrite(t *Transaction, ext Extent) Extent {
	eb := ext.base()
	if eb.typ == store.TypeRoot {
		return c.duplicateRoot(t, ext.(*RootBlock))
	}
	if eb.state == StateInitialWritePending || eb.state == StateMutationPending {
		return ext
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	pa := eb.paddr
	if prev, ok := t.readSet[pa]; !ok || prev != ext {
		panic(fmt.Sprintf("cache: duplicating unobserved extent %s", pa))
	}
	if dup, ok := t.mutIdx[pa]; ok {
		return dup
	}
	if _, ok := t.retired[pa]; ok {
		panic(fmt.Sprintf("cache: %s already retired by this transaction", pa))
	}

	dup := duplicate(ext)
	t.mutated = append(t.mutated, dup)
	t.mutIdx[pa] = dup

	// The original leaves the index when the duplicate is published.
	t.retired[pa] = ext
	return dup
}

func (c *Cache) duplicateRoot(t *Transaction, root *RootBlock) *RootBlock {
	if root.state == StateMutationPending {
		return root
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.root != nil {
		return t.root
	}
	if t.readRoot == nil {
		t.readRoot = root
	} else if t.readRoot != root {
		panic("cache: transaction observed two root blocks")
	}
	t.root = duplicate(root).(*RootBlock)
	return t.root
}

// InitRoot prepares the root for a freshly formatted store: the initial
// record carries a whole buffer root delta which recovery replays before
// anything else.
func (c *Cache) InitRoot(t *Transaction) *RootBlock {
	root := c.DuplicateForWrite(t, c.GetRoot(t)).(*RootBlock)
	root.SetRoot(store.PaddrNull, 0)
	return root
}

// RetireExtent registers ext for removal from the shared index when t
// commits. Retiring an invalid or pending extent, or one this transaction
// already retired or mutated, is a logic error.
func (c *Cache) RetireExtent(t *Transaction, ext Extent) {
	t.observeRead(ext)
	t.registerRetired(ext)
}

// RetireExtentIfCached retires the extent at pa if the shared index has one;
// an absent address is a no-op.
func (c *Cache) RetireExtentIfCached(ctx context.Context, t *Transaction,
	pa store.Paddr) (Extent, error) {

	if ext, ok := t.lookupLocal(pa); ok {
		t.registerRetired(ext)
		return ext, nil
	}

	for {
		c.mutex.Lock()
		ext := c.index.lookup(pa)
		pending := ext != nil && ext.base().ioDone != nil
		c.mutex.Unlock()

		if ext == nil {
			return nil, nil
		}
		if pending {
			err := ext.WaitIO(ctx)
			if err != nil {
				return nil, err
			}
			if ext.State() == StateInvalid {
				continue
			}
		}

		t.observeRead(ext)
		t.registerRetired(ext)
		return ext, nil
	}
}

// TryConstructRecord is the concurrency control gate. It validates that the
// shared index still maps every address in t's read set to the identical
// extent t observed; on a conflict it returns a nil record and touches no
// shared state, and the caller must discard t and retry from scratch. On
// success it returns the record to append: one block per fresh extent, one
// delta per mutated extent, addresses still placeholders. The shared index
// is not changed until CompleteCommit.
func (c *Cache) TryConstructRecord(t *Transaction) (*store.Record, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if t.readRoot != nil && t.readRoot != c.root {
		cacheCommitsConflicted.Inc()
		c.logger.Debug("transaction conflicted on root")
		return nil, nil
	}
	for pa, ext := range t.readSet {
		if c.index.lookup(pa) != ext {
			cacheCommitsConflicted.Inc()
			c.logger.WithField("paddr", pa.String()).Debug("transaction conflicted")
			return nil, nil
		}
	}

	if t.root != nil && len(t.root.delta) == 0 {
		// A duplicate was taken but never mutated; drop it.
		t.root = nil
	}

	var rec store.Record
	for _, ext := range t.fresh {
		eb := ext.base()
		eb.setIOPending()
		rec.Blocks = append(rec.Blocks, store.Block{Data: eb.buf})
	}
	for _, ext := range t.mutated {
		eb := ext.base()
		eb.setIOPending()
		rec.Deltas = append(rec.Deltas, store.Delta{
			Type:          eb.typ,
			Paddr:         eb.paddr,
			Laddr:         eb.laddr,
			PrevChecksum:  eb.committedCrc,
			FinalChecksum: store.CRC32C(eb.buf),
			Length:        eb.Length(),
			PrevVersion:   eb.version,
			Payload:       eb.delta,
		})
	}
	if t.root != nil {
		eb := &t.root.extentBase
		rec.Deltas = append(rec.Deltas, store.Delta{
			Type:          store.TypeRoot,
			Paddr:         store.PaddrNull,
			Laddr:         store.LaddrNull,
			PrevChecksum:  eb.committedCrc,
			FinalChecksum: store.CRC32C(eb.buf),
			Length:        eb.Length(),
			PrevVersion:   eb.version,
			Payload:       eb.delta,
		})
	}
	return &rec, nil
}

// CompleteCommit publishes t's effects once the caller has confirmed its
// record is durable at recordStart: final addresses are resolved, retired
// extents leave the shared index, and fresh and mutated extents become index
// visible, all in one critical section.
func (c *Cache) CompleteCommit(t *Transaction, recordStart store.Paddr) {
	if recordStart.IsRelative() || recordStart.IsNull() {
		panic(fmt.Sprintf("cache: complete commit at %s", recordStart))
	}

	t.mutex.Lock()
	c.mutex.Lock()

	for pa, ext := range t.retired {
		if cur := c.index.remove(pa); cur != ext {
			panic(fmt.Sprintf("cache: retired extent at %s changed under commit", pa))
		}
		ext.base().state = StateInvalid
	}
	for _, ext := range t.fresh {
		eb := ext.base()
		eb.paddr = recordStart.AddRelative(eb.paddr)
		eb.committedCrc = store.CRC32C(eb.buf)
		eb.state = StateClean
		c.index.insert(ext)
	}
	for _, ext := range t.mutated {
		eb := ext.base()
		eb.version += 1
		eb.committedCrc = store.CRC32C(eb.buf)
		eb.delta = nil
		eb.state = StateDirty
		c.index.insert(ext)
		c.addDirty(ext)
	}
	if t.root != nil {
		eb := &t.root.extentBase
		eb.version += 1
		eb.committedCrc = store.CRC32C(eb.buf)
		eb.delta = nil
		eb.state = StateDirty
		c.root = t.root
		c.addDirty(t.root)
	}
	cacheDirtyExtents.Set(float64(len(c.dirty)))
	c.mutex.Unlock()

	for _, ext := range t.fresh {
		ext.base().completeIO()
	}
	for _, ext := range t.mutated {
		ext.base().completeIO()
	}
	t.mutex.Unlock()

	cacheCommitsCommitted.Inc()
}

// addDirty requires the cache mutex.
func (c *Cache) addDirty(ext Extent) {
	eb := ext.base()
	if !eb.onDirty {
		eb.onDirty = true
		c.dirty = append(c.dirty, ext)
	}
}

// ReplayDelta applies one decoded delta during recovery, outside the normal
// transaction flow. Deltas must arrive in log order; an out-of-order or
// already applied delta fails with ErrCorrupt, as does any checksum
// mismatch.
func (c *Cache) ReplayDelta(ctx context.Context, recordStart store.Paddr,
	d store.Delta) error {

	var ext Extent
	if d.Type == store.TypeRoot {
		c.mutex.Lock()
		ext = c.root
		c.mutex.Unlock()
	} else {
		pa := d.Paddr
		if pa.IsRecordRelative() {
			pa = recordStart.AddRelative(pa)
		}

		var err error
		ext, err = c.GetExtent(ctx, nil, d.Type, pa, d.Length)
		if err != nil {
			return err
		}
	}

	eb := ext.base()
	if eb.version != d.PrevVersion {
		return fmt.Errorf("%w: delta for %s at version %d, extent at %d", ErrCorrupt,
			eb.paddr, d.PrevVersion, eb.version)
	}
	if ext.Checksum() != d.PrevChecksum {
		return fmt.Errorf("%w: delta for %s prev checksum %#x, extent %#x", ErrCorrupt,
			eb.paddr, d.PrevChecksum, ext.Checksum())
	}

	err := ext.applyDelta(d.Payload)
	if err != nil {
		return err
	}
	eb.version += 1
	if ext.Checksum() != d.FinalChecksum {
		return fmt.Errorf("%w: delta for %s final checksum %#x, extent %#x", ErrCorrupt,
			eb.paddr, d.FinalChecksum, ext.Checksum())
	}
	eb.committedCrc = d.FinalChecksum

	c.mutex.Lock()
	eb.state = StateDirty
	c.addDirty(ext)
	cacheDirtyExtents.Set(float64(len(c.dirty)))
	c.mutex.Unlock()

	cacheDeltasReplayed.Inc()
	return nil
}

// ForEachDirty calls fn for every dirty extent; a higher mapping layer uses
// it to re-derive its state after recovery. Extents retired since they were
// dirtied are dropped.
func (c *Cache) ForEachDirty(fn func(ext Extent) error) error {
	c.mutex.Lock()
	live := c.dirty[:0]
	for _, ext := range c.dirty {
		if ext.State() == StateInvalid {
			ext.base().onDirty = false
			continue
		}
		live = append(live, ext)
	}
	c.dirty = live
	dirty := append([]Extent(nil), live...)
	cacheDirtyExtents.Set(float64(len(c.dirty)))
	c.mutex.Unlock()

	for _, ext := range dirty {
		err := fn(ext)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errors.New("cache: closed")
	}
	c.closed = true
	c.index = makeExtentIndex()
	c.dirty = nil
	return nil
}
