package engine_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/logstore/cache"
	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/engine"
	"github.com/leftmike/logstore/journal"
	"github.com/leftmike/logstore/store"
	"github.com/leftmike/logstore/testutil"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()

	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}
	return testutil.SetupLogger(filepath.Join("testdata", "engine_test.log"))
}

func makeTestDevice(t *testing.T) device.Device {
	t.Helper()

	dev, err := device.MakeMemoryDevice(device.DefaultTestConfig)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func commit(t *testing.T, ctx context.Context, s *engine.Store, txn *cache.Transaction) {
	t.Helper()

	ok, err := s.Commit(ctx, txn)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("commit conflicted")
	}
}

func TestMkFSMountRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t)
	blockSize := store.SegmentOff(dev.Config().BlockSize)

	s, err := engine.MkFS(ctx, dev, logger)
	if err != nil {
		t.Fatal(err)
	}
	storeID := s.StoreID()
	c := s.Cache()

	// Two data blocks first; their final addresses are known after commit.
	txn := s.Begin()
	data1, err := c.AllocExtent(txn, store.TypeDataBlock, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	data1.SetLaddr(10)
	data1.(*cache.DataBlock).SetBytes(0, []byte("first data block"))
	data2, err := c.AllocExtent(txn, store.TypeDataBlock, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	data2.SetLaddr(20)
	data2.(*cache.DataBlock).SetBytes(0, []byte("second data block"))
	commit(t, ctx, s, txn)

	if data1.State() != cache.StateClean || data1.Paddr().IsRelative() {
		t.Fatalf("data1 %s after commit", data1)
	}

	// A leaf mapping both blocks.
	txn = s.Begin()
	leafExt, err := c.AllocExtent(txn, store.TypeLeafNode, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	leaf := leafExt.(*cache.LeafNode)
	err = leaf.Insert(10, data1.Paddr())
	if err != nil {
		t.Fatal(err)
	}
	err = leaf.Insert(20, data2.Paddr())
	if err != nil {
		t.Fatal(err)
	}
	commit(t, ctx, s, txn)

	// Point the root at the leaf and overwrite part of a data block.
	txn = s.Begin()
	root := c.DuplicateForWrite(txn, c.GetRoot(txn)).(*cache.RootBlock)
	root.SetRoot(leaf.Paddr(), 1)
	ext, err := c.GetExtent(ctx, txn, store.TypeDataBlock, data1.Paddr(), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if ext != data1 {
		t.Fatal("GetExtent did not return the cached data block")
	}
	dup := c.DuplicateForWrite(txn, ext).(*cache.DataBlock)
	dup.SetBytes(0, []byte("FIRST"))
	commit(t, ctx, s, txn)

	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.Commit(ctx, s.Begin()); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Commit after Close got %v want ErrClosed", err)
	}

	// Mount rebuilds the same state from the journal.
	s2, err := engine.Mount(ctx, dev, logger)
	if err != nil {
		t.Fatal(err)
	}
	if s2.StoreID() != storeID {
		t.Errorf("StoreID() after Mount got %s want %s", s2.StoreID(), storeID)
	}
	c2 := s2.Cache()

	txn = s2.Begin()
	rootPa, depth := c2.GetRoot(txn).Root()
	if rootPa != leaf.Paddr() || depth != 1 {
		t.Fatalf("root got %s depth %d want %s depth 1", rootPa, depth, leaf.Paddr())
	}
	leafExt, err = c2.GetExtent(ctx, txn, store.TypeLeafNode, rootPa, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	pa, ok := leafExt.(*cache.LeafNode).Lookup(10, true)
	if !ok || pa != data1.Paddr() {
		t.Fatalf("leaf lookup of 10 got %s, %t", pa, ok)
	}
	ext, err = c2.GetExtent(ctx, txn, store.TypeDataBlock, pa, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("FIRST data block")
	if !bytes.Equal(ext.Buffer()[:len(want)], want) {
		t.Errorf("data block got %q want %q", ext.Buffer()[:len(want)], want)
	}
	if ext.State() != cache.StateDirty {
		t.Errorf("replayed data block state got %s want %s", ext.State(), cache.StateDirty)
	}

	dirty := 0
	err = c2.ForEachDirty(
		func(ext cache.Extent) error {
			dirty += 1
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	// The replayed root mutations and the replayed data block delta.
	if dirty < 2 {
		t.Errorf("dirty extents after mount got %d want at least 2", dirty)
	}

	err = s2.Close()
	if err != nil {
		t.Fatal(err)
	}
}

func TestCommitConflict(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t)

	s, err := engine.MkFS(ctx, dev, logger)
	if err != nil {
		t.Fatal(err)
	}
	c := s.Cache()

	txn1 := s.Begin()
	root1 := c.DuplicateForWrite(txn1, c.GetRoot(txn1)).(*cache.RootBlock)
	txn2 := s.Begin()
	root2 := c.DuplicateForWrite(txn2, c.GetRoot(txn2)).(*cache.RootBlock)

	root1.SetRoot(store.Paddr{Segment: 1, Offset: 0}, 1)
	commit(t, ctx, s, txn1)

	root2.SetRoot(store.Paddr{Segment: 2, Offset: 0}, 1)
	ok, err := s.Commit(ctx, txn2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("conflicting commit succeeded")
	}

	// Retry sees the winner's root.
	txn3 := s.Begin()
	pa, _ := c.GetRoot(txn3).Root()
	if pa != (store.Paddr{Segment: 1, Offset: 0}) {
		t.Errorf("root after conflict got %s", pa)
	}

	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}
}

func TestMountEmptyDevice(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t)

	if _, err := engine.Mount(ctx, dev, logger); !errors.Is(err, journal.ErrNotJournal) {
		t.Errorf("Mount of an empty device got %v want ErrNotJournal", err)
	}
}

func TestMkFSTwice(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t)

	s, err := engine.MkFS(ctx, dev, logger)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.MkFS(ctx, dev, logger); err == nil {
		t.Error("MkFS on a device already holding a store did not fail")
	}
}
