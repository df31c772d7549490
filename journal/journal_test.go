package journal_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/logstore/device"
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
	return testutil.SetupLogger(filepath.Join("testdata", "journal_test.log"))
}

func makeTestDevice(t *testing.T, cfg device.Config) device.Device {
	t.Helper()

	dev, err := device.MakeMemoryDevice(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func makeJournal(dev device.Device, logger *log.Logger) *journal.Journal {
	return journal.MakeJournal(dev, logger, journal.MakeSequentialProvider(dev.Config()))
}

func fillBlock(b byte, blockSize int) store.Block {
	data := make([]byte, blockSize)
	for idx := range data {
		data[idx] = b + byte(idx%63)
	}
	return store.Block{Data: data}
}

func testDelta(n int) store.Delta {
	return store.Delta{
		Type:          store.TypeDataBlock,
		Paddr:         store.Paddr{Segment: 0, Offset: store.SegmentOff(n * 4096)},
		Laddr:         store.Laddr(n),
		PrevChecksum:  store.Checksum(n + 1),
		FinalChecksum: store.Checksum(n + 2),
		Length:        4096,
		PrevVersion:   uint32(n),
		Payload:       []byte{byte(n), byte(n + 1), byte(n + 2)},
	}
}

type replayed struct {
	recordStart store.Paddr
	delta       store.Delta
}

func replayAll(t *testing.T, ctx context.Context, jrnl *journal.Journal) []replayed {
	t.Helper()

	var got []replayed
	err := jrnl.Open(ctx,
		func(recordStart store.Paddr, d store.Delta) error {
			got = append(got, replayed{recordStart: recordStart, delta: d})
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestCreateSubmitReplay(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t, device.DefaultTestConfig)
	blockSize := dev.Config().BlockSize

	jrnl := makeJournal(dev, logger)
	if _, err := jrnl.SubmitRecord(ctx, &store.Record{}); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("SubmitRecord before Create got %v want ErrClosed", err)
	}
	err := jrnl.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	storeID := jrnl.StoreID()
	if storeID == (uuid.UUID{}) {
		t.Error("StoreID() is zero after Create")
	}

	records := []*store.Record{
		{
			Blocks: []store.Block{fillBlock(1, blockSize)},
			Deltas: []store.Delta{testDelta(0)},
		},
		{
			Blocks: []store.Block{fillBlock(2, blockSize), fillBlock(3, blockSize)},
			Deltas: []store.Delta{testDelta(1), testDelta(2)},
		},
		{
			Deltas: []store.Delta{testDelta(3)},
		},
	}

	var starts []store.Paddr
	for _, rec := range records {
		start, err := jrnl.SubmitRecord(ctx, rec)
		if err != nil {
			t.Fatal(err)
		}
		starts = append(starts, start)
	}

	// The first record's metadata follows the segment header; its data
	// area starts one block later.
	want := store.Paddr{Segment: 0, Offset: store.SegmentOff(2 * blockSize)}
	if starts[0] != want {
		t.Errorf("first record start got %s want %s", starts[0], want)
	}

	// Fresh blocks are readable at the data area address.
	for idx, rec := range records {
		off := store.SegmentOff(0)
		for _, blk := range rec.Blocks {
			buf, err := dev.Read(ctx, starts[idx].Add(off), len(blk.Data))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf, blk.Data) {
				t.Errorf("record %d block at +%d does not match what was submitted", idx, off)
			}
			off += store.SegmentOff(len(blk.Data))
		}
	}

	err = jrnl.Close()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = jrnl.SubmitRecord(ctx, &store.Record{}); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("SubmitRecord after Close got %v want ErrClosed", err)
	}

	jrnl2 := makeJournal(dev, logger)
	got := replayAll(t, ctx, jrnl2)
	if jrnl2.StoreID() != storeID {
		t.Errorf("StoreID() after Open got %s want %s", jrnl2.StoreID(), storeID)
	}

	var want2 []replayed
	for idx, rec := range records {
		for _, d := range rec.Deltas {
			want2 = append(want2, replayed{recordStart: starts[idx], delta: d})
		}
	}
	if len(got) != len(want2) {
		t.Fatalf("replayed %d deltas want %d", len(got), len(want2))
	}
	for idx := range got {
		if got[idx].recordStart != want2[idx].recordStart {
			t.Errorf("delta %d record start got %s want %s", idx, got[idx].recordStart,
				want2[idx].recordStart)
		}
		if !got[idx].delta.Equal(want2[idx].delta) {
			t.Errorf("delta %d got %s want %s", idx, got[idx].delta, want2[idx].delta)
		}
	}

	// The reopened journal appends after the replayed records.
	start, err := jrnl2.SubmitRecord(ctx,
		&store.Record{Deltas: []store.Delta{testDelta(4)}})
	if err != nil {
		t.Fatal(err)
	}
	err = jrnl2.Close()
	if err != nil {
		t.Fatal(err)
	}

	jrnl3 := makeJournal(dev, logger)
	got = replayAll(t, ctx, jrnl3)
	if len(got) != len(want2)+1 {
		t.Fatalf("replayed %d deltas want %d", len(got), len(want2)+1)
	}
	last := got[len(got)-1]
	if last.recordStart != start || !last.delta.Equal(testDelta(4)) {
		t.Errorf("last delta got %s at %s", last.delta, last.recordStart)
	}
}

func TestOpenEmpty(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t, device.DefaultTestConfig)

	jrnl := makeJournal(dev, logger)
	err := jrnl.Open(ctx,
		func(recordStart store.Paddr, d store.Delta) error {
			t.Error("replayed a delta from an empty device")
			return nil
		})
	if !errors.Is(err, journal.ErrNotJournal) {
		t.Errorf("Open of an empty device got %v want ErrNotJournal", err)
	}
}

func TestCreateTwice(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t, device.DefaultTestConfig)

	jrnl := makeJournal(dev, logger)
	err := jrnl.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = jrnl.Close()
	if err != nil {
		t.Fatal(err)
	}

	jrnl2 := makeJournal(dev, logger)
	if err := jrnl2.Create(ctx); err == nil {
		t.Error("Create on a device already holding a journal did not fail")
	}
}

func TestReplayStopsAtCorruption(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	dev := makeTestDevice(t, device.DefaultTestConfig)
	blockSize := dev.Config().BlockSize

	jrnl := makeJournal(dev, logger)
	err := jrnl.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var starts []store.Paddr
	for n := 0; n < 3; n++ {
		start, err := jrnl.SubmitRecord(ctx,
			&store.Record{Deltas: []store.Delta{testDelta(n)}})
		if err != nil {
			t.Fatal(err)
		}
		starts = append(starts, start)
	}
	err = jrnl.Close()
	if err != nil {
		t.Fatal(err)
	}

	// Clobber the second record's metadata block; replay must deliver
	// only the first record and treat the rest as the end of the log.
	seg, err := dev.Open(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, blockSize)
	for idx := range garbage {
		garbage[idx] = 0x5a
	}
	err = seg.Write(ctx, starts[1].Offset-store.SegmentOff(blockSize), garbage)
	if err != nil {
		t.Fatal(err)
	}
	err = seg.Close()
	if err != nil {
		t.Fatal(err)
	}
	err = dev.Release(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	jrnl2 := makeJournal(dev, logger)
	got := replayAll(t, ctx, jrnl2)
	if len(got) != 1 {
		t.Fatalf("replayed %d deltas want 1", len(got))
	}
	if !got[0].delta.Equal(testDelta(0)) {
		t.Errorf("delta got %s want %s", got[0].delta, testDelta(0))
	}
}

func TestSegmentRolling(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	cfg := device.Config{Size: 1 << 20, SegmentSize: 64 << 10, BlockSize: 4 << 10}
	dev := makeTestDevice(t, cfg)

	jrnl := makeJournal(dev, logger)
	err := jrnl.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Each record takes one metadata block and four data blocks; a 64KiB
	// segment holds three of them after its header, so forty records span
	// many segments.
	const count = 40
	var starts []store.Paddr
	for n := 0; n < count; n++ {
		rec := store.Record{
			Blocks: []store.Block{fillBlock(byte(n), 4*cfg.BlockSize)},
			Deltas: []store.Delta{testDelta(n)},
		}
		start, err := jrnl.SubmitRecord(ctx, &rec)
		if err != nil {
			t.Fatal(err)
		}
		starts = append(starts, start)
	}
	if starts[0].Segment == starts[count-1].Segment {
		t.Fatal("records did not span multiple segments")
	}
	err = jrnl.Close()
	if err != nil {
		t.Fatal(err)
	}

	jrnl2 := makeJournal(dev, logger)
	got := replayAll(t, ctx, jrnl2)
	if len(got) != count {
		t.Fatalf("replayed %d deltas want %d", len(got), count)
	}
	for n := range got {
		if got[n].recordStart != starts[n] {
			t.Errorf("delta %d record start got %s want %s", n, got[n].recordStart, starts[n])
		}
		if !got[n].delta.Equal(testDelta(n)) {
			t.Errorf("delta %d got %s want %s", n, got[n].delta, testDelta(n))
		}
	}
}

func TestRecordTooLarge(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)
	cfg := device.Config{Size: 1 << 20, SegmentSize: 64 << 10, BlockSize: 4 << 10}
	dev := makeTestDevice(t, cfg)

	jrnl := makeJournal(dev, logger)
	err := jrnl.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	rec := store.Record{Blocks: []store.Block{fillBlock(1, cfg.SegmentSize)}}
	if _, err := jrnl.SubmitRecord(ctx, &rec); !errors.Is(err, journal.ErrRecordTooLarge) {
		t.Errorf("SubmitRecord got %v want ErrRecordTooLarge", err)
	}
}
