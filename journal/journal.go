package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/store"
)

var (
	ErrClosed         = errors.New("journal: closed")
	ErrNotJournal     = errors.New("journal: no journal found on device")
	ErrRecordTooLarge = errors.New("journal: record too large for one segment")
	ErrOutOfSegments  = errors.New("journal: out of segments")
)

// SegmentProvider chooses the next segment for the journal to append to;
// after is the segment the journal just filled, or the null segment id for a
// fresh journal.
type SegmentProvider interface {
	NextSegment(ctx context.Context, after store.SegmentID) (store.SegmentID, error)
}

type sequentialProvider struct {
	num store.SegmentID
}

// MakeSequentialProvider returns a provider that hands out device segments
// in order and fails when they run out; reclaiming cleaned segments is the
// business of a layer above the journal.
func MakeSequentialProvider(cfg device.Config) SegmentProvider {
	return sequentialProvider{num: cfg.NumSegments()}
}

func (sp sequentialProvider) NextSegment(ctx context.Context,
	after store.SegmentID) (store.SegmentID, error) {

	var id store.SegmentID
	if after != store.NullSegmentID {
		id = after + 1
	}
	if id >= sp.num {
		return store.NullSegmentID, fmt.Errorf("%w: %d segments", ErrOutOfSegments, sp.num)
	}
	return id, nil
}

// ReplayFn receives every delta of every durable record in log order;
// recordStart is the address of the record's data area, against which record
// relative delta addresses resolve.
type ReplayFn func(recordStart store.Paddr, d store.Delta) error

// Journal turns records into durable appends on a segmented device. Each
// journal segment begins with a header naming the store and the segment's
// position in the log; records follow, block aligned, each led by its
// metadata area (header plus encoded deltas) and trailed by its data blocks.
type Journal struct {
	dev      device.Device
	logger   *log.Logger
	provider SegmentProvider

	mutex   sync.Mutex
	storeID uuid.UUID
	seg     device.Segment
	segSeq  uint64
	recSeq  uint64
	off     store.SegmentOff
	closed  bool
}

func MakeJournal(dev device.Device, logger *log.Logger, provider SegmentProvider) *Journal {
	return &Journal{
		dev:      dev,
		logger:   logger,
		provider: provider,
	}
}

// StoreID identifies the store this journal belongs to; it is generated by
// Create and recovered from the segment headers by Open.
func (j *Journal) StoreID() uuid.UUID {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return j.storeID
}

// Create starts a fresh journal with a new store identity; the device must
// not already hold one.
func (j *Journal) Create(ctx context.Context) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.seg != nil || j.closed {
		return ErrClosed
	}

	segs, err := j.scanSegments(ctx)
	if err != nil {
		return err
	}
	if len(segs) > 0 {
		return fmt.Errorf("journal: device already holds journal of store %s",
			segs[0].storeID)
	}

	j.storeID = uuid.New()
	return j.rollSegment(ctx, store.NullSegmentID)
}

// Open finds the journal on the device, replays every durable record
// through fn in log order, and positions the journal to append after the
// last one.
func (j *Journal) Open(ctx context.Context, fn ReplayFn) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.seg != nil || j.closed {
		return ErrClosed
	}

	segs, err := j.scanSegments(ctx)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return ErrNotJournal
	}
	j.storeID = segs[0].storeID

	// Segments may end with slack where a record did not fit; the record
	// sequence ties the log together across them.
	var end store.SegmentOff
	for _, sh := range segs {
		var err error
		end, err = j.replaySegment(ctx, sh, fn)
		if err != nil {
			return err
		}
	}

	last := segs[len(segs)-1]
	if end+store.SegmentOff(j.dev.Config().BlockSize) >
		store.SegmentOff(j.dev.Config().SegmentSize) {

		j.segSeq = last.segSeq
		return j.rollSegment(ctx, last.id)
	}

	seg, err := j.dev.Open(ctx, last.id)
	if err != nil {
		return err
	}
	j.seg = seg
	j.segSeq = last.segSeq
	j.off = end
	return nil
}

// SubmitRecord makes rec durable and returns the address of its data area:
// the i'th fresh block of the record lives at that address plus the lengths
// of the blocks before it. It does not return until the record is synced.
func (j *Journal) SubmitRecord(ctx context.Context, rec *store.Record) (store.Paddr, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.seg == nil || j.closed {
		return store.PaddrNull, ErrClosed
	}

	blockSize := j.dev.Config().BlockSize
	md, data := encodeRecord(rec, j.recSeq+1, blockSize)
	length := store.SegmentOff(len(md) + len(data))
	if length > store.SegmentOff(j.dev.Config().SegmentSize)-store.SegmentOff(blockSize) {
		return store.PaddrNull, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, length)
	}

	if j.off+length > j.seg.Capacity() {
		err := j.seg.Close()
		if err != nil {
			return store.PaddrNull, err
		}
		err = j.rollSegment(ctx, j.seg.ID())
		if err != nil {
			return store.PaddrNull, err
		}
	}

	err := j.seg.Write(ctx, j.off, md)
	if err != nil {
		return store.PaddrNull, err
	}
	recordStart := store.Paddr{
		Segment: j.seg.ID(),
		Offset:  j.off + store.SegmentOff(len(md)),
	}
	if len(data) > 0 {
		err = j.seg.Write(ctx, recordStart.Offset, data)
		if err != nil {
			return store.PaddrNull, err
		}
	}
	err = j.dev.Sync(ctx)
	if err != nil {
		return store.PaddrNull, err
	}

	j.off += length
	j.recSeq += 1

	j.logger.WithFields(log.Fields{
		"seq":    j.recSeq,
		"start":  recordStart.String(),
		"blocks": len(rec.Blocks),
		"deltas": len(rec.Deltas),
	}).Debug("record submitted")
	return recordStart, nil
}

func (j *Journal) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.closed {
		return ErrClosed
	}
	j.closed = true
	if j.seg != nil {
		err := j.seg.Close()
		j.seg = nil
		if err != nil {
			return err
		}
	}
	return nil
}

// rollSegment requires the journal mutex.
func (j *Journal) rollSegment(ctx context.Context, after store.SegmentID) error {
	id, err := j.provider.NextSegment(ctx, after)
	if err != nil {
		return err
	}
	seg, err := j.dev.Open(ctx, id)
	if err != nil {
		return err
	}

	j.segSeq += 1
	hdr := encodeSegmentHeader(segmentHeader{
		id:      id,
		segSeq:  j.segSeq,
		storeID: j.storeID,
	}, j.dev.Config())
	err = seg.Write(ctx, 0, hdr)
	if err != nil {
		seg.Close()
		return err
	}
	err = j.dev.Sync(ctx)
	if err != nil {
		seg.Close()
		return err
	}

	j.seg = seg
	j.off = store.SegmentOff(len(hdr))
	return nil
}

// scanSegments reads every segment's first block, collecting the ones that
// carry a valid journal header for a single store, ordered by their position
// in the log.
func (j *Journal) scanSegments(ctx context.Context) ([]segmentHeader, error) {
	cfg := j.dev.Config()

	var segs []segmentHeader
	for id := store.SegmentID(0); id < cfg.NumSegments(); id += 1 {
		buf, err := j.dev.Read(ctx, store.Paddr{Segment: id, Offset: 0}, cfg.BlockSize)
		if err != nil {
			return nil, err
		}
		sh, ok := decodeSegmentHeader(buf, cfg)
		if !ok {
			continue
		}
		sh.id = id
		segs = append(segs, sh)
	}

	sort.Slice(segs,
		func(i, jdx int) bool {
			return segs[i].segSeq < segs[jdx].segSeq
		})
	if len(segs) > 0 {
		// Stray segments from another store are not part of this log.
		storeID := segs[0].storeID
		live := segs[:0]
		for _, sh := range segs {
			if sh.storeID == storeID {
				live = append(live, sh)
			} else {
				j.logger.WithFields(log.Fields{
					"segment": sh.id,
					"store":   sh.storeID.String(),
				}).Warn("ignoring journal segment of foreign store")
			}
		}
		segs = live
	}
	return segs, nil
}

// replaySegment replays the records of one segment in order, stopping at the
// first offset that does not hold a valid next record; it returns that
// offset, the end of the log if this is the last segment.
func (j *Journal) replaySegment(ctx context.Context, sh segmentHeader,
	fn ReplayFn) (store.SegmentOff, error) {

	cfg := j.dev.Config()
	blockSize := store.SegmentOff(cfg.BlockSize)
	segmentSize := store.SegmentOff(cfg.SegmentSize)

	off := blockSize
	for off+blockSize <= segmentSize {
		buf, err := j.dev.Read(ctx, store.Paddr{Segment: sh.id, Offset: off}, cfg.BlockSize)
		if err != nil {
			return 0, err
		}
		rh, ok := decodeRecordHeader(buf)
		if !ok || rh.recSeq != j.recSeq+1 {
			return off, nil
		}
		if rh.mdLength < blockSize || rh.mdLength%blockSize != 0 || rh.dataLength < 0 ||
			rh.dataLength%blockSize != 0 || off+rh.mdLength+rh.dataLength > segmentSize {

			return off, nil
		}

		md := buf
		if rh.mdLength > blockSize {
			md, err = j.dev.Read(ctx, store.Paddr{Segment: sh.id, Offset: off},
				int(rh.mdLength))
			if err != nil {
				return 0, err
			}
		}
		var data []byte
		if rh.dataLength > 0 {
			data, err = j.dev.Read(ctx,
				store.Paddr{Segment: sh.id, Offset: off + rh.mdLength}, int(rh.dataLength))
			if err != nil {
				return 0, err
			}
		}
		deltas, ok := checkRecord(rh, md, data)
		if !ok {
			// A torn or corrupt record marks the end of the log.
			return off, nil
		}

		recordStart := store.Paddr{Segment: sh.id, Offset: off + rh.mdLength}
		for _, d := range deltas {
			err = fn(recordStart, d)
			if err != nil {
				return 0, err
			}
		}

		j.recSeq = rh.recSeq
		off += rh.mdLength + rh.dataLength
	}
	return off, nil
}
