package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leftmike/logstore/store"
)

var (
	ErrClosed         = errors.New("device: closed")
	ErrSegmentNotOpen = errors.New("device: segment not open")
	ErrBadWrite       = errors.New("device: misaligned or backward write")
	ErrNoSpace        = errors.New("device: write exceeds segment size")
	ErrOutOfRange     = errors.New("device: address out of range")
)

// Config describes the geometry of a device: total size, the size of each
// append-only segment, and the block size writes and reads are aligned to.
type Config struct {
	Size        int64
	SegmentSize int
	BlockSize   int
}

var DefaultTestConfig = Config{
	Size:        16 << 20,
	SegmentSize: 1 << 20,
	BlockSize:   4 << 10,
}

func (cfg Config) NumSegments() store.SegmentID {
	return store.SegmentID(cfg.Size / int64(cfg.SegmentSize))
}

func (cfg Config) check() error {
	if cfg.BlockSize < 512 || cfg.BlockSize%512 != 0 {
		return fmt.Errorf("device: bad block size: %d", cfg.BlockSize)
	}
	if cfg.SegmentSize <= 0 || cfg.SegmentSize%cfg.BlockSize != 0 {
		return fmt.Errorf("device: bad segment size: %d", cfg.SegmentSize)
	}
	if cfg.Size <= 0 || cfg.Size%int64(cfg.SegmentSize) != 0 {
		return fmt.Errorf("device: bad size: %d", cfg.Size)
	}
	return nil
}

// Segment is an open segment accepting appended writes; the write pointer
// only moves forward.
type Segment interface {
	ID() store.SegmentID
	WritePointer() store.SegmentOff
	Capacity() store.SegmentOff
	Write(ctx context.Context, off store.SegmentOff, data []byte) error
	Close() error
}

// Device performs physical reads and writes of raw bytes. Writes go through
// open segments; reads may be anywhere.
type Device interface {
	Config() Config
	Open(ctx context.Context, id store.SegmentID) (Segment, error)
	Release(ctx context.Context, id store.SegmentID) error
	Read(ctx context.Context, pa store.Paddr, length int) ([]byte, error)
	Sync(ctx context.Context) error
	Close() error
}

// readWriter is the backend specific half of a device: raw reads and writes
// at absolute byte offsets. writeAt offsets are always block aligned.
type readWriter interface {
	readAt(ctx context.Context, off int64, buf []byte) error
	writeAt(ctx context.Context, off int64, data []byte) error
	sync(ctx context.Context) error
	close() error
}

type segmentState int

const (
	segmentEmpty segmentState = iota
	segmentOpen
	segmentClosed
)

type device struct {
	cfg    Config
	rw     readWriter
	mutex  sync.Mutex
	states map[store.SegmentID]segmentState
	closed bool
}

type segment struct {
	dev      *device
	id       store.SegmentID
	writePtr store.SegmentOff
}

func makeDevice(cfg Config, rw readWriter) *device {
	return &device{
		cfg:    cfg,
		rw:     rw,
		states: map[store.SegmentID]segmentState{},
	}
}

func (dev *device) Config() Config {
	return dev.cfg
}

func (dev *device) Open(ctx context.Context, id store.SegmentID) (Segment, error) {
	dev.mutex.Lock()
	defer dev.mutex.Unlock()

	if dev.closed {
		return nil, ErrClosed
	}
	if id >= dev.cfg.NumSegments() {
		return nil, fmt.Errorf("%w: segment %d of %d", ErrOutOfRange, id, dev.cfg.NumSegments())
	}
	if dev.states[id] == segmentOpen {
		return nil, fmt.Errorf("device: segment %d already open", id)
	}
	dev.states[id] = segmentOpen

	return &segment{
		dev: dev,
		id:  id,
	}, nil
}

func (dev *device) Release(ctx context.Context, id store.SegmentID) error {
	dev.mutex.Lock()
	defer dev.mutex.Unlock()

	if dev.closed {
		return ErrClosed
	}
	if dev.states[id] == segmentOpen {
		return fmt.Errorf("device: segment %d still open", id)
	}
	dev.states[id] = segmentEmpty
	return nil
}

func (dev *device) Read(ctx context.Context, pa store.Paddr, length int) ([]byte, error) {
	dev.mutex.Lock()
	if dev.closed {
		dev.mutex.Unlock()
		return nil, ErrClosed
	}
	dev.mutex.Unlock()

	if pa.IsRelative() || pa.IsNull() || pa.Segment >= dev.cfg.NumSegments() ||
		pa.Offset < 0 || int(pa.Offset)+length > dev.cfg.SegmentSize {

		return nil, fmt.Errorf("%w: read %s length %d", ErrOutOfRange, pa, length)
	}

	buf := make([]byte, length)
	off := int64(pa.Segment)*int64(dev.cfg.SegmentSize) + int64(pa.Offset)
	err := dev.rw.readAt(ctx, off, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (dev *device) Sync(ctx context.Context) error {
	return dev.rw.sync(ctx)
}

func (dev *device) Close() error {
	dev.mutex.Lock()
	if dev.closed {
		dev.mutex.Unlock()
		return ErrClosed
	}
	dev.closed = true
	dev.mutex.Unlock()

	return dev.rw.close()
}

func (seg *segment) ID() store.SegmentID {
	return seg.id
}

func (seg *segment) WritePointer() store.SegmentOff {
	return seg.writePtr
}

func (seg *segment) Capacity() store.SegmentOff {
	return store.SegmentOff(seg.dev.cfg.SegmentSize)
}

func (seg *segment) Write(ctx context.Context, off store.SegmentOff, data []byte) error {
	seg.dev.mutex.Lock()
	if seg.dev.closed {
		seg.dev.mutex.Unlock()
		return ErrClosed
	}
	if seg.dev.states[seg.id] != segmentOpen {
		seg.dev.mutex.Unlock()
		return fmt.Errorf("%w: segment %d", ErrSegmentNotOpen, seg.id)
	}
	if off < seg.writePtr || int(off)%seg.dev.cfg.BlockSize != 0 {
		seg.dev.mutex.Unlock()
		return fmt.Errorf("%w: segment %d offset %d", ErrBadWrite, seg.id, off)
	}
	if int(off)+len(data) > seg.dev.cfg.SegmentSize {
		seg.dev.mutex.Unlock()
		return fmt.Errorf("%w: segment %d offset %d length %d", ErrNoSpace, seg.id, off,
			len(data))
	}
	seg.writePtr = off + store.SegmentOff(len(data))
	seg.dev.mutex.Unlock()

	devOff := int64(seg.id)*int64(seg.dev.cfg.SegmentSize) + int64(off)
	return seg.dev.rw.writeAt(ctx, devOff, data)
}

func (seg *segment) Close() error {
	seg.dev.mutex.Lock()
	defer seg.dev.mutex.Unlock()

	if seg.dev.states[seg.id] != segmentOpen {
		return fmt.Errorf("%w: segment %d", ErrSegmentNotOpen, seg.id)
	}
	seg.dev.states[seg.id] = segmentClosed
	return nil
}

// blockKey is the key of one block within a key-value backed device.
func blockKey(off int64, blockSize int) []byte {
	return store.EncodeUint64(make([]byte, 0, 8), uint64(off/int64(blockSize)))
}

// forEachBlock calls fn once per device block overlapping [off, off+length):
// the block's starting offset, the position within the transfer buffer, and
// the count of bytes within the block.
func forEachBlock(off int64, length, blockSize int, fn func(blockOff int64, at, cnt int)) {
	at := 0
	for at < length {
		blockOff := ((off + int64(at)) / int64(blockSize)) * int64(blockSize)
		cnt := blockSize - int(off+int64(at)-blockOff)
		if cnt > length-at {
			cnt = length - at
		}
		fn(blockOff, at, cnt)
		at += cnt
	}
}
