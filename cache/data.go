package cache

import (
	"fmt"

	"github.com/leftmike/logstore/store"
)

// DataBlock is an opaque block of object data addressed by a laddr; the
// cache never interprets its contents. Deltas against a data block are an
// ordered list of byte range overwrites.
type DataBlock struct {
	extentBase
}

// SetBytes overwrites len(data) bytes at off.
func (db *DataBlock) SetBytes(off store.SegmentOff, data []byte) {
	db.mutable()

	if off < 0 || int(off)+len(data) > len(db.buf) {
		panic(fmt.Sprintf("cache: set bytes at %d length %d in block of %d bytes", off,
			len(data), len(db.buf)))
	}
	copy(db.buf[off:], data)
	db.recordOp(func(delta []byte) []byte {
		delta = store.EncodeUint32(delta, uint32(off))
		delta = store.EncodeVarint(delta, uint64(len(data)))
		return append(delta, data...)
	})
}

func (db *DataBlock) applyDelta(payload []byte) error {
	for len(payload) > 0 {
		buf, off, ok := store.DecodeUint32(payload)
		if !ok {
			return fmt.Errorf("%w: truncated data block delta", ErrCorrupt)
		}
		buf, cnt, ok := store.DecodeVarint(buf)
		if !ok || uint64(len(buf)) < cnt {
			return fmt.Errorf("%w: truncated data block delta", ErrCorrupt)
		}
		if uint64(off)+cnt > uint64(len(db.buf)) {
			return fmt.Errorf("%w: data block delta range %d+%d beyond %d bytes", ErrCorrupt,
				off, cnt, len(db.buf))
		}
		copy(db.buf[off:], buf[:cnt])
		payload = buf[cnt:]
	}
	return nil
}

func (db *DataBlock) newDuplicate() Extent {
	return &DataBlock{}
}
