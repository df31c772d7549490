package store

import (
	"fmt"
	"hash/crc32"
	"math"
)

// SegmentID identifies a segment on the device. The top of the id space is
// reserved for sentinel values used for addresses which have not yet been
// resolved to a concrete location on the device.
type SegmentID uint32

const (
	// NullSegmentID is the segment of the null address.
	NullSegmentID SegmentID = math.MaxUint32 - 1

	// RecordRelSegmentID marks an address relative to the start of the
	// record the extent is committed in.
	RecordRelSegmentID SegmentID = math.MaxUint32 - 2

	// BlockRelSegmentID marks an address relative to the start of the
	// block it is embedded in.
	BlockRelSegmentID SegmentID = math.MaxUint32 - 3

	// FakeSegmentID is for tests which need plausible addresses without a
	// device behind them.
	FakeSegmentID SegmentID = math.MaxUint32 - 4
)

// SegmentOff is an offset within a segment; it may be negative for relative
// addresses.
type SegmentOff int32

const NullSegmentOff SegmentOff = math.MaxInt32

// Paddr is a physical address: a segment and an offset within it.
//
// It may be absolute, record relative, or block relative. Blocks are read
// independently of the surrounding record, so addresses embedded directly
// within a block refer to other blocks of the same record by block relative
// addresses; deltas against existing blocks use record relative addresses.
// Fresh extents are addressed record relative until their transaction
// commits.
type Paddr struct {
	Segment SegmentID
	Offset  SegmentOff
}

var PaddrNull = Paddr{Segment: NullSegmentID, Offset: NullSegmentOff}

func RecordRelativePaddr(off SegmentOff) Paddr {
	return Paddr{Segment: RecordRelSegmentID, Offset: off}
}

func BlockRelativePaddr(off SegmentOff) Paddr {
	return Paddr{Segment: BlockRelSegmentID, Offset: off}
}

func FakePaddr(off SegmentOff) Paddr {
	return Paddr{Segment: FakeSegmentID, Offset: off}
}

func (pa Paddr) IsNull() bool {
	return pa.Segment == NullSegmentID
}

func (pa Paddr) IsRelative() bool {
	return pa.Segment == RecordRelSegmentID || pa.Segment == BlockRelSegmentID
}

func (pa Paddr) IsRecordRelative() bool {
	return pa.Segment == RecordRelSegmentID
}

func (pa Paddr) IsBlockRelative() bool {
	return pa.Segment == BlockRelSegmentID
}

func (pa Paddr) Add(off SegmentOff) Paddr {
	return Paddr{Segment: pa.Segment, Offset: pa.Offset + off}
}

// AddRelative resolves a relative address against pa.
func (pa Paddr) AddRelative(rel Paddr) Paddr {
	if !rel.IsRelative() {
		panic(fmt.Sprintf("store: add relative: %s is not relative", rel))
	}
	return Paddr{Segment: pa.Segment, Offset: pa.Offset + rel.Offset}
}

// Sub is only defined between two record relative addresses; it yields a
// block relative address.
func (pa Paddr) Sub(rhs Paddr) Paddr {
	if !pa.IsRecordRelative() || !rhs.IsRecordRelative() {
		panic(fmt.Sprintf("store: subtract: %s - %s: both must be record relative", pa, rhs))
	}
	return BlockRelativePaddr(pa.Offset - rhs.Offset)
}

// MaybeRelativeTo resolves pa against base if pa is block relative and
// returns it unchanged otherwise. base must not itself be block relative.
func (pa Paddr) MaybeRelativeTo(base Paddr) Paddr {
	if base.IsBlockRelative() {
		panic(fmt.Sprintf("store: relative to: base %s is block relative", base))
	}
	if pa.IsBlockRelative() {
		return base.AddRelative(pa)
	}
	return pa
}

func (pa Paddr) Compare(rhs Paddr) int {
	if pa.Segment < rhs.Segment {
		return -1
	} else if pa.Segment > rhs.Segment {
		return 1
	}
	if pa.Offset < rhs.Offset {
		return -1
	} else if pa.Offset > rhs.Offset {
		return 1
	}
	return 0
}

func (pa Paddr) String() string {
	switch pa.Segment {
	case NullSegmentID:
		return "paddr(null)"
	case RecordRelSegmentID:
		return fmt.Sprintf("paddr(record+%d)", pa.Offset)
	case BlockRelSegmentID:
		return fmt.Sprintf("paddr(block+%d)", pa.Offset)
	case FakeSegmentID:
		return fmt.Sprintf("paddr(fake+%d)", pa.Offset)
	}
	return fmt.Sprintf("paddr(%d:%d)", pa.Segment, pa.Offset)
}

// Laddr is a logical address used by higher mapping layers; the cache treats
// it as opaque.
type Laddr uint64

const (
	LaddrMin  Laddr = 0
	LaddrMax  Laddr = math.MaxUint64
	LaddrNull Laddr = math.MaxUint64
	LaddrRoot Laddr = math.MaxUint64 - 1
)

// ExtentType discriminates the concrete extent variants; it selects decode
// and delta dispatch behavior. The enumeration is closed: decoders must
// reject unrecognized tags rather than guess at a layout.
type ExtentType uint8

const (
	TypeRoot      ExtentType = 0
	TypeIndexNode ExtentType = 1
	TypeLeafNode  ExtentType = 2
	TypeDataBlock ExtentType = 3

	// Test block types
	TypeTestBlock         ExtentType = 0xF0
	TypeTestBlockPhysical ExtentType = 0xF1

	TypeNone ExtentType = 0xFF
)

func (typ ExtentType) Valid() bool {
	switch typ {
	case TypeRoot, TypeIndexNode, TypeLeafNode, TypeDataBlock, TypeTestBlock,
		TypeTestBlockPhysical:

		return true
	}
	return false
}

// IsLogical reports whether extents of this type carry a logical address.
func (typ ExtentType) IsLogical() bool {
	return typ == TypeDataBlock || typ == TypeTestBlock
}

func (typ ExtentType) String() string {
	switch typ {
	case TypeRoot:
		return "root"
	case TypeIndexNode:
		return "index-node"
	case TypeLeafNode:
		return "leaf-node"
	case TypeDataBlock:
		return "data-block"
	case TypeTestBlock:
		return "test-block"
	case TypeTestBlockPhysical:
		return "test-block-physical"
	case TypeNone:
		return "none"
	}
	return fmt.Sprintf("ExtentType(%d)", uint8(typ))
}

// Checksum is a CRC-32C over an extent's buffer; it seeds delta prev/final
// fields and detects corruption on load and replay.
type Checksum uint32

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func CRC32C(data []byte) Checksum {
	return Checksum(crc32.Checksum(data, crcTable))
}

// CRC32CUpdate extends crc with data, as if the buffers were contiguous.
func CRC32CUpdate(crc Checksum, data []byte) Checksum {
	return Checksum(crc32.Update(uint32(crc), crcTable, data))
}
