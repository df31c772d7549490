package store

import (
	"encoding/binary"
)

func EncodeUint16(buf []byte, u16 uint16) []byte {
	return append(buf, byte(u16>>8), byte(u16))
}

func DecodeUint16(buf []byte) ([]byte, uint16, bool) {
	if len(buf) < 2 {
		return nil, 0, false
	}
	return buf[2:], binary.BigEndian.Uint16(buf), true
}

func EncodeUint32(buf []byte, u32 uint32) []byte {
	return append(buf, byte(u32>>24), byte(u32>>16), byte(u32>>8), byte(u32))
}

func DecodeUint32(buf []byte) ([]byte, uint32, bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	return buf[4:], binary.BigEndian.Uint32(buf), true
}

func EncodeUint64(buf []byte, u64 uint64) []byte {
	return append(buf, byte(u64>>56), byte(u64>>48), byte(u64>>40), byte(u64>>32),
		byte(u64>>24), byte(u64>>16), byte(u64>>8), byte(u64))
}

func DecodeUint64(buf []byte) ([]byte, uint64, bool) {
	if len(buf) < 8 {
		return nil, 0, false
	}
	return buf[8:], binary.BigEndian.Uint64(buf), true
}

func EncodeVarint(buf []byte, n uint64) []byte {
	for n >= 0x80 {
		buf = append(buf, byte(n)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

func DecodeVarint(buf []byte) ([]byte, uint64, bool) {
	var n uint64
	var s uint
	for idx := 0; idx < len(buf); idx++ {
		b := buf[idx]
		if b < 0x80 {
			if idx > 9 || (idx == 9 && b > 1) {
				return nil, 0, false
			}
			return buf[idx+1:], n | uint64(b)<<s, true
		}
		n |= uint64(b&0x7F) << s
		s += 7
	}
	return nil, 0, false
}

func EncodePaddr(buf []byte, pa Paddr) []byte {
	buf = EncodeUint32(buf, uint32(pa.Segment))
	return EncodeUint32(buf, uint32(pa.Offset))
}

func DecodePaddr(buf []byte) ([]byte, Paddr, bool) {
	buf, seg, ok := DecodeUint32(buf)
	if !ok {
		return nil, Paddr{}, false
	}
	buf, off, ok := DecodeUint32(buf)
	if !ok {
		return nil, Paddr{}, false
	}
	return buf, Paddr{Segment: SegmentID(seg), Offset: SegmentOff(off)}, true
}
