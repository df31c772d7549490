package store

import (
	"errors"
	"fmt"
)

var (
	ErrBadExtentType = errors.New("store: unrecognized extent type tag")
)

// Delta describes one logical mutation to an existing extent, replayable
// against a known prior state. PrevChecksum must match the extent's checksum
// immediately before the delta is applied and PrevVersion must equal the
// extent's last applied version.
type Delta struct {
	Type          ExtentType
	Paddr         Paddr
	Laddr         Laddr
	PrevChecksum  Checksum
	FinalChecksum Checksum
	Length        SegmentOff
	PrevVersion   uint32
	Payload       []byte
}

func (d Delta) String() string {
	return fmt.Sprintf("delta(%s %s laddr %d pver %d len %d payload %d bytes)",
		d.Type, d.Paddr, d.Laddr, d.PrevVersion, d.Length, len(d.Payload))
}

func (d Delta) Equal(rhs Delta) bool {
	if d.Type != rhs.Type || d.Paddr != rhs.Paddr || d.Laddr != rhs.Laddr ||
		d.PrevChecksum != rhs.PrevChecksum || d.FinalChecksum != rhs.FinalChecksum ||
		d.Length != rhs.Length || d.PrevVersion != rhs.PrevVersion ||
		len(d.Payload) != len(rhs.Payload) {

		return false
	}
	for idx := range d.Payload {
		if d.Payload[idx] != rhs.Payload[idx] {
			return false
		}
	}
	return true
}

func EncodeDelta(buf []byte, d Delta) []byte {
	buf = append(buf, byte(d.Type))
	buf = EncodePaddr(buf, d.Paddr)
	buf = EncodeUint64(buf, uint64(d.Laddr))
	buf = EncodeUint32(buf, uint32(d.PrevChecksum))
	buf = EncodeUint32(buf, uint32(d.FinalChecksum))
	buf = EncodeUint32(buf, uint32(d.Length))
	buf = EncodeUint32(buf, d.PrevVersion)
	buf = EncodeVarint(buf, uint64(len(d.Payload)))
	return append(buf, d.Payload...)
}

func DecodeDelta(buf []byte) ([]byte, Delta, error) {
	if len(buf) < 1 {
		return nil, Delta{}, fmt.Errorf("store: delta too short: %d bytes", len(buf))
	}
	typ := ExtentType(buf[0])
	if !typ.Valid() {
		return nil, Delta{}, fmt.Errorf("%w: %d", ErrBadExtentType, buf[0])
	}
	buf = buf[1:]

	buf, pa, ok := DecodePaddr(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, paddr field")
	}
	buf, la, ok := DecodeUint64(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, laddr field")
	}
	buf, prevCRC, ok := DecodeUint32(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, prev checksum field")
	}
	buf, finalCRC, ok := DecodeUint32(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, final checksum field")
	}
	buf, length, ok := DecodeUint32(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, length field")
	}
	buf, pver, ok := DecodeUint32(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, version field")
	}
	buf, pl, ok := DecodeVarint(buf)
	if !ok {
		return nil, Delta{}, errors.New("store: bad delta, payload length field")
	}
	if uint64(len(buf)) < pl {
		return nil, Delta{}, fmt.Errorf("store: bad delta, payload length %d, have %d bytes",
			pl, len(buf))
	}
	payload := append(make([]byte, 0, pl), buf[:pl]...)

	return buf[pl:], Delta{
		Type:          typ,
		Paddr:         pa,
		Laddr:         Laddr(la),
		PrevChecksum:  Checksum(prevCRC),
		FinalChecksum: Checksum(finalCRC),
		Length:        SegmentOff(length),
		PrevVersion:   pver,
		Payload:       payload,
	}, nil
}

// Block is one fresh full-block write within a record; its device address is
// inferred from its ordinal position and the record's final location.
type Block struct {
	Data []byte
}

// Record is the durable unit built from one transaction: fresh full-block
// writes followed by mutation deltas, sufficient to reconstruct the
// transaction's effect during replay.
type Record struct {
	Blocks []Block
	Deltas []Delta
}
