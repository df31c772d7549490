package journal

import (
	"github.com/google/uuid"

	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/store"
)

const (
	segmentMagic   = 0x4c6f675365673031 // LogSeg01
	recordMagic    = 0x4c6f675265633031 // LogRec01
	journalVersion = 1

	segmentHeaderLen = 48
	recordHeaderLen  = 36
	recordCrcAt      = 32
)

type segmentHeader struct {
	id      store.SegmentID
	segSeq  uint64
	storeID uuid.UUID
}

func encodeSegmentHeader(sh segmentHeader, cfg device.Config) []byte {
	buf := make([]byte, 0, cfg.BlockSize)
	buf = store.EncodeUint64(buf, segmentMagic)
	buf = store.EncodeUint32(buf, journalVersion)
	buf = store.EncodeUint64(buf, sh.segSeq)
	buf = append(buf, sh.storeID[:]...)
	buf = store.EncodeUint32(buf, uint32(cfg.BlockSize))
	buf = store.EncodeUint32(buf, uint32(cfg.SegmentSize))
	buf = store.EncodeUint32(buf, uint32(store.CRC32C(buf)))
	return append(buf, make([]byte, cfg.BlockSize-len(buf))...)
}

func decodeSegmentHeader(buf []byte, cfg device.Config) (segmentHeader, bool) {
	if len(buf) < segmentHeaderLen {
		return segmentHeader{}, false
	}
	crc := store.CRC32C(buf[:segmentHeaderLen-4])

	buf, magic, _ := store.DecodeUint64(buf)
	buf, version, _ := store.DecodeUint32(buf)
	buf, segSeq, _ := store.DecodeUint64(buf)
	var storeID uuid.UUID
	copy(storeID[:], buf)
	buf = buf[len(storeID):]
	buf, blockSize, _ := store.DecodeUint32(buf)
	buf, segmentSize, _ := store.DecodeUint32(buf)
	_, hdrCrc, _ := store.DecodeUint32(buf)

	if magic != segmentMagic || version != journalVersion || hdrCrc != uint32(crc) ||
		blockSize != uint32(cfg.BlockSize) || segmentSize != uint32(cfg.SegmentSize) {

		return segmentHeader{}, false
	}
	return segmentHeader{
		segSeq:  segSeq,
		storeID: storeID,
	}, true
}

type recordHeader struct {
	recSeq     uint64
	mdLength   store.SegmentOff
	dataLength store.SegmentOff
	deltaCount uint32
	blockCount uint32
	crc        uint32
}

// encodeRecord lays rec out for one durable append: a metadata area holding
// the record header and the encoded deltas, padded to the block size, then
// the fresh blocks. The header crc covers the metadata, crc field zeroed,
// followed by the data.
func encodeRecord(rec *store.Record, recSeq uint64, blockSize int) ([]byte, []byte) {
	var dataLen int
	for _, blk := range rec.Blocks {
		dataLen += len(blk.Data)
	}
	data := make([]byte, 0, dataLen)
	for _, blk := range rec.Blocks {
		data = append(data, blk.Data...)
	}

	md := make([]byte, recordHeaderLen)
	for _, d := range rec.Deltas {
		md = store.EncodeDelta(md, d)
	}
	if len(md)%blockSize != 0 {
		md = append(md, make([]byte, blockSize-len(md)%blockSize)...)
	}

	hdr := store.EncodeUint64(md[:0], recordMagic)
	hdr = store.EncodeUint64(hdr, recSeq)
	hdr = store.EncodeUint32(hdr, uint32(len(md)))
	hdr = store.EncodeUint32(hdr, uint32(len(data)))
	hdr = store.EncodeUint32(hdr, uint32(len(rec.Deltas)))
	store.EncodeUint32(hdr, uint32(len(rec.Blocks)))

	crc := store.CRC32CUpdate(store.CRC32C(md), data)
	store.EncodeUint32(md[:recordCrcAt], uint32(crc))
	return md, data
}

func decodeRecordHeader(buf []byte) (recordHeader, bool) {
	if len(buf) < recordHeaderLen {
		return recordHeader{}, false
	}

	buf, magic, _ := store.DecodeUint64(buf)
	buf, recSeq, _ := store.DecodeUint64(buf)
	buf, mdLength, _ := store.DecodeUint32(buf)
	buf, dataLength, _ := store.DecodeUint32(buf)
	buf, deltaCount, _ := store.DecodeUint32(buf)
	buf, blockCount, _ := store.DecodeUint32(buf)
	_, crc, _ := store.DecodeUint32(buf)

	if magic != recordMagic || mdLength < recordHeaderLen {
		return recordHeader{}, false
	}
	return recordHeader{
		recSeq:     recSeq,
		mdLength:   store.SegmentOff(mdLength),
		dataLength: store.SegmentOff(dataLength),
		deltaCount: deltaCount,
		blockCount: blockCount,
		crc:        crc,
	}, true
}

// checkRecord verifies a record's crc and decodes its deltas; a failure
// means a torn or corrupt record.
func checkRecord(rh recordHeader, md, data []byte) ([]store.Delta, bool) {
	store.EncodeUint32(md[:recordCrcAt], 0)
	crc := store.CRC32CUpdate(store.CRC32C(md), data)
	if uint32(crc) != rh.crc {
		return nil, false
	}

	buf := md[recordHeaderLen:]
	deltas := make([]store.Delta, 0, rh.deltaCount)
	for idx := uint32(0); idx < rh.deltaCount; idx += 1 {
		var d store.Delta
		var err error
		buf, d, err = store.DecodeDelta(buf)
		if err != nil {
			return nil, false
		}
		deltas = append(deltas, d)
	}
	return deltas, true
}
