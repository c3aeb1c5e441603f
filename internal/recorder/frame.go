package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"tradecore/internal/schema"
)

// A frame is one event on disk:
//
//	magic "TCW2" | layout u16 | header size u16 | type u16 | schema u16 |
//	payload len u32 | id u64 | ts i64 | causation u64 | recv ts i64 |
//	payload | crc32c(header, payload) u32
//
// All integers are little endian. The payload is the canonical JSON event.
const (
	frameLayout      uint16 = 2
	frameHeaderSize         = 48
	frameTrailerSize        = 4
	frameOverhead           = frameHeaderSize + frameTrailerSize

	maxFramePayload = int(^uint32(0) >> 1)
)

var (
	frameMagic = [4]byte{'T', 'C', 'W', '2'}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// Header mirrors the envelope fields so segments can be scanned without
// decoding payloads.
type Header struct {
	Type        schema.EventType
	Version     uint16
	ID          uint64
	Timestamp   int64
	CausationID uint64
	RecvTs      int64
}

// HeaderOf returns the frame header for a published event.
func HeaderOf(e schema.Event) Header {
	return Header{
		Type:        e.Type,
		Version:     schema.SchemaVersion,
		ID:          e.ID,
		Timestamp:   e.Timestamp,
		CausationID: e.CausationID,
	}
}

// Matches reports whether the decoded event agrees with the header.
func (h Header) Matches(e schema.Event) bool {
	return h.Type == e.Type && h.ID == e.ID && h.Timestamp == e.Timestamp && h.CausationID == e.CausationID
}

// appendFrame appends the complete frame for payload to dst.
func appendFrame(dst []byte, h Header, payload []byte) []byte {
	le := binary.LittleEndian
	start := len(dst)
	dst = append(dst, frameMagic[:]...)
	dst = le.AppendUint16(dst, frameLayout)
	dst = le.AppendUint16(dst, frameHeaderSize)
	dst = le.AppendUint16(dst, uint16(h.Type))
	dst = le.AppendUint16(dst, h.Version)
	dst = le.AppendUint32(dst, uint32(len(payload)))
	dst = le.AppendUint64(dst, h.ID)
	dst = le.AppendUint64(dst, uint64(h.Timestamp))
	dst = le.AppendUint64(dst, h.CausationID)
	dst = le.AppendUint64(dst, uint64(h.RecvTs))
	dst = append(dst, payload...)
	return le.AppendUint32(dst, crc32.Checksum(dst[start:], castagnoli))
}

// parseHeader decodes a frame header and returns the payload length.
func parseHeader(src []byte) (Header, int, bool) {
	le := binary.LittleEndian
	if len(src) < frameHeaderSize ||
		!bytes.Equal(src[0:4], frameMagic[:]) ||
		le.Uint16(src[4:6]) != frameLayout ||
		le.Uint16(src[6:8]) != frameHeaderSize {
		return Header{}, 0, false
	}
	return Header{
		Type:        schema.EventType(le.Uint16(src[8:10])),
		Version:     le.Uint16(src[10:12]),
		ID:          le.Uint64(src[16:24]),
		Timestamp:   int64(le.Uint64(src[24:32])),
		CausationID: le.Uint64(src[32:40]),
		RecvTs:      int64(le.Uint64(src[40:48])),
	}, int(le.Uint32(src[12:16])), true
}

func frameChecksum(header, payload []byte) uint32 {
	return crc32.Update(crc32.Checksum(header, castagnoli), castagnoli, payload)
}
