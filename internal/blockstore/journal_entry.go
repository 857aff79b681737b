package blockstore

import (
	"encoding/binary"
	"hash/crc32"
)

// EntryType is the on-disk journal entry tag (spec §3, §6).
type EntryType uint8

const (
	EntryStart EntryType = iota
	EntrySmallWrite
	EntryBigWrite
	EntryStable
	EntryRollback
	EntryDelete
)

func (t EntryType) String() string {
	switch t {
	case EntryStart:
		return "START"
	case EntrySmallWrite:
		return "SMALL_WRITE"
	case EntryBigWrite:
		return "BIG_WRITE"
	case EntryStable:
		return "STABLE"
	case EntryRollback:
		return "ROLLBACK"
	case EntryDelete:
		return "DELETE"
	default:
		return "UNKNOWN_ENTRY"
	}
}

const entryMagic uint32 = 0x76697461 // "vita" as a 4-byte tag, kept from the original wire constant

// entryHeaderSize is {magic, type, instant, crc32, crc32Prev, bodyLen}.
const entryHeaderSize = 4 + 1 + 1 + 4 + 4 + 4

// JournalEntry is one decoded record from the journal. Body holds the
// type-specific payload: for SMALL_WRITE, the object id/version/offset
// plus the write's data; for BIG_WRITE, metadata only (the payload went
// to the data device); for STABLE/ROLLBACK, an encoded ObjVerId or
// {Oid, Version} cutoff; for DELETE, an ObjVerId.
type JournalEntry struct {
	Type      EntryType
	Instant   bool
	CRC       uint32
	CRCPrev   uint32
	Body      []byte
}

// encodeEntry serializes the entry header + body and returns the bytes plus
// the CRC the next entry must chain from. crcPrev is the previous
// entry's CRC (0 for the very first entry in the journal).
func encodeEntry(t EntryType, instant bool, body []byte, crcPrev uint32) ([]byte, uint32) {
	buf := make([]byte, entryHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], entryMagic)
	buf[4] = byte(t)
	if instant {
		buf[5] = 1
	}
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(body)))
	copy(buf[entryHeaderSize:], body)

	crc := crc32.ChecksumIEEE(append(appendUint32(nil, crcPrev), body...))
	binary.LittleEndian.PutUint32(buf[6:10], crc)
	binary.LittleEndian.PutUint32(buf[10:14], crcPrev)
	return buf, crc
}

func appendUint32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(dst, tmp[:]...)
}

// decodeEntry parses one entry starting at buf[0]. It returns the entry,
// the number of bytes consumed, and ok=false if the header doesn't carry
// the journal magic (end of written data, or corruption) or the body
// length would run past buf.
func decodeEntry(buf []byte) (e JournalEntry, consumed int, ok bool) {
	if len(buf) < entryHeaderSize {
		return JournalEntry{}, 0, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != entryMagic {
		return JournalEntry{}, 0, false
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[14:18]))
	total := entryHeaderSize + bodyLen
	if len(buf) < total {
		return JournalEntry{}, 0, false
	}
	e.Type = EntryType(buf[4])
	e.Instant = buf[5] != 0
	e.CRC = binary.LittleEndian.Uint32(buf[6:10])
	e.CRCPrev = binary.LittleEndian.Uint32(buf[10:14])
	e.Body = append([]byte(nil), buf[entryHeaderSize:total]...)
	return e, total, true
}

// verifyChain reports whether e's CRC correctly chains from crcPrev and
// its own body, the replay-time check that identifies the journal tail
// (spec §4.1: "the first entry whose CRC fails to chain is treated as
// the journal tail").
func verifyChain(e JournalEntry, crcPrev uint32) bool {
	if e.CRCPrev != crcPrev {
		return false
	}
	want := crc32.ChecksumIEEE(append(appendUint32(nil, crcPrev), e.Body...))
	return want == e.CRC
}
