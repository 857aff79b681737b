package blockstore

import "encoding/binary"

// Journal entry body encodings. These are internal to the Blockstore's
// own journal, distinct from the client-facing wire protocol in
// internal/proto.

func encodeObjVerBody(id ObjVerId) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], id.Oid.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], id.Oid.Stripe)
	binary.LittleEndian.PutUint64(buf[16:24], id.Version)
	return buf
}

func decodeObjVerBody(b []byte) (ObjVerId, bool) {
	if len(b) < 24 {
		return ObjVerId{}, false
	}
	return ObjVerId{
		Oid: Oid{
			Inode:  binary.LittleEndian.Uint64(b[0:8]),
			Stripe: binary.LittleEndian.Uint64(b[8:16]),
		},
		Version: binary.LittleEndian.Uint64(b[16:24]),
	}, true
}

// encodeBigWriteBody carries the metadata reference only; the payload
// went straight to the data device (spec §3 Journal entry types).
func encodeBigWriteBody(id ObjVerId, location uint64) []byte {
	buf := make([]byte, 32)
	copy(buf, encodeObjVerBody(id))
	binary.LittleEndian.PutUint64(buf[24:32], location)
	return buf
}

func decodeBigWriteBody(b []byte) (ObjVerId, uint64, bool) {
	if len(b) < 32 {
		return ObjVerId{}, 0, false
	}
	id, ok := decodeObjVerBody(b[:24])
	if !ok {
		return ObjVerId{}, 0, false
	}
	return id, binary.LittleEndian.Uint64(b[24:32]), true
}

// encodeSmallWriteBody carries the full payload since small writes live
// in the journal until stabilization.
func encodeSmallWriteBody(id ObjVerId, offset uint32, payload []byte) []byte {
	buf := make([]byte, 28+len(payload))
	copy(buf, encodeObjVerBody(id))
	binary.LittleEndian.PutUint32(buf[24:28], offset)
	copy(buf[28:], payload)
	return buf
}

func decodeSmallWriteBody(b []byte) (ObjVerId, uint32, []byte, bool) {
	if len(b) < 28 {
		return ObjVerId{}, 0, nil, false
	}
	id, ok := decodeObjVerBody(b[:24])
	if !ok {
		return ObjVerId{}, 0, nil, false
	}
	offset := binary.LittleEndian.Uint32(b[24:28])
	return id, offset, b[28:], true
}

// encodeRollbackBody carries {oid, version}: the cutoff version, all
// dirty entries strictly above it are discarded (spec §4.4).
func encodeRollbackBody(oid Oid, version uint64) []byte {
	return encodeObjVerBody(ObjVerId{Oid: oid, Version: version})
}
