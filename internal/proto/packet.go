package proto

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is {magic, opcode, resultCode, pgNum, id, payloadLen}.
const HeaderSize = 4 + 1 + 1 + 8 + 8 + 4

// ResultCode mirrors the negative-error-kind taxonomy of spec §7,
// carried on the wire as a small positive tag (0 = success).
type ResultCode uint8

const (
	ResultOK ResultCode = iota
	ResultInvalidInput
	ResultVersionConflict
	ResultRetryLater
	ResultExhausted
	ResultPeerUnreachable
	ResultDeviceIO
	ResultClusterStore
)

// Packet is the fixed-header request/reply framing of spec §6. A
// request's ID correlates the reply back to it; PGNum addresses the
// placement group the operation belongs to.
type Packet struct {
	Opcode     Opcode
	ResultCode ResultCode
	PGNum      uint64
	ID         uint64
	Payload    []byte
}

func NewRequest(op Opcode, pgNum, id uint64, payload []byte) *Packet {
	return &Packet{Opcode: op, PGNum: pgNum, ID: id, Payload: payload}
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(op=%s pg=%d id=%d result=%d len=%d)", p.Opcode, p.PGNum, p.ID, p.ResultCode, len(p.Payload))
}

// Marshal encodes the packet header + payload into a single buffer,
// ready for a Transport.Send.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(p.Opcode)
	buf[5] = byte(p.ResultCode)
	binary.LittleEndian.PutUint64(buf[6:14], p.PGNum)
	binary.LittleEndian.PutUint64(buf[14:22], p.ID)
	binary.LittleEndian.PutUint32(buf[22:26], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Unmarshal validates and decodes a header+payload buffer produced by
// Marshal. It performs the dispatcher's magic/opcode/length-cap checks
// named in spec §4.5.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("proto: short header (%d bytes)", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return nil, fmt.Errorf("proto: bad magic")
	}
	op := Opcode(buf[4])
	if !op.Valid() {
		return nil, fmt.Errorf("proto: unknown opcode %d", buf[4])
	}
	payloadLen := binary.LittleEndian.Uint32(buf[22:26])
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("proto: payload length %d exceeds cap", payloadLen)
	}
	if len(buf) < HeaderSize+int(payloadLen) {
		return nil, fmt.Errorf("proto: truncated payload")
	}
	return &Packet{
		Opcode:     op,
		ResultCode: ResultCode(buf[5]),
		PGNum:      binary.LittleEndian.Uint64(buf[6:14]),
		ID:         binary.LittleEndian.Uint64(buf[14:22]),
		Payload:    append([]byte(nil), buf[HeaderSize:HeaderSize+int(payloadLen)]...),
	}, nil
}

// ObjVerIDWire is the wire shape of an obj_ver_id, used by the
// SEC_STABILIZE/SEC_ROLLBACK/SEC_LIST payloads.
type ObjVerIDWire struct {
	Inode   uint64
	Stripe  uint64
	Version uint64
}

func EncodeObjVerIDs(ids []ObjVerIDWire) []byte {
	buf := make([]byte, 4+len(ids)*24)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	for i, id := range ids {
		off := 4 + i*24
		binary.LittleEndian.PutUint64(buf[off:off+8], id.Inode)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], id.Stripe)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], id.Version)
	}
	return buf
}

func DecodeObjVerIDs(buf []byte) ([]ObjVerIDWire, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("proto: short obj_ver_id array")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(4+n*24) > uint64(len(buf)) {
		return nil, fmt.Errorf("proto: truncated obj_ver_id array")
	}
	out := make([]ObjVerIDWire, n)
	for i := uint32(0); i < n; i++ {
		off := 4 + i*24
		out[i] = ObjVerIDWire{
			Inode:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Stripe:  binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Version: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
		}
	}
	return out, nil
}

// ObjectSummaryWire is the wire shape of one SEC_LIST response entry.
type ObjectSummaryWire struct {
	Inode, Stripe uint64
	Version       uint64
	Stable        bool
}

func EncodeObjectSummaries(items []ObjectSummaryWire) []byte {
	buf := make([]byte, 4+len(items)*25)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(items)))
	for i, it := range items {
		off := 4 + i*25
		binary.LittleEndian.PutUint64(buf[off:off+8], it.Inode)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], it.Stripe)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], it.Version)
		if it.Stable {
			buf[off+24] = 1
		}
	}
	return buf
}

func DecodeObjectSummaries(buf []byte) ([]ObjectSummaryWire, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("proto: short object summary array")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(4+n*25) > uint64(len(buf)) {
		return nil, fmt.Errorf("proto: truncated object summary array")
	}
	out := make([]ObjectSummaryWire, n)
	for i := uint32(0); i < n; i++ {
		off := 4 + i*25
		out[i] = ObjectSummaryWire{
			Inode:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Stripe:  binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Version: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
			Stable:  buf[off+24] != 0,
		}
	}
	return out, nil
}

// WriteRequest is the decoded payload of an OpWrite/OpSecWrite packet.
type WriteRequest struct {
	Inode, Stripe uint64
	Version       uint64
	Offset        uint32
	Len           uint32
	Data          []byte
}

func EncodeWriteRequest(r WriteRequest) []byte {
	buf := make([]byte, 40+len(r.Data))
	binary.LittleEndian.PutUint64(buf[0:8], r.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], r.Stripe)
	binary.LittleEndian.PutUint64(buf[16:24], r.Version)
	binary.LittleEndian.PutUint32(buf[24:28], r.Offset)
	binary.LittleEndian.PutUint32(buf[28:32], r.Len)
	copy(buf[40:], r.Data)
	return buf
}

func DecodeWriteRequest(buf []byte) (WriteRequest, error) {
	if len(buf) < 40 {
		return WriteRequest{}, fmt.Errorf("proto: short write request")
	}
	r := WriteRequest{
		Inode:   binary.LittleEndian.Uint64(buf[0:8]),
		Stripe:  binary.LittleEndian.Uint64(buf[8:16]),
		Version: binary.LittleEndian.Uint64(buf[16:24]),
		Offset:  binary.LittleEndian.Uint32(buf[24:28]),
		Len:     binary.LittleEndian.Uint32(buf[28:32]),
	}
	r.Data = append([]byte(nil), buf[40:]...)
	return r, nil
}
