package osd

import (
	"context"
	"fmt"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/messenger"
	"github.com/shardstore/shardstore/internal/proto"
)

// PeerClient issues SEC_* requests to one peer OSD over a Transport,
// translating between blockstore types and the wire encoding of
// internal/proto.
type PeerClient struct {
	transport messenger.Transport
	addrOf    func(osdNum uint64) (string, bool)
}

func NewPeerClient(t messenger.Transport, addrOf func(uint64) (string, bool)) *PeerClient {
	return &PeerClient{transport: t, addrOf: addrOf}
}

func (c *PeerClient) send(ctx context.Context, osdNum uint64, pgNum uint64, op proto.Opcode, payload []byte) (*proto.Packet, error) {
	addr, ok := c.addrOf(osdNum)
	if !ok {
		return nil, newPeerErr(osdNum, fmt.Errorf("no known address"))
	}
	req := proto.NewRequest(op, pgNum, 0, payload)
	reply, err := c.transport.Send(ctx, addr, req)
	if err != nil {
		return nil, newPeerErr(osdNum, err)
	}
	if reply.ResultCode != proto.ResultOK {
		return reply, newPeerErr(osdNum, fmt.Errorf("remote result %d", reply.ResultCode))
	}
	return reply, nil
}

func (c *PeerClient) SecWrite(ctx context.Context, osdNum, pgNum uint64, id blockstore.ObjVerId, offset uint32, buf []byte) error {
	payload := proto.EncodeWriteRequest(proto.WriteRequest{
		Inode: id.Oid.Inode, Stripe: id.Oid.Stripe, Version: id.Version, Offset: offset, Len: uint32(len(buf)), Data: buf,
	})
	_, err := c.send(ctx, osdNum, pgNum, proto.OpSecWrite, payload)
	return err
}

func (c *PeerClient) SecSync(ctx context.Context, osdNum, pgNum uint64) error {
	_, err := c.send(ctx, osdNum, pgNum, proto.OpSecSync, nil)
	return err
}

func (c *PeerClient) SecStabilize(ctx context.Context, osdNum, pgNum uint64, ids []blockstore.ObjVerId) error {
	_, err := c.send(ctx, osdNum, pgNum, proto.OpSecStabilize, proto.EncodeObjVerIDs(toWire(ids)))
	return err
}

func (c *PeerClient) SecRollback(ctx context.Context, osdNum, pgNum uint64, oid blockstore.Oid, version uint64) error {
	payload := proto.EncodeObjVerIDs([]proto.ObjVerIDWire{{Inode: oid.Inode, Stripe: oid.Stripe, Version: version}})
	_, err := c.send(ctx, osdNum, pgNum, proto.OpSecRollback, payload)
	return err
}

// SecList fetches osdNum's reported object summaries for pgNum, for a
// peering pass diffing this primary's authoritative state against a
// replica's (SPEC_FULL §4 SEC_LIST).
func (c *PeerClient) SecList(ctx context.Context, osdNum, pgNum uint64) ([]proto.ObjectSummaryWire, error) {
	reply, err := c.send(ctx, osdNum, pgNum, proto.OpSecList, nil)
	if err != nil {
		return nil, err
	}
	return proto.DecodeObjectSummaries(reply.Payload)
}

func toWire(ids []blockstore.ObjVerId) []proto.ObjVerIDWire {
	out := make([]proto.ObjVerIDWire, len(ids))
	for i, id := range ids {
		out[i] = proto.ObjVerIDWire{Inode: id.Oid.Inode, Stripe: id.Oid.Stripe, Version: id.Version}
	}
	return out
}

// peerError marks an error as spec §7's "peer unreachable" kind, which
// the primary pipeline uses to decide whether to abort-and-rollback or
// trigger re-peering.
type peerError struct {
	osd uint64
	err error
}

func newPeerErr(osd uint64, err error) *peerError { return &peerError{osd: osd, err: err} }

func (e *peerError) Error() string { return fmt.Sprintf("peer %d unreachable: %v", e.osd, e.err) }

func (e *peerError) Unwrap() error { return e.err }
