package osd

import (
	"context"
	"errors"
	"fmt"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/messenger"
	"github.com/shardstore/shardstore/internal/proto"
	"github.com/shardstore/shardstore/pkg/util/config"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// Dispatcher is the single messenger.Handler every accepted connection's
// requests are routed through (spec §4.5): it validates framing beyond
// what proto.Unmarshal already checked, then either runs the op through
// the primary pipeline or answers it directly against the local
// Blockstore as a secondary.
type Dispatcher struct {
	primary   *Primary
	secondary *Secondary
	blockSize uint32
	cfg       *config.Config
}

func NewDispatcher(primary *Primary, secondary *Secondary, blockSize uint32, cfg *config.Config) *Dispatcher {
	return &Dispatcher{primary: primary, secondary: secondary, blockSize: blockSize, cfg: cfg}
}

func (d *Dispatcher) Handle(ctx context.Context, req *proto.Packet) *proto.Packet {
	reply, err := d.dispatch(ctx, req)
	if reply == nil {
		reply = &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID}
	}
	if err != nil {
		reply.ResultCode = resultCodeOf(err)
		log.LogWarnf("osd: %s pg=%d failed: %v", req.Opcode, req.PGNum, err)
	}
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, req *proto.Packet) (*proto.Packet, error) {
	if !req.Opcode.Valid() {
		return nil, fmt.Errorf("osd: invalid opcode %d", req.Opcode)
	}

	switch req.Opcode {
	case proto.OpWrite:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := d.validateAlignment(wr.Offset, wr.Len); err != nil {
			return nil, err
		}
		version, err := d.primary.Write(ctx, req.PGNum, blockstore.Oid{Inode: wr.Inode, Stripe: wr.Stripe}, wr.Offset, wr.Data)
		if err != nil {
			return nil, err
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: encodeVersion(version)}, nil

	case proto.OpSync:
		if err := d.primary.Sync(ctx, req.PGNum); err != nil {
			return nil, err
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID}, nil

	case proto.OpRead:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := d.validateAlignment(wr.Offset, wr.Len); err != nil {
			return nil, err
		}
		res, err := d.primary.Read(ctx, req.PGNum, blockstore.ReadOp{
			Oid: blockstore.Oid{Inode: wr.Inode, Stripe: wr.Stripe}, Offset: wr.Offset, Len: wr.Len,
		})
		if err != nil {
			return nil, err
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: res.Buf}, nil

	case proto.OpDelete:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		version, err := d.primary.Delete(ctx, req.PGNum, blockstore.Oid{Inode: wr.Inode, Stripe: wr.Stripe})
		if err != nil {
			return nil, err
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: encodeVersion(version)}, nil

	case proto.OpSecWrite:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := d.validateAlignment(wr.Offset, wr.Len); err != nil {
			return nil, err
		}
		return nil, d.secondary.Write(wr)

	case proto.OpSecWriteStable:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := d.validateAlignment(wr.Offset, wr.Len); err != nil {
			return nil, err
		}
		return nil, d.secondary.WriteStable(wr)

	case proto.OpSecSync:
		return nil, d.secondary.Sync()

	case proto.OpSecStabilize:
		ids, err := proto.DecodeObjVerIDs(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.secondary.Stabilize(ids)

	case proto.OpSecRollback:
		ids, err := proto.DecodeObjVerIDs(req.Payload)
		if err != nil {
			return nil, err
		}
		if len(ids) != 1 {
			return nil, fmt.Errorf("osd: rollback expects exactly one obj_ver_id, got %d", len(ids))
		}
		return nil, d.secondary.Rollback(ids[0])

	case proto.OpSecRead:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		res, err := d.secondary.Read(wr)
		if err != nil {
			return nil, err
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: res.Buf}, nil

	case proto.OpSecList:
		summaries := d.secondary.List()
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: proto.EncodeObjectSummaries(summaries)}, nil

	case proto.OpSecReadBmp:
		wr, err := proto.DecodeWriteRequest(req.Payload)
		if err != nil {
			return nil, err
		}
		bm, ok := d.secondary.ReadBitmap(blockstore.Oid{Inode: wr.Inode, Stripe: wr.Stripe})
		if !ok {
			return nil, fmt.Errorf("osd: no bitmap for %d:%d", wr.Inode, wr.Stripe)
		}
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: bm}, nil

	case proto.OpShowConfig:
		return &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, Payload: d.cfg.Raw}, nil

	default:
		return nil, fmt.Errorf("osd: opcode %s not yet implemented", req.Opcode)
	}
}

// validateAlignment enforces the dispatcher's framing rule (spec §4.5):
// offset and length must be aligned to the block boundary unless the
// write/read is fully contained within a single block.
func (d *Dispatcher) validateAlignment(offset, length uint32) error {
	if length == 0 {
		return fmt.Errorf("osd: zero-length op")
	}
	if offset+length > d.blockSize && (offset%d.blockSize != 0 || length%d.blockSize != 0) {
		return fmt.Errorf("osd: op [%d,%d) crosses block boundary unaligned (block size %d)", offset, offset+length, d.blockSize)
	}
	return nil
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func resultCodeOf(err error) proto.ResultCode {
	var be *blockstore.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case blockstore.KindInvalidInput:
			return proto.ResultInvalidInput
		case blockstore.KindVersionConflict:
			return proto.ResultVersionConflict
		case blockstore.KindRetryLater:
			return proto.ResultRetryLater
		case blockstore.KindExhausted:
			return proto.ResultExhausted
		case blockstore.KindDeviceIO:
			return proto.ResultDeviceIO
		}
	}
	var pe *peerError
	if errors.As(err, &pe) {
		return proto.ResultPeerUnreachable
	}
	return proto.ResultInvalidInput
}

// Serve registers the dispatcher with a transport and blocks until ctx
// is canceled.
func Serve(ctx context.Context, t messenger.Transport, addr string, d *Dispatcher) error {
	return t.Serve(ctx, addr, d.Handle)
}
