package osd

import (
	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/proto"
)

// Secondary answers SEC_* requests by calling straight into the local
// Blockstore, with no fan-out of its own (spec §4.5: replicas execute
// the op the primary already decided the version for).
type Secondary struct {
	bs *blockstore.Blockstore
}

func NewSecondary(bs *blockstore.Blockstore) *Secondary {
	return &Secondary{bs: bs}
}

func (s *Secondary) Write(req proto.WriteRequest) error {
	_, err := s.bs.Write(blockstore.WriteOp{
		Oid:     blockstore.Oid{Inode: req.Inode, Stripe: req.Stripe},
		Version: req.Version,
		Offset:  req.Offset,
		Len:     req.Len,
		Buf:     req.Data,
	})
	return err
}

// WriteStable answers SEC_WRITE_STABLE: a secondary write carrying the
// INSTANT flag (spec §3), so the entry is promoted straight to STABLE
// on the next sync instead of waiting for a separate SEC_STABILIZE.
func (s *Secondary) WriteStable(req proto.WriteRequest) error {
	_, err := s.bs.Write(blockstore.WriteOp{
		Oid:     blockstore.Oid{Inode: req.Inode, Stripe: req.Stripe},
		Version: req.Version,
		Offset:  req.Offset,
		Len:     req.Len,
		Buf:     req.Data,
		Instant: true,
	})
	return err
}

func (s *Secondary) Sync() error {
	_, err := s.bs.Sync()
	return err
}

func (s *Secondary) Stabilize(ids []proto.ObjVerIDWire) error {
	_, err := s.bs.Stabilize(fromWire(ids))
	return err
}

func (s *Secondary) Rollback(id proto.ObjVerIDWire) error {
	return s.bs.Rollback(blockstore.Oid{Inode: id.Inode, Stripe: id.Stripe}, id.Version)
}

func (s *Secondary) Read(req proto.WriteRequest) (blockstore.ReadResult, error) {
	return s.bs.Read(blockstore.ReadOp{
		Oid:    blockstore.Oid{Inode: req.Inode, Stripe: req.Stripe},
		Offset: req.Offset,
		Len:    req.Len,
	})
}

// List answers SEC_LIST, reporting this replica's highest known version
// per object for the requesting primary's peering/flush diff (SPEC_FULL
// §4).
func (s *Secondary) List() []proto.ObjectSummaryWire {
	summaries := s.bs.ListObjects()
	out := make([]proto.ObjectSummaryWire, len(summaries))
	for i, sm := range summaries {
		out[i] = proto.ObjectSummaryWire{Inode: sm.Oid.Inode, Stripe: sm.Oid.Stripe, Version: sm.Version, Stable: sm.Stable}
	}
	return out
}

// ReadBitmap answers SEC_READ_BMP: the sub-block liveness bitmap of
// oid's clean entry, serialized by Bitmap.Marshal.
func (s *Secondary) ReadBitmap(oid blockstore.Oid) ([]byte, bool) {
	bm, ok := s.bs.ReadBitmap(oid)
	if !ok || bm == nil {
		return nil, ok
	}
	return bm.Marshal(), true
}

func fromWire(ids []proto.ObjVerIDWire) []blockstore.ObjVerId {
	out := make([]blockstore.ObjVerId, len(ids))
	for i, id := range ids {
		out[i] = blockstore.ObjVerId{Oid: blockstore.Oid{Inode: id.Inode, Stripe: id.Stripe}, Version: id.Version}
	}
	return out
}
