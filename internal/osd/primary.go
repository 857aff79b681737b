package osd

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/pkg/util/log"
	"github.com/shardstore/shardstore/pkg/util/tracing"
)

// Primary drives the client-facing write/sync/stabilize pipeline of
// spec §4.5 for the PGs this OSD is primary for. It owns no PG state
// itself; PGLookup supplies the current OSD set for a PG number, kept
// current by the cluster watch loop (internal/cluster).
type Primary struct {
	selfOSD uint64
	bs      *blockstore.Blockstore
	peers   *PeerClient
	pgs     PGLookup
	ops     *Table
}

// PGLookup resolves a PG number to its current placement, as maintained
// by the cluster state client.
type PGLookup interface {
	PG(pgNum uint64) (*PG, bool)
}

func NewPrimary(selfOSD uint64, bs *blockstore.Blockstore, peers *PeerClient, pgs PGLookup) *Primary {
	return &Primary{selfOSD: selfOSD, bs: bs, peers: peers, pgs: pgs, ops: NewTable()}
}

// PeerClient exposes the peer RPC client this primary fans out through,
// for sibling components (the flush coordinator) that issue their own
// secondary-stabilize/secondary-rollback calls against the same peers.
func (p *Primary) PeerClient() *PeerClient { return p.peers }

// Blockstore exposes the local Blockstore, for sibling components that
// need to act on it directly (the flush coordinator's local-replica
// case).
func (p *Primary) Blockstore() *blockstore.Blockstore { return p.bs }

func (p *Primary) pgFor(pgNum uint64) (*PG, error) {
	pg, ok := p.pgs.PG(pgNum)
	if !ok {
		return nil, fmt.Errorf("osd: unknown pg %d", pgNum)
	}
	if pg.State&PGActive == 0 {
		return nil, fmt.Errorf("osd: pg %d not active (state=%s)", pg.Num, pg.State)
	}
	return pg, nil
}

// Write runs the 6-step protocol's write half (spec §4.5 steps 1-3):
// assign a version against local state, fan the write out to every
// other replica in the PG set, and on any peer failure roll the
// already-acked peers back to the caller-observed prior version so the
// object does not diverge.
func (p *Primary) Write(ctx context.Context, pgNum uint64, oid blockstore.Oid, offset uint32, buf []byte) (uint64, error) {
	ctx, span := tracing.StartSpan(ctx, "osd.Primary.Write")
	span.SetTag("pg", pgNum).SetTag("oid", oid.String())
	var err error
	defer func() { span.Finish(err) }()

	pg, err := p.pgFor(pgNum)
	if err != nil {
		return 0, err
	}

	res, err := p.bs.Write(blockstore.WriteOp{Oid: oid, Offset: offset, Len: uint32(len(buf)), Buf: buf})
	if err != nil {
		return 0, err
	}
	id := blockstore.ObjVerId{Oid: oid, Version: res.Version}

	peers := pg.Peers(p.selfOSD)
	var acked []uint64
	acked, err = p.fanOut(ctx, peers, func(ctx context.Context, osd uint64) error {
		return p.peers.SecWrite(ctx, osd, pgNum, id, offset, buf)
	})
	if err != nil {
		p.rollbackAcked(ctx, pgNum, oid, acked, priorVersion(res.Version))
		err = fmt.Errorf("osd: write pg %d %s: %w", pgNum, oid, err)
		return 0, err
	}
	return res.Version, nil
}

func priorVersion(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return v - 1
}

// Sync runs steps 4-6: sync locally and on every peer, then broadcast a
// stabilize covering exactly what this OSD's own sync carried (peers
// received the same writes during Write, so their own sync carries the
// same set under normal operation; a peer that diverges is caught at
// its next peering pass rather than blocking this client's sync).
func (p *Primary) Sync(ctx context.Context, pgNum uint64) error {
	ctx, span := tracing.StartSpan(ctx, "osd.Primary.Sync")
	span.SetTag("pg", pgNum)
	var err error
	defer func() { span.Finish(err) }()

	pg, err := p.pgFor(pgNum)
	if err != nil {
		return err
	}

	syncRes, err := p.bs.Sync()
	if err != nil {
		return err
	}

	peers := pg.Peers(p.selfOSD)
	if _, fanErr := p.fanOut(ctx, peers, func(ctx context.Context, osd uint64) error {
		return p.peers.SecSync(ctx, osd, pgNum)
	}); fanErr != nil {
		// Synced-but-not-stable on a subset of peers is a recoverable
		// state (spec §4.6 flush coordinator reconciles it later); the
		// client sync itself has already committed locally.
		log.LogWarnf("osd: pg %d sync fanout: %v", pgNum, fanErr)
		err = fanErr
		return err
	}

	if len(syncRes.Carried) == 0 {
		return nil
	}
	if _, stabErr := p.bs.Stabilize(syncRes.Carried); stabErr != nil {
		err = stabErr
		return err
	}
	if _, fanErr := p.fanOut(ctx, peers, func(ctx context.Context, osd uint64) error {
		return p.peers.SecStabilize(ctx, osd, pgNum, syncRes.Carried)
	}); fanErr != nil {
		log.LogWarnf("osd: pg %d stabilize fanout: %v", pgNum, fanErr)
		err = fanErr
		return err
	}
	return nil
}

func (p *Primary) Read(ctx context.Context, pgNum uint64, op blockstore.ReadOp) (blockstore.ReadResult, error) {
	if _, err := p.pgFor(pgNum); err != nil {
		return blockstore.ReadResult{}, err
	}
	return p.bs.Read(op)
}

func (p *Primary) Delete(ctx context.Context, pgNum uint64, oid blockstore.Oid) (uint64, error) {
	if _, err := p.pgFor(pgNum); err != nil {
		return 0, err
	}
	res, err := p.bs.Delete(blockstore.DeleteOp{Oid: oid})
	return res.Version, err
}

// fanOut runs fn against every peer concurrently and returns the subset
// that succeeded before any error, alongside the first error observed.
// Peers already acked when a sibling fails are reported so the caller
// can decide whether to unwind them.
func (p *Primary) fanOut(ctx context.Context, peers []uint64, fn func(ctx context.Context, osd uint64) error) ([]uint64, error) {
	if len(peers) == 0 {
		return nil, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	acked := make(chan uint64, len(peers))
	for _, osd := range peers {
		osd := osd
		g.Go(func() error {
			if err := fn(gctx, osd); err != nil {
				return err
			}
			acked <- osd
			return nil
		})
	}
	err := g.Wait()
	close(acked)
	var ok []uint64
	for osd := range acked {
		ok = append(ok, osd)
	}
	return ok, err
}

func (p *Primary) rollbackAcked(ctx context.Context, pgNum uint64, oid blockstore.Oid, acked []uint64, toVersion uint64) {
	if err := p.bs.Rollback(oid, toVersion); err != nil {
		log.LogWarnf("osd: local rollback of %s to %d failed: %v", oid, toVersion, err)
	}
	for _, osd := range acked {
		if err := p.peers.SecRollback(ctx, osd, pgNum, oid, toVersion); err != nil {
			log.LogWarnf("osd: rollback of %s to %d on peer %d failed: %v", oid, toVersion, osd, err)
		}
	}
}
