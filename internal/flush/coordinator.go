// Package flush implements the per-PG flush coordinator of spec §4.6:
// once peering settles on what each replica should hold, the
// coordinator reconciles every replica's actual dirty/clean state
// against that decision by batching secondary-stabilize and
// secondary-rollback calls.
package flush

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// ActionKind is the decision the coordinator reached for one (oid, osd)
// pair during peering.
type ActionKind uint8

const (
	ActionMakeStable ActionKind = iota
	ActionRollback
)

func (k ActionKind) String() string {
	if k == ActionMakeStable {
		return "make_stable"
	}
	return "rollback"
}

// Action is one pending reconciliation entry: replica osd should either
// be told to stabilize id, or rolled back to version (meaningful only
// for ActionRollback).
type Action struct {
	OSD     uint64
	ID      blockstore.ObjVerId
	Kind    ActionKind
	Version uint64 // rollback cutoff; ignored for ActionMakeStable
}

// PeerExecutor is the subset of the primary's peer RPC surface the
// coordinator needs, kept narrow so tests can fake it without standing
// up a real PeerClient.
type PeerExecutor interface {
	SecStabilize(ctx context.Context, osd, pgNum uint64, ids []blockstore.ObjVerId) error
	SecRollback(ctx context.Context, osd, pgNum uint64, oid blockstore.Oid, version uint64) error
}

// Coordinator owns one PG's pending flush_actions list and drains it in
// FLUSH_BATCH-sized, per-peer, per-kind batches (spec §4.6).
type Coordinator struct {
	pgNum      uint64
	bs         *blockstore.Blockstore
	peers      PeerExecutor
	flushBatch int

	pending []Action

	// resumeFn is called once an oid's last pending action for it clears,
	// so the caller can resume writes waiting on that oid.
	resumeFn func(blockstore.Oid)
}

func NewCoordinator(pgNum uint64, bs *blockstore.Blockstore, peers PeerExecutor, flushBatch int, resumeFn func(blockstore.Oid)) *Coordinator {
	if flushBatch <= 0 {
		flushBatch = 128
	}
	return &Coordinator{pgNum: pgNum, bs: bs, peers: peers, flushBatch: flushBatch, resumeFn: resumeFn}
}

// Enqueue adds freshly decided actions (from a peering pass) to the
// pending list.
func (c *Coordinator) Enqueue(actions []Action) {
	c.pending = append(c.pending, actions...)
}

// Pending reports how many flush_actions remain, for peering/status
// reporting.
func (c *Coordinator) Pending() int { return len(c.pending) }

// Drain issues one round of batched secondary-stabilize/secondary-
// rollback calls for every (peer, kind) group in the pending list,
// removing entries whose sub-op succeeds. Batches never split an
// object's versions: all pending actions for one oid travel in the same
// batch (spec §4.6).
func (c *Coordinator) Drain(ctx context.Context) error {
	groups := c.groupByPeerAndKind()
	if len(groups) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var failed sync64Set
	var failedMu sync.Mutex
	for key, actions := range groups {
		key, actions := key, actions
		for _, batch := range batchByObject(actions, c.flushBatch) {
			batch := batch
			g.Go(func() error {
				if err := c.runBatch(gctx, key.osd, key.kind, batch); err != nil {
					log.LogWarnf("flush: pg %d peer %d %s batch failed, abandoning: %v", c.pgNum, key.osd, key.kind, err)
					failedMu.Lock()
					failed.add(key.osd)
					failedMu.Unlock()
					return nil // a peer failure does not abort sibling batches
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	c.removeCompleted(failed)
	return nil
}

type peerKind struct {
	osd  uint64
	kind ActionKind
}

func (c *Coordinator) groupByPeerAndKind() map[peerKind][]Action {
	groups := make(map[peerKind][]Action)
	for _, a := range c.pending {
		key := peerKind{osd: a.OSD, kind: a.Kind}
		groups[key] = append(groups[key], a)
	}
	return groups
}

// batchByObject splits actions into chunks, starting a new chunk once
// the current one holds at least max entries and the next action has a
// different Oid. Actions with the same Oid are never split across
// chunks, so a chunk can hold more than max entries.
func batchByObject(actions []Action, max int) [][]Action {
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID.Less(actions[j].ID) })
	var batches [][]Action
	var cur []Action
	for i, a := range actions {
		if len(cur) >= max && (i == 0 || actions[i-1].ID.Oid != a.ID.Oid) {
			batches = append(batches, cur)
			cur = nil
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (c *Coordinator) runBatch(ctx context.Context, osd uint64, kind ActionKind, batch []Action) error {
	switch kind {
	case ActionMakeStable:
		ids := make([]blockstore.ObjVerId, len(batch))
		for i, a := range batch {
			ids[i] = a.ID
		}
		if osd == localMarker {
			_, err := c.bs.Stabilize(ids)
			return err
		}
		return c.peers.SecStabilize(ctx, osd, c.pgNum, ids)
	case ActionRollback:
		for _, a := range batch {
			var err error
			if osd == localMarker {
				err = c.bs.Rollback(a.ID.Oid, a.Version)
			} else {
				err = c.peers.SecRollback(ctx, osd, c.pgNum, a.ID.Oid, a.Version)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// localMarker is the sentinel OSD number the peering code uses to route
// an action at the local Blockstore instead of a peer RPC.
const localMarker = 0

type sync64Set struct {
	m map[uint64]struct{}
}

func (s *sync64Set) add(v uint64) {
	if s.m == nil {
		s.m = make(map[uint64]struct{})
	}
	s.m[v] = struct{}{}
}

func (s *sync64Set) has(v uint64) bool {
	_, ok := s.m[v]
	return ok
}

// removeCompleted drops every pending action whose peer did not fail
// this round, and resumes any oid whose last pending action just
// cleared (spec §4.6: "version overrides are cleared, and any writes
// waiting on those overrides are resumed").
func (c *Coordinator) removeCompleted(failed sync64Set) {
	var remaining []Action
	cleared := make(map[blockstore.Oid]bool)
	for _, a := range c.pending {
		if failed.has(a.OSD) {
			remaining = append(remaining, a)
			cleared[a.ID.Oid] = false
			continue
		}
		if _, already := cleared[a.ID.Oid]; !already {
			cleared[a.ID.Oid] = true
		}
	}
	c.pending = remaining
	if c.resumeFn == nil {
		return
	}
	for oid, stillClear := range cleared {
		if stillClear {
			c.resumeFn(oid)
		}
	}
}
