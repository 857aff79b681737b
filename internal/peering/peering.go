// Package peering drives the periodic pass spec §4.6/§4.7 assume
// happens before flush reconciliation and recovery re-replication can
// do anything: for every PG this OSD is primary for, fetch each
// replica's SEC_LIST report, diff it against this OSD's own
// authoritative view, and turn the diff into flush.Actions (queued onto
// that PG's flush.Coordinator) and recovery.Candidates (queued for the
// recovery loop) — the S6 scenario of spec §8 end to end.
package peering

import (
	"context"
	"sync"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/flush"
	"github.com/shardstore/shardstore/internal/osd"
	"github.com/shardstore/shardstore/internal/recovery"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// Runner owns one flush.Coordinator per PG this OSD is primary for and
// the queue of recovery.Candidates its passes discover, so it doubles
// as both the flush-reconciliation driver and the recovery.Source the
// recovery loop drains from.
type Runner struct {
	self       uint64
	primary    *osd.Primary
	allPGs     func() []*osd.PG
	flushBatch int

	mu           sync.Mutex
	coordinators map[uint64]*flush.Coordinator
	pending      []recovery.Candidate
}

var _ recovery.Source = (*Runner)(nil)

// NewRunner builds a Runner for the OSD numbered self, whose primary
// pipeline is primary and whose current PG assignments are read from
// allPGs (normally cluster.State.AllPGs) on every pass.
func NewRunner(self uint64, primary *osd.Primary, allPGs func() []*osd.PG, flushBatch int) *Runner {
	return &Runner{
		self:         self,
		primary:      primary,
		allPGs:       allPGs,
		flushBatch:   flushBatch,
		coordinators: make(map[uint64]*flush.Coordinator),
	}
}

// Next implements recovery.Source, handing out up to n queued
// candidates, degraded ones first (spec §4.7 selection order).
func (r *Runner) Next(n int) ([]recovery.Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, false
	}
	sortDegradedFirst(r.pending)
	if n > len(r.pending) {
		n = len(r.pending)
	}
	out := r.pending[:n]
	r.pending = r.pending[n:]
	return out, true
}

func sortDegradedFirst(cs []recovery.Candidate) {
	i := 0
	for j, c := range cs {
		if c.Degraded {
			cs[i], cs[j] = cs[j], cs[i]
			i++
		}
	}
}

// Pass runs one peering round over every PG this OSD is primary for:
// compute flush actions for every active PG, and recovery candidates
// for PGs flagged HAS_DEGRADED or HAS_MISPLACED.
func (r *Runner) Pass(ctx context.Context) {
	for _, pg := range r.allPGs() {
		if pg.Primary != r.self || pg.State&osd.PGActive == 0 {
			continue
		}
		r.peerOnePG(ctx, pg)
	}
}

// Drain drives every PG's flush.Coordinator through one round of
// batched secondary-stabilize/secondary-rollback calls.
func (r *Runner) Drain(ctx context.Context) {
	r.mu.Lock()
	coords := make([]*flush.Coordinator, 0, len(r.coordinators))
	pgs := make([]uint64, 0, len(r.coordinators))
	for pgNum, c := range r.coordinators {
		coords = append(coords, c)
		pgs = append(pgs, pgNum)
	}
	r.mu.Unlock()

	for i, c := range coords {
		if err := c.Drain(ctx); err != nil {
			log.LogWarnf("peering: pg %d flush drain: %v", pgs[i], err)
		}
	}
}

func (r *Runner) coordinatorFor(pgNum uint64) *flush.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[pgNum]
	if !ok {
		c = flush.NewCoordinator(pgNum, r.primary.Blockstore(), r.primary.PeerClient(), r.flushBatch, nil)
		r.coordinators[pgNum] = c
	}
	return c
}

// peerOnePG gathers SEC_LIST reports from every peer of pg, diffs them
// against this OSD's own object list, and enqueues the results.
func (r *Runner) peerOnePG(ctx context.Context, pg *osd.PG) {
	local := r.primary.Blockstore().ListObjects()
	authoritative := make(map[blockstore.Oid]uint64, len(local))
	for _, s := range local {
		authoritative[s.Oid] = s.Version
	}

	degraded := pg.State&osd.PGHasDegraded != 0
	misplaced := !degraded && pg.State&osd.PGHasMisplaced != 0

	var reports []flush.PeerReport
	seenMissing := make(map[blockstore.Oid]bool)
	var candidates []recovery.Candidate

	for _, peerOSD := range pg.Peers(r.self) {
		summaries, err := r.primary.PeerClient().SecList(ctx, peerOSD, pg.Num)
		if err != nil {
			log.LogWarnf("peering: pg %d sec_list to osd %d failed: %v", pg.Num, peerOSD, err)
			continue
		}

		versions := make(map[blockstore.Oid]blockstore.ObjVerId, len(summaries))
		stable := make(map[blockstore.Oid]bool, len(summaries))
		have := make(map[blockstore.Oid]bool, len(summaries))
		for _, s := range summaries {
			oid := blockstore.Oid{Inode: s.Inode, Stripe: s.Stripe}
			versions[oid] = blockstore.ObjVerId{Oid: oid, Version: s.Version}
			stable[oid] = s.Stable
			have[oid] = true
		}
		reports = append(reports, flush.PeerReport{OSD: peerOSD, Versions: versions, Stable: stable})

		if !degraded && !misplaced {
			continue
		}
		for oid := range authoritative {
			if have[oid] || seenMissing[oid] {
				continue
			}
			seenMissing[oid] = true
			candidates = append(candidates, recovery.Candidate{PG: pg.Num, Oid: oid, Degraded: degraded, Misplaced: misplaced})
		}
	}

	if actions := flush.ComputeActions(authoritative, reports); len(actions) > 0 {
		r.coordinatorFor(pg.Num).Enqueue(actions)
	}
	if len(candidates) > 0 {
		r.mu.Lock()
		r.pending = append(r.pending, candidates...)
		r.mu.Unlock()
	}
}
