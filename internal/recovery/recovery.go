// Package recovery implements the background degraded/misplaced object
// re-replication loop of spec §4.7.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/osd"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// Candidate is one object a PG's peering pass flagged as needing
// re-replication.
type Candidate struct {
	PG        uint64
	Oid       blockstore.Oid
	Degraded  bool // ACTIVE ∧ HAS_DEGRADED
	Misplaced bool // ACTIVE ∧ HAS_MISPLACED ∧ ¬DEGRADED
}

// Source supplies the current recovery work list; the daemon wires in
// peering.Runner, which collects candidates during its peering passes.
type Source interface {
	// Next returns up to n further candidates not already in flight,
	// degraded objects before misplaced ones (spec §4.7 selection
	// order), or false if none are currently available.
	Next(n int) ([]Candidate, bool)
}

// Writer is the subset of Primary recovery needs: a zero-length write
// which the primary write path naturally turns into a re-replicate
// (spec §4.7), plus an explicit sync to flush it.
type Writer interface {
	Write(ctx context.Context, pgNum uint64, oid blockstore.Oid, offset uint32, buf []byte) (uint64, error)
	Sync(ctx context.Context, pgNum uint64) error
}

var _ Writer = (*osd.Primary)(nil)

// Loop drives at most queueDepth concurrent recovery operations,
// throttling completions into periodic autosyncs every syncBatch
// completions (spec §4.7).
type Loop struct {
	source    Source
	writer    Writer
	depth     int
	syncBatch int
	limiter   *rate.Limiter
	clock     clock.Clock

	mu         sync.Mutex
	completed  int
	touchedPGs map[uint64]bool
}

// NewLoop constructs a recovery loop. limiter throttles the rate of
// recovery writes issued per second; a nil limiter means unthrottled.
func NewLoop(source Source, writer Writer, queueDepth, syncBatch int, limiter *rate.Limiter) *Loop {
	if queueDepth <= 0 {
		queueDepth = 4
	}
	if syncBatch <= 0 {
		syncBatch = 16
	}
	return &Loop{
		source: source, writer: writer, depth: queueDepth, syncBatch: syncBatch, limiter: limiter,
		clock:      clock.New(),
		touchedPGs: make(map[uint64]bool),
	}
}

// SetClock overrides the loop's clock, for tests that need to control
// RunForever's idle backoff deterministically.
func (l *Loop) SetClock(c clock.Clock) { l.clock = c }

// Run drains the source until it reports no further candidates, or ctx
// is canceled, keeping at most depth recovery operations in flight at
// once.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		candidates, ok := l.source.Next(l.depth)
		if !ok || len(candidates) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range candidates {
			c := c
			g.Go(func() error {
				if l.limiter != nil {
					if err := l.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				return l.recoverOne(gctx, c)
			})
		}
		if err := g.Wait(); err != nil {
			log.LogWarnf("recovery: batch failed: %v", err)
		}
	}
}

// RunForever calls Run repeatedly for as long as ctx is live, sleeping
// idleBackoff between runs whenever the source reports no work — the
// long-lived form cmd/osd's daemon loop drives, with the backoff timer
// routed through l.clock so tests can control it instead of sleeping in
// real time.
func (l *Loop) RunForever(ctx context.Context, idleBackoff time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := l.Run(ctx); err != nil {
			log.LogWarnf("recovery: loop exited: %v", err)
		}
		t := l.clock.Timer(idleBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// recoverOne issues the zero-length re-replicate write and tracks its
// PG for the periodic autosync.
func (l *Loop) recoverOne(ctx context.Context, c Candidate) error {
	if _, err := l.writer.Write(ctx, c.PG, c.Oid, 0, nil); err != nil {
		return err
	}

	l.mu.Lock()
	l.completed++
	l.touchedPGs[c.PG] = true
	due := l.completed%l.syncBatch == 0
	var pgs []uint64
	if due {
		for pg := range l.touchedPGs {
			pgs = append(pgs, pg)
		}
		l.touchedPGs = make(map[uint64]bool)
	}
	l.mu.Unlock()

	for _, pg := range pgs {
		if err := l.writer.Sync(ctx, pg); err != nil {
			log.LogWarnf("recovery: autosync pg %d failed: %v", pg, err)
		}
	}
	return nil
}
