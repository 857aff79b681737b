package osd

import (
	"context"
	"sync"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/messenger"
	"github.com/shardstore/shardstore/pkg/util/config"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// StaticPGTable is the simplest PGLookup: an in-memory map updated by
// calling Set. The daemon uses the cluster client's state as its
// PGLookup instead; StaticPGTable is the one used in tests, where
// placement is fixed for the run.
type StaticPGTable struct {
	mu  sync.RWMutex
	pgs map[uint64]*PG
}

func NewStaticPGTable() *StaticPGTable {
	return &StaticPGTable{pgs: make(map[uint64]*PG)}
}

func (t *StaticPGTable) PG(pgNum uint64) (*PG, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pg, ok := t.pgs[pgNum]
	return pg, ok
}

func (t *StaticPGTable) Set(pg *PG) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pgs[pg.Num] = pg
}

// All returns every currently known PG, for callers (the flush loop)
// that need to enumerate rather than look up by number.
func (t *StaticPGTable) All() []*PG {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PG, 0, len(t.pgs))
	for _, pg := range t.pgs {
		out = append(out, pg)
	}
	return out
}

// Server wires a Blockstore, a Transport and PG placement into a
// running OSD: it answers client requests as primary for the PGs it
// owns and as secondary for SEC_* requests issued by whichever OSD is
// primary for a given PG.
type Server struct {
	OSDNum     uint64
	Addr       string
	Blockstore *blockstore.Blockstore
	Transport  messenger.Transport
	PGs        PGLookup
	Cfg        *config.Config
	Primary    *Primary

	dispatcher *Dispatcher
}

// NewServer wires one Primary (shared with any flush/recovery loops the
// caller runs alongside it) against pgs, the single source of PG
// placement truth for this process.
func NewServer(osdNum uint64, addr string, bs *blockstore.Blockstore, transport messenger.Transport, pgs PGLookup, addrOf func(uint64) (string, bool), cfg *config.Config) *Server {
	peers := NewPeerClient(transport, addrOf)
	primary := NewPrimary(osdNum, bs, peers, pgs)
	secondary := NewSecondary(bs)
	return &Server{
		OSDNum:     osdNum,
		Addr:       addr,
		Blockstore: bs,
		Transport:  transport,
		PGs:        pgs,
		Cfg:        cfg,
		Primary:    primary,
		dispatcher: NewDispatcher(primary, secondary, bs.BlockSize(), cfg),
	}
}

// Run blocks serving requests until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	log.LogInfof("osd %d: listening on %s", s.OSDNum, s.Addr)
	return Serve(ctx, s.Transport, s.Addr, s.dispatcher)
}
