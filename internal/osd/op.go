package osd

import (
	"sync"

	"github.com/rs/xid"

	"github.com/shardstore/shardstore/internal/blockstore"
)

// Kind is the closed, discriminated set of client-facing operations the
// primary dispatcher handles (spec §4.5). Representing it as a tagged
// variant instead of an opcode integer plus a payload union lets every
// switch over Kind be checked exhaustively (Design Notes §9).
type Kind uint8

const (
	KindClientRead Kind = iota
	KindClientWrite
	KindClientSync
	KindClientDelete
)

// Args is the payload for one Kind. Exactly one field is meaningful,
// selected by Kind; this mirrors the "tagged variant type" Design Notes
// §9 calls for while staying a plain struct (Go has no sum types).
type Args struct {
	Write  blockstore.WriteOp
	Read   blockstore.ReadOp
	Delete blockstore.DeleteOp
}

// Op is the owned, stable-id value an in-flight client operation lives
// as, reachable by id from every queue that needs to reference it
// (client receive list, peer send list, completion list), instead of
// being shared by pointer across them (Design Notes §9: "an owned value
// identified by a stable id... cross-references are weak").
type Op struct {
	ID    xid.ID
	PG    uint64
	Kind  Kind
	Args  Args
	Reply chan Reply
}

type Reply struct {
	Version uint64
	Buf     []byte
	Err     error
}

// Table holds Ops keyed by their stable id, looked up with Get. Primary
// creates one, but its Write and Sync paths run each call directly and
// do not register Ops in it.
type Table struct {
	mu  sync.Mutex
	ops map[xid.ID]*Op
}

func NewTable() *Table {
	return &Table{ops: make(map[xid.ID]*Op)}
}

func (t *Table) New(pg uint64, kind Kind, args Args) *Op {
	op := &Op{ID: xid.New(), PG: pg, Kind: kind, Args: args, Reply: make(chan Reply, 1)}
	t.mu.Lock()
	t.ops[op.ID] = op
	t.mu.Unlock()
	return op
}

func (t *Table) Get(id xid.ID) (*Op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	return op, ok
}

func (t *Table) Delete(id xid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, id)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
