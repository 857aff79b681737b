// Package mockmessenger is an in-process messenger.Transport double for
// tests that need several OSDs' dispatchers wired together without a
// real socket: Send looks a registered Handler up by address and calls
// it directly. It stands in for the golang/mock-generated fake the
// teacher's own test suite would reach for, hand-written here since
// generating one requires running the Go toolchain.
package mockmessenger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardstore/shardstore/internal/messenger"
	"github.com/shardstore/shardstore/internal/proto"
)

// Transport routes Send(addr) to whatever Handler is currently
// registered for addr, and can be told to fail a given address to
// simulate an unreachable peer.
type Transport struct {
	mu       sync.RWMutex
	handlers map[string]messenger.Handler
	failing  map[string]error
}

func New() *Transport {
	return &Transport{
		handlers: make(map[string]messenger.Handler),
		failing:  make(map[string]error),
	}
}

// Register wires addr to handler, as if an OSD were listening there.
func (t *Transport) Register(addr string, handler messenger.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr] = handler
}

// Fail makes every subsequent Send to addr return err, until Unfail.
func (t *Transport) Fail(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[addr] = err
}

func (t *Transport) Unfail(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failing, addr)
}

func (t *Transport) Send(ctx context.Context, addr string, req *proto.Packet) (*proto.Packet, error) {
	t.mu.RLock()
	err, down := t.failing[addr]
	handler, ok := t.handlers[addr]
	t.mu.RUnlock()

	if down {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("mockmessenger: no handler registered for %q", addr)
	}
	reply := handler(ctx, req)
	if reply == nil {
		reply = &proto.Packet{Opcode: req.Opcode, PGNum: req.PGNum, ID: req.ID, ResultCode: proto.ResultOK}
	}
	return reply, nil
}

// Serve registers handler for addr and blocks until ctx is canceled, to
// satisfy messenger.Transport for code paths that call Serve directly
// rather than Register.
func (t *Transport) Serve(ctx context.Context, addr string, handler messenger.Handler) error {
	t.Register(addr, handler)
	<-ctx.Done()
	return nil
}

func (t *Transport) Close() error { return nil }
