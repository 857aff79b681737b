// Package messenger specifies the contract spec §1/§6 leaves external:
// framed request/reply delivery between OSDs and between a client and
// its primary. The RDMA transport and full wire framing are explicitly
// out of scope; Transport is the seam the rest of shardstore programs
// against, and tcp.go is one concrete, non-RDMA implementation of it
// good enough to test the primary/secondary pipeline end to end.
package messenger

import (
	"context"

	"github.com/shardstore/shardstore/internal/proto"
)

// Handler answers one request packet with a reply packet. Handlers must
// not block the transport's accept loop; long-running work is expected
// to hop onto the receiving component's own executor (e.g.
// Blockstore.exec) and reply asynchronously via the returned packet.
type Handler func(ctx context.Context, req *proto.Packet) *proto.Packet

// Transport is the messenger contract of spec §1 and §6: it delivers a
// framed request to a peer and returns its framed reply, and it accepts
// inbound connections and dispatches decoded requests to a Handler.
// Sockets are owned by the Transport; per spec §5 each accepted
// connection holds a reference count so deferred completions do not
// dereference freed state, which the reference implementation
// implements via per-connection context cancellation instead of manual
// refcounting.
type Transport interface {
	// Send delivers req to addr and returns its reply, or an error that
	// should be treated as spec §7's "peer unreachable" kind.
	Send(ctx context.Context, addr string, req *proto.Packet) (*proto.Packet, error)

	// Serve accepts connections on addr until ctx is canceled, invoking
	// handler for every decoded request.
	Serve(ctx context.Context, addr string, handler Handler) error

	// Close releases all connections and listeners owned by the
	// transport.
	Close() error
}
