package messenger

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/google/uuid"
	"github.com/xtaci/smux"

	"github.com/shardstore/shardstore/internal/proto"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// TCPTransport is a reference Transport implementation: one TCP
// connection per peer, multiplexed with smux so many concurrent
// secondary-op streams share it (spec §4.5/§4.6 fan out many ops per
// peer). Repeated failures to a peer trip a hystrix circuit breaker so a
// primary op fails fast instead of queueing behind a dead peer, which is
// how spec §7's "peer unreachable" is meant to surface quickly enough to
// trigger re-peering.
type TCPTransport struct {
	mu       sync.Mutex
	sessions map[string]*smux.Session

	dialTimeout time.Duration
}

func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{sessions: make(map[string]*smux.Session), dialTimeout: dialTimeout}
}

func (t *TCPTransport) breakerName(addr string) string { return "shardstore-peer-" + addr }

func (t *TCPTransport) session(addr string) (*smux.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[addr]; ok && !s.IsClosed() {
		return s, nil
	}
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, err
	}
	sess, err := smux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.sessions[addr] = sess
	return sess, nil
}

func (t *TCPTransport) dropSession(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[addr]; ok {
		s.Close()
		delete(t.sessions, addr)
	}
}

// Send opens (or reuses) a multiplexed stream to addr, writes req, and
// waits for one reply frame.
func (t *TCPTransport) Send(ctx context.Context, addr string, req *proto.Packet) (*proto.Packet, error) {
	name := t.breakerName(addr)
	hystrix.ConfigureCommand(name, hystrix.CommandConfig{
		Timeout:               2000,
		MaxConcurrentRequests: 256,
		ErrorPercentThreshold: 50,
	})

	var reply *proto.Packet
	err := hystrix.DoC(ctx, name, func(ctx context.Context) error {
		sess, err := t.session(addr)
		if err != nil {
			return err
		}
		stream, err := sess.OpenStream()
		if err != nil {
			t.dropSession(addr)
			return err
		}
		defer stream.Close()

		if dl, ok := ctx.Deadline(); ok {
			stream.SetDeadline(dl)
		}
		if err := writeFrame(stream, req.Marshal()); err != nil {
			t.dropSession(addr)
			return err
		}
		buf, err := readFrame(stream)
		if err != nil {
			t.dropSession(addr)
			return err
		}
		reply, err = proto.Unmarshal(buf)
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("messenger: send to %s: %w", addr, err)
	}
	return reply, nil
}

// Serve accepts TCP connections, opens an smux session on each, and
// dispatches every stream's single request/reply exchange to handler.
func (t *TCPTransport) Serve(ctx context.Context, addr string, handler Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go t.serveConn(ctx, conn, handler)
	}
}

func (t *TCPTransport) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	connID := uuid.NewString()
	sess, err := smux.Server(conn, nil)
	if err != nil {
		log.LogWarnf("messenger: smux handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer sess.Close()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go t.serveStream(ctx, connID, stream, handler)
	}
}

func (t *TCPTransport) serveStream(ctx context.Context, connID string, stream *smux.Stream, handler Handler) {
	defer stream.Close()
	buf, err := readFrame(stream)
	if err != nil {
		return
	}
	req, err := proto.Unmarshal(buf)
	if err != nil {
		log.LogWarnf("messenger: bad frame from conn %s: %v", connID, err)
		return
	}
	reply := handler(ctx, req)
	if reply == nil {
		return
	}
	if err := writeFrame(stream, reply.Marshal()); err != nil {
		log.LogWarnf("messenger: reply to conn %s failed: %v", connID, err)
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, s := range t.sessions {
		s.Close()
		delete(t.sessions, addr)
	}
	return nil
}

func writeFrame(w io.Writer, buf []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > proto.MaxPayloadLen+proto.HeaderSize {
		return nil, fmt.Errorf("messenger: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
