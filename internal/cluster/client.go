// Package cluster implements the etcd-backed cluster state client of
// spec §4.8: a startup transactional read of PG/OSD placement plus
// long-lived watches that keep it current.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/shardstore/shardstore/internal/osd"
	"github.com/shardstore/shardstore/pkg/util/log"
)

// State is the client's current view, safe for concurrent reads while
// watches update it.
type State struct {
	mu        sync.RWMutex
	GlobalCfg []byte
	PGs       map[uint64]*osd.PG
	OSDUp     map[uint64]bool
	OSDAddr   map[uint64]string
}

func newState() *State {
	return &State{PGs: make(map[uint64]*osd.PG), OSDUp: make(map[uint64]bool), OSDAddr: make(map[uint64]string)}
}

func (s *State) PG(pgNum uint64) (*osd.PG, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pg, ok := s.PGs[pgNum]
	return pg, ok
}

// AllPGs returns every PG this client currently has any state for, for
// callers (the flush loop) that need to enumerate rather than look up
// by number.
func (s *State) AllPGs() []*osd.PG {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*osd.PG, 0, len(s.PGs))
	for _, pg := range s.PGs {
		out = append(out, pg)
	}
	return out
}

func (s *State) AddrOf(osdNum uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.OSDUp[osdNum] {
		return "", false
	}
	addr, ok := s.OSDAddr[osdNum]
	return addr, ok
}

var _ osd.PGLookup = (*State)(nil)

// Client watches the cluster store and keeps a State up to date.
type Client struct {
	kv     clientv3.KV
	watch  clientv3.Watcher
	prefix string
	state  *State

	sessionID string
}

// NewClient dials etcd at endpoints and roots all keys under prefix
// (default "/vitastor" if empty).
func NewClient(endpoints []string, prefix string, dialTimeout time.Duration) (*Client, error) {
	if prefix == "" {
		prefix = "/vitastor"
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("cluster: dial etcd: %w", err)
	}
	return &Client{kv: cli, watch: cli, prefix: prefix, state: newState(), sessionID: uuid.NewString()}, nil
}

func (c *Client) State() *State { return c.state }

// Bootstrap performs the startup sequence of spec §4.8: load
// /config/global, then a single transactional range-read of
// /config/pgs, /osd/state/*, /pg/state/*, /pg/history/* guarded by
// compares supplied by the caller (normally "these keys' mod revisions
// haven't changed since the caller last looked", to detect races with a
// concurrent writer). If the transaction's compare fails, ErrConcurrentChange
// is returned and the caller is expected to retry.
func (c *Client) Bootstrap(ctx context.Context, cmps ...clientv3.Cmp) error {
	globalResp, err := c.kv.Get(ctx, withPrefix(c.prefix, keyGlobalConfig))
	if err != nil {
		return fmt.Errorf("cluster: get /config/global: %w", err)
	}
	if len(globalResp.Kvs) > 0 {
		c.state.mu.Lock()
		c.state.GlobalCfg = globalResp.Kvs[0].Value
		c.state.mu.Unlock()
	}

	txn := c.kv.Txn(ctx)
	if len(cmps) > 0 {
		txn = txn.If(cmps...)
	}
	resp, err := txn.Then(
		clientv3.OpGet(withPrefix(c.prefix, keyPGsConfig)),
		clientv3.OpGet(c.prefix+prefixOSDState, clientv3.WithPrefix()),
		clientv3.OpGet(c.prefix+prefixPGState, clientv3.WithPrefix()),
		clientv3.OpGet(c.prefix+prefixPGHistory, clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return fmt.Errorf("cluster: bootstrap txn: %w", err)
	}
	if !resp.Succeeded {
		return ErrConcurrentChange
	}

	kvs := make(map[string][]byte)
	for _, r := range resp.Responses {
		for _, kv := range r.GetResponseRange().Kvs {
			kvs[string(kv.Key)] = kv.Value
		}
	}
	c.applyBatch(kvs)
	return nil
}

// ErrConcurrentChange signals the bootstrap transaction's compare
// predicates failed because the watched keys changed concurrently.
var ErrConcurrentChange = fmt.Errorf("cluster: bootstrap detected concurrent change")

// applyBatch parses a coalesced key->value map (last write per key wins
// within one event batch, spec §4.8) and merges it into State.
func (c *Client) applyBatch(kvs map[string][]byte) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	for key, val := range kvs {
		trimmed := key[len(c.prefix):]
		switch classify(trimmed) {
		case prefixKindConfig:
			if trimmed == prefixConfig[:len(prefixConfig)-1]+"/pgs" {
				pgs, err := ParsePGsConfig(val)
				if err != nil {
					log.LogWarnf("cluster: %v", err)
					continue
				}
				for num, pg := range pgs {
					if existing, ok := c.state.PGs[num]; ok {
						pg.State = existing.State
						pg.PastOSDSets = existing.PastOSDSets
						pg.AllPeers = existing.AllPeers
					}
					c.state.PGs[num] = pg
				}
			} else if trimmed == keyGlobalConfig {
				c.state.GlobalCfg = val
			}
		case prefixKindOSDState:
			numStr := trimmed[len(prefixOSDState):]
			num, err := parseUint(numStr)
			if err != nil {
				continue
			}
			up, addrs, port, err := ParseOSDState(val)
			if err != nil {
				log.LogWarnf("cluster: %v", err)
				continue
			}
			c.state.OSDUp[num] = up
			if up && len(addrs) > 0 {
				c.state.OSDAddr[num] = fmt.Sprintf("%s:%d", addrs[0], port)
			}
		case prefixKindPGState:
			numStr := trimmed[len(prefixPGState):]
			num, err := parseUint(numStr)
			if err != nil {
				continue
			}
			primary, state, err := ParsePGState(val)
			if err != nil {
				log.LogWarnf("cluster: %v", err)
				continue
			}
			pg := c.state.pgOrNew(num)
			pg.Primary = primary
			pg.State = state
		case prefixKindPGHistory:
			numStr := trimmed[len(prefixPGHistory):]
			num, err := parseUint(numStr)
			if err != nil {
				continue
			}
			past, allPeers, err := ParsePGHistory(val)
			if err != nil {
				log.LogWarnf("cluster: %v", err)
				continue
			}
			pg := c.state.pgOrNew(num)
			pg.PastOSDSets = past
			pg.AllPeers = allPeers
		}
	}
}

// pgOrNew must be called with s.mu held.
func (s *State) pgOrNew(num uint64) *osd.PG {
	pg, ok := s.PGs[num]
	if !ok {
		pg = &osd.PG{Num: num}
		s.PGs[num] = pg
	}
	return pg
}

func (c *Client) Close() error {
	c.watch.Close()
	if closer, ok := c.kv.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
