package cluster

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/shardstore/shardstore/pkg/util/log"
)

// neverEstablishedBackoff is the long timeout spec §4.8 calls for when a
// watch has never successfully been established (e.g. etcd is down at
// startup); lostWatchBackoff is the near-immediate retry used once
// a live watch has been lost, since etcd being briefly unreachable after
// having worked is the common, quickly-recovering case.
const (
	neverEstablishedBackoff = 30 * time.Second
	lostWatchBackoff        = 200 * time.Millisecond
)

// Watch runs the four-prefix streaming watch loop until ctx is
// canceled, applying every coalesced batch of events to Client.state.
// It reconnects according to spec §4.8's policy: a long backoff if the
// watch channel never opened, an immediate retry if a previously live
// watch closed.
func (c *Client) Watch(ctx context.Context) {
	established := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wch := c.watch.Watch(ctx, c.prefix, clientv3.WithPrefix())
		gotFirst := false
		for resp := range wch {
			if ctx.Err() != nil {
				return
			}
			if resp.Err() != nil {
				log.LogWarnf("cluster: watch error: %v", resp.Err())
				break
			}
			gotFirst = true
			established = true
			c.applyEvents(resp.Events)
		}

		if !gotFirst && !established {
			log.LogWarnf("cluster: watch never established, backing off %s", neverEstablishedBackoff)
			sleep(ctx, neverEstablishedBackoff)
			continue
		}
		log.LogWarnf("cluster: watch lost, reconnecting immediately")
		sleep(ctx, lostWatchBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// applyEvents coalesces one event batch into a key->value map (last
// write per key wins within the batch, spec §4.8) before merging it
// into state. Delete events are skipped, so a deleted key's last parsed
// value stays in state.
func (c *Client) applyEvents(events []*clientv3.Event) {
	kvs := make(map[string][]byte)
	for _, ev := range events {
		if ev.Type == clientv3.EventTypeDelete {
			continue // deletions of PG/OSD state are rare and handled by peering timeouts, not modeled as explicit tombstones here
		}
		kvs[string(ev.Kv.Key)] = ev.Kv.Value
	}
	if len(kvs) == 0 {
		return
	}
	c.applyBatch(kvs)
}
