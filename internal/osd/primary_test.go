package osd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/messenger/mockmessenger"
	"github.com/shardstore/shardstore/internal/proto"
	"github.com/shardstore/shardstore/pkg/util/config"
)

const replicaBlockSize = 4096

type replica struct {
	osd        uint64
	bs         *blockstore.Blockstore
	dispatcher *Dispatcher
	primary    *Primary
}

func replicaAddr(osd uint64) string { return fmt.Sprintf("osd-%d", osd) }

// newReplicaSet builds one Blockstore, Primary, Secondary and Dispatcher
// per osdNum, wires all of them into a single mockmessenger.Transport,
// and gives every replica the same PG (Num 1, primary is the first
// osdNum) with the full osdNums set as its replicas — enough to drive
// Primary.Write/Sync's peer fan-out end to end without a real socket.
func newReplicaSet(t *testing.T, osdNums []uint64) (map[uint64]*replica, *mockmessenger.Transport) {
	t.Helper()
	transport := mockmessenger.New()
	replicas := make(map[uint64]*replica, len(osdNums))

	addrOf := func(osd uint64) (string, bool) {
		for _, n := range osdNums {
			if n == osd {
				return replicaAddr(osd), true
			}
		}
		return "", false
	}

	for _, osd := range osdNums {
		dir := t.TempDir()

		dataDev, err := blockstore.OpenDevice(filepath.Join(dir, "data"), 0, 4*replicaBlockSize)
		require.NoError(t, err)
		t.Cleanup(func() { dataDev.Close() })

		const sectorSize = 4096
		journalDev, err := blockstore.OpenDevice(filepath.Join(dir, "journal"), 0, 512*sectorSize)
		require.NoError(t, err)
		t.Cleanup(func() { journalDev.Close() })
		journal := blockstore.NewJournal(journalDev, sectorSize, 512)

		metaDev, err := blockstore.OpenDevice(filepath.Join(dir, "meta"), 0, 4096+4*1024)
		require.NoError(t, err)
		t.Cleanup(func() { metaDev.Close() })
		meta, err := blockstore.OpenMetadataStore(metaDev, replicaBlockSize, 4)
		require.NoError(t, err)
		t.Cleanup(func() { meta.Close() })

		bs, err := blockstore.Open(blockstore.Config{BlockSize: replicaBlockSize}, dataDev, journal, meta, 4, nil)
		require.NoError(t, err)
		t.Cleanup(bs.Close)

		pgs := NewStaticPGTable()
		pgs.Set(&PG{Num: 1, Primary: osdNums[0], OSDSet: osdNums, State: PGActive})

		peers := NewPeerClient(transport, addrOf)
		primary := NewPrimary(osd, bs, peers, pgs)
		secondary := NewSecondary(bs)
		dispatcher := NewDispatcher(primary, secondary, replicaBlockSize, &config.Config{Raw: []byte("{}")})

		transport.Register(replicaAddr(osd), dispatcher.Handle)
		replicas[osd] = &replica{osd: osd, bs: bs, dispatcher: dispatcher, primary: primary}
	}
	return replicas, transport
}

func TestPrimaryWriteReplicatesToEveryPeer(t *testing.T) {
	replicas, _ := newReplicaSet(t, []uint64{1, 2, 3})
	ctx := context.Background()

	oid := blockstore.Oid{Inode: 42, Stripe: 0}
	payload := []byte("replicated-bytes")
	version, err := replicas[1].primary.Write(ctx, 1, oid, 0, payload)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	for _, osd := range []uint64{1, 2, 3} {
		summaries := NewSecondary(replicas[osd].bs).List()
		require.Len(t, summaries, 1, "osd %d should hold the replicated write", osd)
		require.Equal(t, oid.Inode, summaries[0].Inode)
		require.Equal(t, version, summaries[0].Version)
	}
}

func TestPrimarySyncStabilizesAcrossReplicas(t *testing.T) {
	replicas, _ := newReplicaSet(t, []uint64{1, 2, 3})
	ctx := context.Background()

	oid := blockstore.Oid{Inode: 7, Stripe: 0}
	_, err := replicas[1].primary.Write(ctx, 1, oid, 0, []byte("stable-bytes"))
	require.NoError(t, err)

	require.NoError(t, replicas[1].primary.Sync(ctx, 1))

	for _, osd := range []uint64{1, 2, 3} {
		summaries := NewSecondary(replicas[osd].bs).List()
		require.Len(t, summaries, 1)
		require.True(t, summaries[0].Stable, "osd %d should have stabilized the synced version", osd)
	}
}

func TestPrimaryWriteRollsBackAckedPeersOnPartialFailure(t *testing.T) {
	replicas, transport := newReplicaSet(t, []uint64{1, 2, 3})
	ctx := context.Background()
	transport.Fail(replicaAddr(3), errors.New("simulated unreachable peer"))

	oid := blockstore.Oid{Inode: 99, Stripe: 0}
	_, err := replicas[1].primary.Write(ctx, 1, oid, 0, []byte("will-not-stick"))
	require.Error(t, err)

	for _, osd := range []uint64{1, 2} {
		summaries := NewSecondary(replicas[osd].bs).List()
		require.Empty(t, summaries, "osd %d should have been rolled back after peer 3 failed", osd)
	}
}

func TestPrimaryWriteSucceedsAfterFailedPeerRecovers(t *testing.T) {
	replicas, transport := newReplicaSet(t, []uint64{1, 2, 3})
	ctx := context.Background()
	transport.Fail(replicaAddr(3), errors.New("simulated unreachable peer"))

	oid := blockstore.Oid{Inode: 5, Stripe: 0}
	_, err := replicas[1].primary.Write(ctx, 1, oid, 0, []byte("first-attempt"))
	require.Error(t, err)

	transport.Unfail(replicaAddr(3))
	version, err := replicas[1].primary.Write(ctx, 1, oid, 0, []byte("second-attempt"))
	require.NoError(t, err)

	for _, osd := range []uint64{1, 2, 3} {
		summaries := NewSecondary(replicas[osd].bs).List()
		require.Len(t, summaries, 1)
		require.Equal(t, version, summaries[0].Version)
	}
}

func TestDispatcherServesSecondaryOpsOverMockTransport(t *testing.T) {
	replicas, transport := newReplicaSet(t, []uint64{1, 2})
	ctx := context.Background()

	req := proto.NewRequest(proto.OpSecSync, 1, 1, nil)
	reply, err := transport.Send(ctx, replicaAddr(2), req)
	require.NoError(t, err)
	require.Equal(t, proto.ResultOK, reply.ResultCode)
	_ = replicas
}
