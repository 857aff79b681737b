package flush

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardstore/shardstore/internal/blockstore"
)

type fakePeers struct {
	mu          sync.Mutex
	stabilized  map[uint64][]blockstore.ObjVerId
	rolledBack  map[uint64][]blockstore.Oid
	failOSD     uint64
}

func newFakePeers() *fakePeers {
	return &fakePeers{stabilized: make(map[uint64][]blockstore.ObjVerId), rolledBack: make(map[uint64][]blockstore.Oid)}
}

func (f *fakePeers) SecStabilize(ctx context.Context, osd, pgNum uint64, ids []blockstore.ObjVerId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if osd == f.failOSD {
		return errFakePeer
	}
	f.stabilized[osd] = append(f.stabilized[osd], ids...)
	return nil
}

func (f *fakePeers) SecRollback(ctx context.Context, osd, pgNum uint64, oid blockstore.Oid, version uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if osd == f.failOSD {
		return errFakePeer
	}
	f.rolledBack[osd] = append(f.rolledBack[osd], oid)
	return nil
}

var errFakePeer = context.DeadlineExceeded

func TestBatchByObjectNeverSplitsAnObject(t *testing.T) {
	oidA := blockstore.Oid{Inode: 1}
	oidB := blockstore.Oid{Inode: 2}
	actions := []Action{
		{OSD: 2, ID: blockstore.ObjVerId{Oid: oidA, Version: 1}, Kind: ActionMakeStable},
		{OSD: 2, ID: blockstore.ObjVerId{Oid: oidA, Version: 2}, Kind: ActionMakeStable},
		{OSD: 2, ID: blockstore.ObjVerId{Oid: oidB, Version: 1}, Kind: ActionMakeStable},
	}
	batches := batchByObject(actions, 2)
	require.Len(t, batches, 2)
	for _, a := range batches[0] {
		require.Equal(t, batches[0][0].ID.Oid, a.ID.Oid)
	}
}

func TestDrainStabilizesAndRemovesCompletedActions(t *testing.T) {
	peers := newFakePeers()
	c := NewCoordinator(1, nil, peers, 128, nil)
	oid := blockstore.Oid{Inode: 5}
	c.Enqueue([]Action{{OSD: 2, ID: blockstore.ObjVerId{Oid: oid, Version: 1}, Kind: ActionMakeStable}})

	require.NoError(t, c.Drain(context.Background()))
	require.Equal(t, 0, c.Pending())
	require.Len(t, peers.stabilized[2], 1)
}

// TestDrainIsolatesPerPeerFailure covers the rule that one peer's
// failure does not abandon a sibling peer's batch, and the failed
// peer's actions remain pending for the next round.
func TestDrainIsolatesPerPeerFailure(t *testing.T) {
	peers := newFakePeers()
	peers.failOSD = 2
	c := NewCoordinator(1, nil, peers, 128, nil)
	oidFail := blockstore.Oid{Inode: 6}
	oidOK := blockstore.Oid{Inode: 7}
	c.Enqueue([]Action{
		{OSD: 2, ID: blockstore.ObjVerId{Oid: oidFail, Version: 1}, Kind: ActionMakeStable},
		{OSD: 3, ID: blockstore.ObjVerId{Oid: oidOK, Version: 1}, Kind: ActionMakeStable},
	})

	require.NoError(t, c.Drain(context.Background()))
	require.Equal(t, 1, c.Pending())
	require.Equal(t, uint64(2), c.pending[0].OSD)
	require.Len(t, peers.stabilized[3], 1)
}

func TestDrainResumesOidWhenLastActionClears(t *testing.T) {
	peers := newFakePeers()
	var resumed []blockstore.Oid
	c := NewCoordinator(1, nil, peers, 128, func(oid blockstore.Oid) { resumed = append(resumed, oid) })
	oid := blockstore.Oid{Inode: 8}
	c.Enqueue([]Action{{OSD: 2, ID: blockstore.ObjVerId{Oid: oid, Version: 1}, Kind: ActionMakeStable}})

	require.NoError(t, c.Drain(context.Background()))
	require.Equal(t, []blockstore.Oid{oid}, resumed)
}

func TestComputeActionsRollbackAndMakeStable(t *testing.T) {
	oid := blockstore.Oid{Inode: 9}
	authoritative := map[blockstore.Oid]uint64{oid: 3}
	reports := []PeerReport{
		{OSD: 2, Versions: map[blockstore.Oid]blockstore.ObjVerId{oid: {Oid: oid, Version: 5}}, Stable: map[blockstore.Oid]bool{}},
		{OSD: 3, Versions: map[blockstore.Oid]blockstore.ObjVerId{oid: {Oid: oid, Version: 3}}, Stable: map[blockstore.Oid]bool{oid: false}},
		{OSD: 4, Versions: map[blockstore.Oid]blockstore.ObjVerId{}, Stable: map[blockstore.Oid]bool{}},
	}

	actions := ComputeActions(authoritative, reports)
	require.Len(t, actions, 2)

	var sawRollback, sawStable bool
	for _, a := range actions {
		switch a.OSD {
		case 2:
			require.Equal(t, ActionRollback, a.Kind)
			require.Equal(t, uint64(3), a.Version)
			sawRollback = true
		case 3:
			require.Equal(t, ActionMakeStable, a.Kind)
			sawStable = true
		}
	}
	require.True(t, sawRollback)
	require.True(t, sawStable)
}
