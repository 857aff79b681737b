package osd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/proto"
	"github.com/shardstore/shardstore/pkg/util/config"
)

const dispatcherBlockSize = 4096

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()

	dataDev, err := blockstore.OpenDevice(filepath.Join(dir, "data"), 0, 4*dispatcherBlockSize)
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
	meta, err := blockstore.OpenMetadataStore(metaDev, dispatcherBlockSize, 4)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	bs, err := blockstore.Open(blockstore.Config{BlockSize: dispatcherBlockSize}, dataDev, journal, meta, 4, nil)
	require.NoError(t, err)
	t.Cleanup(bs.Close)

	pgs := NewStaticPGTable()
	pgs.Set(&PG{Num: 1, Primary: 1, OSDSet: []uint64{1}, State: PGActive})

	primary := NewPrimary(1, bs, NewPeerClient(nil, func(uint64) (string, bool) { return "", false }), pgs)
	secondary := NewSecondary(bs)
	return NewDispatcher(primary, secondary, dispatcherBlockSize, &config.Config{Raw: []byte(`{"osd_num":1}`)})
}

func writeReq(pgNum uint64, id uint64, inode, stripe uint64, offset, length uint32, data []byte) *proto.Packet {
	payload := proto.EncodeWriteRequest(proto.WriteRequest{Inode: inode, Stripe: stripe, Offset: offset, Len: length, Data: data})
	return proto.NewRequest(proto.OpWrite, pgNum, id, payload)
}

func TestDispatcherWriteSyncRead(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	payload := []byte("payload-bytes")
	reply := d.Handle(ctx, writeReq(1, 1, 10, 0, 0, uint32(len(payload)), payload))
	require.Equal(t, proto.ResultOK, reply.ResultCode)

	syncReq := proto.NewRequest(proto.OpSync, 1, 2, nil)
	reply = d.Handle(ctx, syncReq)
	require.Equal(t, proto.ResultOK, reply.ResultCode)

	readPayload := proto.EncodeWriteRequest(proto.WriteRequest{Inode: 10, Stripe: 0, Offset: 0, Len: dispatcherBlockSize})
	reply = d.Handle(ctx, proto.NewRequest(proto.OpRead, 1, 3, readPayload))
	require.Equal(t, proto.ResultOK, reply.ResultCode)
	require.Equal(t, payload, reply.Payload[:len(payload)])
}

func TestDispatcherRejectsUnalignedCrossBoundaryOp(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	payload := make([]byte, dispatcherBlockSize+10)
	reply := d.Handle(ctx, writeReq(1, 1, 11, 0, 10, uint32(len(payload)), payload))
	require.Equal(t, proto.ResultInvalidInput, reply.ResultCode)
}

func TestDispatcherRejectsZeroLengthOp(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Handle(ctx, writeReq(1, 1, 12, 0, 0, 0, nil))
	require.Equal(t, proto.ResultInvalidInput, reply.ResultCode)
}

func TestDispatcherUnknownPGRejected(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Handle(ctx, writeReq(99, 1, 13, 0, 0, 4, []byte{1, 2, 3, 4}))
	require.NotEqual(t, proto.ResultOK, reply.ResultCode)
}

func TestDispatcherShowConfigReturnsRawBytes(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Handle(ctx, proto.NewRequest(proto.OpShowConfig, 0, 1, nil))
	require.Equal(t, proto.ResultOK, reply.ResultCode)
	require.Equal(t, []byte(`{"osd_num":1}`), reply.Payload)
}

func TestDispatcherSecWriteStableBecomesStableOnNextSync(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	payload := proto.EncodeWriteRequest(proto.WriteRequest{Inode: 30, Stripe: 0, Offset: 0, Len: 4, Data: []byte{1, 2, 3, 4}})
	reply := d.Handle(ctx, proto.NewRequest(proto.OpSecWriteStable, 1, 1, payload))
	require.Equal(t, proto.ResultOK, reply.ResultCode)

	reply = d.Handle(ctx, proto.NewRequest(proto.OpSecSync, 1, 2, nil))
	require.Equal(t, proto.ResultOK, reply.ResultCode)

	reply = d.Handle(ctx, proto.NewRequest(proto.OpSecList, 1, 3, nil))
	require.Equal(t, proto.ResultOK, reply.ResultCode)
	summaries, err := proto.DecodeObjectSummaries(reply.Payload)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.True(t, summaries[0].Stable)
}

func TestDispatcherSecListReportsWrittenObject(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	payload := []byte("x")
	reply := d.Handle(ctx, writeReq(1, 1, 20, 0, 0, uint32(len(payload)), payload))
	require.Equal(t, proto.ResultOK, reply.ResultCode)

	reply = d.Handle(ctx, proto.NewRequest(proto.OpSecList, 1, 2, nil))
	require.Equal(t, proto.ResultOK, reply.ResultCode)
	summaries, err := proto.DecodeObjectSummaries(reply.Payload)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, uint64(20), summaries[0].Inode)
}
