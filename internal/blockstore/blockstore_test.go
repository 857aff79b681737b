package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

func newTestBlockstore(t *testing.T, blockCount uint64, cfg Config) *Blockstore {
	t.Helper()
	dir := t.TempDir()

	dataDev, err := OpenDevice(filepath.Join(dir, "data"), 0, int64(blockCount)*int64(testBlockSize))
	require.NoError(t, err)
	t.Cleanup(func() { dataDev.Close() })

	const sectorSize = 4096
	const sectorCount = 512
	journalDev, err := OpenDevice(filepath.Join(dir, "journal"), 0, int64(sectorCount)*int64(sectorSize))
	require.NoError(t, err)
	t.Cleanup(func() { journalDev.Close() })
	journal := NewJournal(journalDev, sectorSize, sectorCount)

	metaDev, err := OpenDevice(filepath.Join(dir, "meta"), 0, int64(metadataHeaderSize)+int64(blockCount)*metadataRecordSize)
	require.NoError(t, err)
	t.Cleanup(func() { metaDev.Close() })
	meta, err := OpenMetadataStore(metaDev, testBlockSize, blockCount)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	if cfg.BlockSize == 0 {
		cfg.BlockSize = testBlockSize
	}
	bs, err := Open(cfg, dataDev, journal, meta, blockCount, nil)
	require.NoError(t, err)
	t.Cleanup(bs.Close)
	return bs
}

func TestWriteSyncStabilizeSmallWrite(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 1, Stripe: 0}
	payload := []byte("hello world")

	wr, err := bs.Write(WriteOp{Oid: oid, Offset: 10, Len: uint32(len(payload)), Buf: payload})
	require.NoError(t, err)
	require.Equal(t, uint64(1), wr.Version)

	sr, err := bs.Sync()
	require.NoError(t, err)
	require.Len(t, sr.Carried, 1)

	_, err = bs.Stabilize(sr.Carried)
	require.NoError(t, err)

	read, err := bs.Read(ReadOp{Oid: oid, Offset: 0, Len: testBlockSize})
	require.NoError(t, err)
	require.Equal(t, uint64(1), read.Version)
	require.Equal(t, payload, read.Buf[10:10+len(payload)])
}

func TestWriteSyncStabilizeBigWrite(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 2, Stripe: 0}
	buf := make([]byte, testBlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	wr, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: testBlockSize, Buf: buf})
	require.NoError(t, err)

	sr, err := bs.Sync()
	require.NoError(t, err)
	require.Contains(t, sr.Carried, ObjVerId{Oid: oid, Version: wr.Version})

	_, err = bs.Stabilize(sr.Carried)
	require.NoError(t, err)

	read, err := bs.Read(ReadOp{Oid: oid, Offset: 0, Len: testBlockSize})
	require.NoError(t, err)
	require.Equal(t, buf, read.Buf)
}

// TestBigWriteOverlaidBySmallWrite exercises scenario S2 of the read
// decision tree: a big write's block overlaid by a later small write's
// bytes, both still dirty.
func TestBigWriteOverlaidBySmallWrite(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 3, Stripe: 0}
	big := make([]byte, testBlockSize)
	for i := range big {
		big[i] = 0xAA
	}

	_, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: testBlockSize, Buf: big})
	require.NoError(t, err)

	small := []byte{1, 2, 3, 4}
	_, err = bs.Write(WriteOp{Oid: oid, Offset: 100, Len: uint32(len(small)), Buf: small})
	require.NoError(t, err)

	read, err := bs.Read(ReadOp{Oid: oid, Offset: 0, Len: testBlockSize})
	require.NoError(t, err)
	require.Equal(t, small, read.Buf[100:104])
	require.Equal(t, byte(0xAA), read.Buf[0])
}

// TestWaitBigQueuesAndIsIssued covers a small write that follows a big
// write to the same oid: Write returns only once the big write has
// reached WRITTEN, so the second write is issued with the next version
// and its bytes are visible to Read.
func TestWaitBigQueuesAndIsIssued(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 4, Stripe: 0}
	big := make([]byte, testBlockSize)

	_, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: testBlockSize, Buf: big})
	require.NoError(t, err)

	small := []byte{9, 9, 9}
	wr2, err := bs.Write(WriteOp{Oid: oid, Offset: 5, Len: uint32(len(small)), Buf: small})
	require.NoError(t, err)
	require.Equal(t, uint64(2), wr2.Version)

	read, err := bs.Read(ReadOp{Oid: oid, Offset: 0, Len: testBlockSize})
	require.NoError(t, err)
	require.Equal(t, small, read.Buf[5:8])
}

func TestRollbackDiscardsAboveVersion(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 5, Stripe: 0}

	_, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: 4, Buf: []byte{1, 1, 1, 1}})
	require.NoError(t, err)
	_, err = bs.Write(WriteOp{Oid: oid, Offset: 0, Len: 4, Buf: []byte{2, 2, 2, 2}})
	require.NoError(t, err)

	require.NoError(t, bs.Rollback(oid, 1))

	_, hasAny := bs.maxKnownVersion(oid)
	require.True(t, hasAny)
	v, _ := bs.maxKnownVersion(oid)
	require.Equal(t, uint64(1), v)
}

// TestStabilizeIdempotent covers testable property 7: stabilizing an
// already-stable id is a no-op, not an error.
func TestStabilizeIdempotent(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 6, Stripe: 0}

	wr, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: 4, Buf: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	sr, err := bs.Sync()
	require.NoError(t, err)
	_, err = bs.Stabilize(sr.Carried)
	require.NoError(t, err)

	res, err := bs.Stabilize([]ObjVerId{{Oid: oid, Version: wr.Version}})
	require.NoError(t, err)
	require.Empty(t, res.Errors)
}

// TestSyncIdempotent covers testable property 6: a sync with nothing
// carried is immediate, I/O-free success.
func TestSyncIdempotent(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	sr, err := bs.Sync()
	require.NoError(t, err)
	require.Empty(t, sr.Carried)
}

func TestVersionConflictOnStaleExplicitVersion(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 7, Stripe: 0}

	_, err := bs.Write(WriteOp{Oid: oid, Version: 5, Offset: 0, Len: 4, Buf: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	_, err = bs.Write(WriteOp{Oid: oid, Version: 3, Offset: 0, Len: 4, Buf: []byte{5, 6, 7, 8}})
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindVersionConflict, be.Kind)
}

// TestImmediateCommitAllPromotesThroughCleanIndex exercises the
// immediate_commit=all branch of doSync: a big write's sync must land
// in the clean index, its metadata record, and free the dirty entry,
// exactly like a normal sync followed by an explicit Stabilize would.
func TestImmediateCommitAllPromotesThroughCleanIndex(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{ImmediateCommit: ImmediateCommitAll})
	oid := Oid{Inode: 8, Stripe: 0}
	buf := make([]byte, testBlockSize)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	wr, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: testBlockSize, Buf: buf})
	require.NoError(t, err)

	sr, err := bs.Sync()
	require.NoError(t, err)
	require.Contains(t, sr.Carried, ObjVerId{Oid: oid, Version: wr.Version})

	clean, ok := bs.clean.Get(oid)
	require.True(t, ok)
	require.Equal(t, wr.Version, clean.Version)

	_, dirtyStillHasIt := bs.dirty.Get(ObjVerId{Oid: oid, Version: wr.Version})
	require.False(t, dirtyStillHasIt)

	read, err := bs.Read(ReadOp{Oid: oid, Offset: 0, Len: testBlockSize})
	require.NoError(t, err)
	require.Equal(t, buf, read.Buf)
}

// TestInstantWriteBecomesStableOnSync exercises the INSTANT flag (spec
// §3): unlike a normal write, it should require no separate Stabilize
// call once synced.
func TestInstantWriteBecomesStableOnSync(t *testing.T) {
	bs := newTestBlockstore(t, 4, Config{})
	oid := Oid{Inode: 9, Stripe: 0}

	wr, err := bs.Write(WriteOp{Oid: oid, Offset: 0, Len: 4, Buf: []byte{9, 9, 9, 9}, Instant: true})
	require.NoError(t, err)

	_, err = bs.Sync()
	require.NoError(t, err)

	clean, ok := bs.clean.Get(oid)
	require.True(t, ok)
	require.Equal(t, wr.Version, clean.Version)
}
