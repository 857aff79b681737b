package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*Journal, *Device) {
	t.Helper()
	dir := t.TempDir()
	const sectorSize = 4096
	const sectorCount = 512
	dev, err := OpenDevice(filepath.Join(dir, "journal"), 0, int64(sectorCount)*int64(sectorSize))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return NewJournal(dev, sectorSize, sectorCount), dev
}

func TestJournalAppendAndReplay(t *testing.T) {
	j, _ := newTestJournal(t)

	id1 := ObjVerId{Oid: Oid{Inode: 1, Stripe: 0}, Version: 1}
	id2 := ObjVerId{Oid: Oid{Inode: 1, Stripe: 0}, Version: 2}

	sec1, _, err := j.Append(EntrySmallWrite, false, encodeObjVerBody(id1))
	require.NoError(t, err)
	j.Ref(sec1)

	sec2, _, err := j.Append(EntryStable, false, encodeObjVerBody(id2))
	require.NoError(t, err)
	j.Ref(sec2)

	fut := j.FlushSector()
	require.NoError(t, fut.Wait())

	entries, err := j.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, EntrySmallWrite, entries[0].Type)
	require.Equal(t, EntryStable, entries[1].Type)
	require.Equal(t, uint32(0), entries[0].CRCPrev)
	require.Equal(t, entries[0].CRC, entries[1].CRCPrev)
}

// TestJournalReplayStopsAtBrokenChain covers testable property 5: replay
// must not surface anything past a CRC chain break, simulating a
// torn/partial write.
func TestJournalReplayStopsAtBrokenChain(t *testing.T) {
	j, dev := newTestJournal(t)

	id := ObjVerId{Oid: Oid{Inode: 2, Stripe: 0}, Version: 1}
	sec, _, err := j.Append(EntrySmallWrite, false, encodeObjVerBody(id))
	require.NoError(t, err)
	j.Ref(sec)
	require.NoError(t, j.FlushSector().Wait())

	entries, err := j.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Corrupt the CRC field of the persisted entry directly on device.
	buf := AlignedBuffer(4096)
	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	buf[6] ^= 0xFF
	_, err = dev.WriteAt(buf, 0)
	require.NoError(t, err)

	j2 := NewJournal(dev, 4096, 8)
	entries2, err := j2.Replay()
	require.NoError(t, err)
	require.Empty(t, entries2)
}

func TestJournalRefUnrefAdvancesTail(t *testing.T) {
	j, _ := newTestJournal(t)

	id := ObjVerId{Oid: Oid{Inode: 3, Stripe: 0}, Version: 1}
	body := make([]byte, 4096-entryHeaderSize-1)
	sec0, _, err := j.Append(EntrySmallWrite, false, append(encodeObjVerBody(id), body...)[:len(body)])
	require.NoError(t, err)
	j.Ref(sec0)
	require.Equal(t, uint32(1), j.RefCount(sec0))

	// Force a roll to a new sector.
	sec1, _, err := j.Append(EntrySmallWrite, false, encodeObjVerBody(id))
	require.NoError(t, err)
	j.Ref(sec1)
	require.NotEqual(t, sec0, sec1)

	j.Unref(sec0)
	require.Equal(t, uint32(0), j.RefCount(sec0))
	require.Equal(t, sec1, j.tail)
}

func TestJournalReserveRespectsReservation(t *testing.T) {
	j, _ := newTestJournal(t)
	ok := j.Reserve(1, 100, JournalStabilizeReservation)
	require.True(t, ok)

	ok = j.Reserve(1, int64(j.freeBytes())-int64(JournalStabilizeReservation)+1, JournalStabilizeReservation)
	require.False(t, ok)
}
