package blockstore

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/shardstore/shardstore/pkg/util/log"
)

// JournalStabilizeReservation is the number of bytes always kept free in
// the journal so stabilize entries can be written even when the journal
// is otherwise full (spec §4.1 progress guarantee).
const JournalStabilizeReservation = 1 << 20 // 1 MiB

// Journal is an append-only ring buffer of fixed-size sectors (spec
// §4.1, §6). All mutation happens on the single Blockstore executor
// goroutine; Journal itself does no internal locking beyond what's
// needed to let FlushSector's completion run from the I/O dispatcher.
type Journal struct {
	mu sync.Mutex // guards only sector refcounts, touched by completion callbacks

	dev        *Device
	sectorSize uint32
	capacity   uint32 // sector count

	refcount []uint32 // live dirty-entry references per sector

	head    uint32 // sector currently being written
	tail    uint32 // oldest sector that might still be referenced
	curBuf  []byte
	curUsed uint32
	curCRC  uint32 // CRC of the last entry appended anywhere in the journal
}

func NewJournal(dev *Device, sectorSize uint32, capacitySectors uint32) *Journal {
	return &Journal{
		dev:        dev,
		sectorSize: sectorSize,
		capacity:   capacitySectors,
		refcount:   make([]uint32, capacitySectors),
		curBuf:     AlignedBuffer(int(sectorSize)),
	}
}

func (j *Journal) occupiedSectors() uint32 {
	if j.head >= j.tail {
		return j.head - j.tail
	}
	return j.capacity - j.tail + j.head
}

// freeBytes is the number of bytes that can still be appended before the
// write head would catch up with the tail, including the unused tail of
// the current in-memory sector.
func (j *Journal) freeBytes() int64 {
	free := int64(j.capacity-j.occupiedSectors()-1) * int64(j.sectorSize)
	free += int64(j.sectorSize - j.curUsed)
	return free
}

// Reserve reports whether entryCount entries totalling entryBytes can be
// appended while still leaving reservedTailBytes free afterward. Normal
// write-path callers pass JournalStabilizeReservation; stabilize itself
// passes 0, since stabilize is the operation that reclaims space and
// must be allowed to dip into the reservation (spec §4.1).
func (j *Journal) Reserve(entryCount int, entryBytes int64, reservedTailBytes int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	needed := entryBytes + int64(entryCount)*entryHeaderSize
	ok := j.freeBytes()-needed >= reservedTailBytes
	if !ok {
		log.LogWarnf("journal: reserve denied, need %s free %s reservation %s",
			humanize.Bytes(uint64(needed)), humanize.Bytes(uint64(j.freeBytes())), humanize.Bytes(uint64(reservedTailBytes)))
	}
	return ok
}

// Ref increments the usage refcount of the sector carrying a dirty
// entry's newest journal record (spec §5 resource discipline: every
// dirty entry holds exactly one refcount on its sector).
func (j *Journal) Ref(sector uint32) {
	j.mu.Lock()
	j.refcount[sector]++
	j.mu.Unlock()
}

// Unref decrements a sector's refcount, e.g. when a dirty entry is
// superseded by stabilize or discarded by rollback. The sector becomes
// reusable only once its refcount reaches zero.
func (j *Journal) Unref(sector uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.refcount[sector] > 0 {
		j.refcount[sector]--
	}
	if sector == j.tail {
		for j.tail != j.head && j.refcount[j.tail] == 0 {
			j.tail++
			if j.tail == j.capacity {
				j.tail = 0
			}
		}
	}
}

func (j *Journal) RefCount(sector uint32) uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.refcount[sector]
}

// rollSector pads and stages the current sector for write, then advances
// the head to a fresh sector. Returns an error if the next sector is
// still referenced (should not happen if callers honored Reserve).
func (j *Journal) rollSector() (*Future, error) {
	fut := j.stageFlush()
	next := j.head + 1
	if next == j.capacity {
		next = 0
	}
	if j.RefCount(next) != 0 {
		return nil, newErr("journal.rollSector", KindExhausted, fmt.Errorf("sector %d still referenced", next))
	}
	j.head = next
	j.curBuf = AlignedBuffer(int(j.sectorSize))
	j.curUsed = 0
	return fut, nil
}

// Append writes one entry into the current sector, rolling to a new
// sector first if it wouldn't fit. It returns the sector and in-sector
// offset the entry was written at, for the dirty entry to remember as
// its JournalSector / replay position.
func (j *Journal) Append(t EntryType, instant bool, body []byte) (sector uint32, offset uint32, err error) {
	needed := entryHeaderSize + len(body)
	if int(j.curUsed)+needed > int(j.sectorSize) {
		if _, err = j.rollSector(); err != nil {
			return 0, 0, err
		}
	}
	buf, crc := encodeEntry(t, instant, body, j.curCRC)
	offset = j.curUsed
	copy(j.curBuf[j.curUsed:], buf)
	j.curUsed += uint32(len(buf))
	j.curCRC = crc
	return j.head, offset, nil
}

// stageFlush snapshots the current sector's buffer for writing to
// device, without resetting curUsed (the caller decides whether to roll
// to a new sector).
func (j *Journal) stageFlush() *Future {
	idx := j.head
	buf := j.curBuf
	fut := newFuture()
	go func() {
		_, err := j.dev.WriteAt(buf, int64(idx)*int64(j.sectorSize))
		if err == nil {
			err = j.dev.Sync()
		}
		if err != nil {
			fut.resolve(newErr("journal.flush", KindDeviceIO, err))
			return
		}
		fut.resolve(nil)
	}()
	return fut
}

// FlushSector forces the current sector to device and fsyncs the
// journal, used by sync's JOURNAL_WRITE_SENT/JOURNAL_FSYNC_SENT states
// (spec §4.3) and by stabilize/rollback's batch fsync (spec §4.4).
func (j *Journal) FlushSector() *Future {
	return j.stageFlush()
}

// Replay reconstructs the journal's entry sequence from sector 0,
// verifying the CRC chain, and stops at the first entry that fails to
// chain (spec §4.1, testable property 5: "no entry past a broken CRC is
// visible"). The zero padding that ends a rolled sector is skipped and
// the chain is followed into the next sector. Replay does not touch the
// allocator; Blockstore.replay marks the blocks of BIG_WRITE entries used.
func (j *Journal) Replay() ([]JournalEntry, error) {
	var entries []JournalEntry
	var crcPrev uint32
	buf := AlignedBuffer(int(j.sectorSize))
	maxSector := j.tailSectorBound()
	for s := uint32(0); s < maxSector; s++ {
		if _, err := j.dev.ReadAt(buf, int64(s)*int64(j.sectorSize)); err != nil {
			return entries, newErr("journal.replay", KindDeviceIO, err)
		}
		pos := 0
		for pos < len(buf) {
			e, consumed, ok := decodeEntry(buf[pos:])
			if !ok && pos > 0 {
				break // padding after the last entry of a rolled sector
			}
			if !ok || !verifyChain(e, crcPrev) {
				j.head = s
				j.curUsed = uint32(pos)
				j.curCRC = crcPrev
				copy(j.curBuf, buf)
				return entries, nil
			}
			entries = append(entries, e)
			crcPrev = e.CRC
			pos += consumed
		}
	}
	j.curCRC = crcPrev
	return entries, nil
}

// tailSectorBound is the number of sectors worth scanning at replay; in
// the absence of a persisted head pointer we scan the whole ring, which
// is safe because decodeEntry/verifyChain stop at the first
// non-chaining entry.
func (j *Journal) tailSectorBound() uint32 { return j.capacity }
