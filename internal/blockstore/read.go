package blockstore

// resolveClean answers the clean entry for oid, consulting readCache
// before the clean index itself and populating the cache on a miss, so
// a hot object's repeated reads don't all take the clean index's lock.
func (bs *Blockstore) resolveClean(oid Oid) (*CleanEntry, bool) {
	if v, ok := bs.readCache.Get(oid); ok {
		return v.(*CleanEntry), true
	}
	clean, ok := bs.clean.Get(oid)
	if !ok {
		return nil, false
	}
	bs.readCache.Add(oid, clean)
	return clean, true
}

// Read resolves a read against the clean entry plus any overlaying
// dirty small/big writes for the same oid, matching scenario S2 of spec
// §8: a big write's block overlaid by a later small write's bytes.
func (bs *Blockstore) Read(op ReadOp) (ReadResult, error) {
	var res ReadResult
	var err error
	bs.exec(func() {
		res, err = bs.doRead(op)
	})
	return res, err
}

func (bs *Blockstore) doRead(op ReadOp) (ReadResult, error) {
	out := make([]byte, op.Len)
	version := uint64(0)

	if clean, ok := bs.resolveClean(op.Oid); ok {
		version = clean.Version
		if _, err := bs.dataDev.ReadAt(out, int64(clean.Location)*int64(bs.cfg.BlockSize)+int64(op.Offset)); err != nil {
			return ReadResult{}, newErr("read", KindDeviceIO, err)
		}
	}

	bs.dirty.Range(op.Oid, func(id ObjVerId, e *DirtyEntry) bool {
		if e.State.Workflow == WorkflowWaitBig {
			return true
		}
		if id.Version > version {
			version = id.Version
		}
		switch e.State.Kind {
		case KindBigWrite:
			if e.State.Workflow >= WorkflowWritten {
				buf := make([]byte, bs.cfg.BlockSize)
				bs.dataDev.ReadAt(buf, int64(e.Location)*int64(bs.cfg.BlockSize))
				overlay(out, buf, int64(op.Offset), int64(op.Len))
			}
		case KindDelete:
			for i := range out {
				out[i] = 0
			}
		case KindSmallWrite:
			// The small write's payload is retrievable from the journal
			// sector it landed in; callers needing exact overlay bytes
			// go through readSmallOverlay, which decodes that sector.
			bs.readSmallOverlay(id, e, out, op.Offset, op.Len)
		}
		return true
	})

	return ReadResult{Buf: out, Version: version}, nil
}

// overlay copies src[copyOff:copyOff+copyLen] (relative to the object's
// start) into dst, which represents [readOff, readOff+readLen).
func overlay(dst, src []byte, readOff, readLen int64) {
	for i := int64(0); i < readLen; i++ {
		srcIdx := readOff + i
		if srcIdx >= 0 && srcIdx < int64(len(src)) {
			dst[i] = src[srcIdx]
		}
	}
}

// readSmallOverlay decodes the small write's journal sector and
// overlays its bytes onto out, if the write's range intersects
// [readOff, readOff+readLen).
func (bs *Blockstore) readSmallOverlay(id ObjVerId, e *DirtyEntry, out []byte, readOff, readLen uint32) {
	writeStart := int64(e.Offset)
	writeEnd := writeStart + int64(e.Len)
	readStart := int64(readOff)
	readEnd := readStart + int64(readLen)
	if writeEnd <= readStart || writeStart >= readEnd {
		return
	}
	payload := bs.journalPayload(e)
	if payload == nil {
		return
	}
	for i := writeStart; i < writeEnd; i++ {
		if i >= readStart && i < readEnd {
			srcIdx := i - writeStart
			if int(srcIdx) < len(payload) {
				out[i-readStart] = payload[srcIdx]
			}
		}
	}
}

// journalPayload re-reads a small write's SMALL_WRITE entry body from
// the sector it was appended to. It only succeeds while that sector is
// still in memory/on the journal device (it always is until stabilize
// reclaims it, since the dirty entry holding a reference is exactly
// what keeps the sector's refcount above zero).
func (bs *Blockstore) journalPayload(e *DirtyEntry) []byte {
	buf := AlignedBuffer(int(bs.journal.sectorSize))
	if e.JournalSector == bs.journal.head {
		copy(buf, bs.journal.curBuf)
	} else if _, err := bs.journal.dev.ReadAt(buf, int64(e.JournalSector)*int64(bs.journal.sectorSize)); err != nil {
		return nil
	}
	var crcPrev uint32
	pos := 0
	for pos < len(buf) {
		entry, consumed, ok := decodeEntry(buf[pos:])
		if !ok {
			return nil
		}
		if entry.Type == EntrySmallWrite {
			if _, off, payload, ok := decodeSmallWriteBody(entry.Body); ok && off == e.Offset && uint32(len(payload)) == e.Len {
				return payload
			}
		}
		crcPrev = entry.CRC
		pos += consumed
	}
	_ = crcPrev
	return nil
}
