package blockstore

import "fmt"

// Write executes the write decision tree and versioning rules of spec
// §4.2 on the executor goroutine.
func (bs *Blockstore) Write(op WriteOp) (WriteResult, error) {
	var res WriteResult
	var err error
	bs.exec(func() {
		res, err = bs.doWrite(op)
	})
	return res, err
}

func (bs *Blockstore) maxKnownVersion(oid Oid) (uint64, bool) {
	max, found := bs.dirty.MaxVersion(oid)
	if clean, ok := bs.clean.Get(oid); ok {
		if !found || clean.Version > max {
			max, found = clean.Version, true
		}
	}
	return max, found
}

func (bs *Blockstore) doWrite(op WriteOp) (WriteResult, error) {
	bs.metrics.writes.Inc()

	maxKnown, hasAny := bs.maxKnownVersion(op.Oid)
	version := op.Version
	if version == 0 {
		version = maxKnown + 1
		if !hasAny {
			version = 1
		}
	} else if hasAny && version <= maxKnown {
		return WriteResult{}, newErr("write", KindVersionConflict,
			fmt.Errorf("version %d <= known max %d for %s", version, maxKnown, op.Oid))
	}
	id := ObjVerId{Oid: op.Oid, Version: version}

	isBig := op.Offset == 0 && op.Len == bs.cfg.BlockSize
	kind := KindSmallWrite
	if isBig {
		kind = KindBigWrite
	}

	if bs.hasInFlightBigWrite(op.Oid) {
		bs.dirty.Put(id, &DirtyEntry{State: State{Kind: kind, Workflow: WorkflowWaitBig, Instant: op.Instant}, Len: op.Len})
		if bs.waitBigPending == nil {
			bs.waitBigPending = make(map[ObjVerId]waitBigPayload)
		}
		bs.waitBigPending[id] = waitBigPayload{offset: op.Offset, isBig: isBig, instant: op.Instant, buf: append([]byte(nil), op.Buf...)}
		return WriteResult{Version: version}, nil
	}

	if err := bs.issueWrite(id, isBig, op.Offset, op.Instant, op.Buf); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Version: version}, nil
}

func (bs *Blockstore) issueWrite(id ObjVerId, isBig bool, offset uint32, instant bool, buf []byte) error {
	if isBig {
		return bs.doBigWrite(id, instant, buf)
	}
	return bs.doSmallWrite(id, offset, instant, buf)
}

func (bs *Blockstore) hasInFlightBigWrite(oid Oid) bool {
	found := false
	bs.dirty.Range(oid, func(_ ObjVerId, e *DirtyEntry) bool {
		if e.State.Kind == KindBigWrite && e.State.Workflow == WorkflowInFlight {
			found = true
			return false
		}
		return true
	})
	return found
}

func (bs *Blockstore) doBigWrite(id ObjVerId, instant bool, buf []byte) error {
	bs.dirty.Put(id, &DirtyEntry{State: State{Kind: KindBigWrite, Workflow: WorkflowInFlight, Instant: instant}, Len: uint32(len(buf))})

	block, ok := bs.alloc.Alloc()
	if !ok {
		bs.dirty.Delete(id)
		return newErr("write", KindExhausted, fmt.Errorf("data device full"))
	}
	fut := newFuture()
	go func() {
		_, err := bs.dataDev.WriteAt(buf, int64(block)*int64(bs.cfg.BlockSize))
		fut.resolve(err)
	}()
	if err := fut.Wait(); err != nil {
		bs.alloc.Free(block)
		bs.dirty.Delete(id)
		return newErr("write", KindDeviceIO, err)
	}

	bs.dirty.Put(id, &DirtyEntry{State: State{Kind: KindBigWrite, Workflow: WorkflowWritten, Instant: instant}, Location: block, Len: bs.cfg.BlockSize})
	bs.kickWaitBig(id.Oid)
	return nil
}

func (bs *Blockstore) doSmallWrite(id ObjVerId, offset uint32, instant bool, buf []byte) error {
	body := encodeSmallWriteBody(id, offset, buf)
	if !bs.journal.Reserve(1, int64(len(body)), JournalStabilizeReservation) {
		return newErr("write", KindExhausted, fmt.Errorf("journal full"))
	}
	sector, _, err := bs.journal.Append(EntrySmallWrite, instant, body)
	if err != nil {
		return newErr("write", KindDeviceIO, err)
	}
	bs.journal.Ref(sector)
	bs.dirty.Put(id, &DirtyEntry{
		State:         State{Kind: KindSmallWrite, Workflow: WorkflowWritten, Instant: instant},
		Offset:        offset,
		Len:           uint32(len(buf)),
		JournalSector: sector,
	})
	bs.kickWaitBig(id.Oid)
	return nil
}

// waitBigPayload retains a WAIT_BIG write's data until the blocking big
// write ahead of it reaches WRITTEN and it can be issued for real.
type waitBigPayload struct {
	offset  uint32
	isBig   bool
	instant bool
	buf     []byte
}

// kickWaitBig advances every WAIT_BIG entry for oid, in version order,
// now that the blocking big write has reached WRITTEN (spec §4.2). Each
// kicked write may itself be a big write that blocks the next one, so
// only entries that are no longer blocked get issued.
func (bs *Blockstore) kickWaitBig(oid Oid) {
	for {
		if bs.hasInFlightBigWrite(oid) {
			return
		}
		var next ObjVerId
		found := false
		bs.dirty.Range(oid, func(id ObjVerId, e *DirtyEntry) bool {
			if e.State.Workflow == WorkflowWaitBig {
				next, found = id, true
				return false
			}
			return true
		})
		if !found {
			return
		}
		payload, ok := bs.waitBigPending[next]
		if !ok {
			bs.dirty.Delete(next)
			continue
		}
		delete(bs.waitBigPending, next)
		if err := bs.issueWrite(next, payload.isBig, payload.offset, payload.instant, payload.buf); err != nil {
			bs.dirty.Delete(next)
		}
	}
}
