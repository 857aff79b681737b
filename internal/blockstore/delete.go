package blockstore

import "fmt"

// Delete appends a DELETE journal entry for oid at the given version.
// Delete entries transition straight to STABLE on sync without a
// separate stabilize round trip (spec §4.3).
func (bs *Blockstore) Delete(op DeleteOp) (WriteResult, error) {
	var res WriteResult
	var err error
	bs.exec(func() {
		res, err = bs.doDelete(op)
	})
	return res, err
}

func (bs *Blockstore) doDelete(op DeleteOp) (WriteResult, error) {
	maxKnown, hasAny := bs.maxKnownVersion(op.Oid)
	version := op.Version
	if version == 0 {
		version = maxKnown + 1
		if !hasAny {
			version = 1
		}
	} else if hasAny && version <= maxKnown {
		return WriteResult{}, newErr("delete", KindVersionConflict,
			fmt.Errorf("version %d <= known max %d for %s", version, maxKnown, op.Oid))
	}
	id := ObjVerId{Oid: op.Oid, Version: version}

	body := encodeObjVerBody(id)
	if !bs.journal.Reserve(1, int64(len(body)), JournalStabilizeReservation) {
		return WriteResult{}, newErr("delete", KindExhausted, fmt.Errorf("journal full"))
	}
	sector, _, err := bs.journal.Append(EntryDelete, false, body)
	if err != nil {
		return WriteResult{}, newErr("delete", KindDeviceIO, err)
	}
	bs.journal.Ref(sector)
	bs.dirty.Put(id, &DirtyEntry{State: State{Kind: KindDelete, Workflow: WorkflowWritten}, JournalSector: sector})
	return WriteResult{Version: version}, nil
}
