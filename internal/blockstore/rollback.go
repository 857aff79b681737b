package blockstore

import "fmt"

// Rollback appends a ROLLBACK journal entry, then discards all dirty
// entries of oid whose version is greater than version, releasing their
// resources (spec §4.4). Used by the primary during peering when a
// replica holds extra uncommitted versions.
func (bs *Blockstore) Rollback(oid Oid, version uint64) error {
	var err error
	bs.exec(func() {
		err = bs.doRollback(oid, version)
	})
	return err
}

func (bs *Blockstore) doRollback(oid Oid, version uint64) error {
	bs.metrics.rollbacks.Inc()

	var discard []ObjVerId
	bs.dirty.Range(oid, func(id ObjVerId, e *DirtyEntry) bool {
		if id.Version > version {
			discard = append(discard, id)
		}
		return true
	})
	if len(discard) == 0 {
		return nil // idempotent: nothing above the cutoff
	}

	body := encodeRollbackBody(oid, version)
	if !bs.journal.Reserve(1, int64(len(body)), 0) {
		return newErr("rollback", KindExhausted, fmt.Errorf("journal full even with stabilize reservation"))
	}
	sector, _, err := bs.journal.Append(EntryRollback, false, body)
	if err != nil {
		return newErr("rollback", KindDeviceIO, err)
	}
	bs.journal.Ref(sector)

	for _, id := range discard {
		e, ok := bs.dirty.Get(id)
		if !ok {
			continue
		}
		if e.State.Kind == KindBigWrite && e.State.Workflow >= WorkflowWritten {
			bs.alloc.Free(e.Location)
		}
		if e.State.Workflow >= WorkflowWritten {
			bs.journal.Unref(e.JournalSector)
		}
		bs.dirty.Delete(id)
		delete(bs.waitBigPending, id)
	}
	if v, ok := bs.unstableWrites[oid]; ok && v > version {
		if version == 0 {
			delete(bs.unstableWrites, oid)
		} else {
			bs.unstableWrites[oid] = version
		}
	}

	fut := bs.journal.FlushSector()
	if err := fut.Wait(); err != nil {
		return newErr("rollback", KindDeviceIO, err)
	}
	bs.journal.Unref(sector)
	return nil
}
