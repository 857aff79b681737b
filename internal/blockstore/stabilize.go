package blockstore

import "fmt"

// StabilizeResult reports the outcome for each requested id, so a
// partial batch failure (spec §4.4: "fails with retry-after-sync") does
// not lose the ids that already succeeded no-ops or promotions.
type StabilizeResult struct {
	Errors map[ObjVerId]error
}

// Stabilize takes a list of obj_ver_id and processes each per spec
// §4.4, sharing a single journal fsync across the batch.
func (bs *Blockstore) Stabilize(ids []ObjVerId) (StabilizeResult, error) {
	var res StabilizeResult
	bs.exec(func() {
		res = bs.doStabilize(ids)
	})
	return res, nil
}

func (bs *Blockstore) doStabilize(ids []ObjVerId) StabilizeResult {
	bs.metrics.stabilizes.Inc()
	res := StabilizeResult{Errors: make(map[ObjVerId]error)}

	touched := false
	for _, id := range ids {
		entry, ok := bs.dirty.Get(id)
		if !ok {
			if clean, ok := bs.clean.Get(id.Oid); ok && id.Version <= clean.Version {
				continue // already stable: testable property 7, idempotent no-op
			}
			res.Errors[id] = newErr("stabilize", KindInvalidInput, fmt.Errorf("no such dirty entry %s", id))
			continue
		}
		if entry.State.Workflow == WorkflowStable {
			continue // idempotent no-op
		}
		if entry.State.Workflow != WorkflowSynced {
			res.Errors[id] = ErrRetryLater
			continue
		}
		if err := bs.doStabilizeOne(id, entry); err != nil {
			res.Errors[id] = err
			continue
		}
		touched = true
	}

	if touched {
		if fut := bs.journal.FlushSector(); fut != nil {
			if err := fut.Wait(); err != nil {
				// The clean index and allocator have already been
				// updated in memory; a journal fsync failure here is a
				// device I/O error and, per spec §7, fatal to the OSD.
				for _, id := range ids {
					if _, has := res.Errors[id]; !has {
						res.Errors[id] = newErr("stabilize", KindDeviceIO, err)
					}
				}
			}
		}
		// msync the metadata area so the WriteRecord/ClearRecord calls
		// above survive a crash; replay() treats EntryStable as a
		// consumed no-op and relies entirely on this to carry stabilized
		// state across restart (spec §3, §6).
		if err := bs.meta.Sync(); err != nil {
			for _, id := range ids {
				if _, has := res.Errors[id]; !has {
					res.Errors[id] = newErr("stabilize", KindDeviceIO, err)
				}
			}
		}
	}
	return res
}

// doStabilizeOne performs the promotion for a single already-SYNCED
// entry: append STABLE journal entry, promote to clean, reclaim the
// prior clean version's resources and any strictly-older dirty entries
// of the same oid (spec §4.4).
func (bs *Blockstore) doStabilizeOne(id ObjVerId, entry *DirtyEntry) error {
	body := encodeObjVerBody(id)
	if !bs.journal.Reserve(1, int64(len(body)), 0) {
		return newErr("stabilize", KindExhausted, fmt.Errorf("journal full even with stabilize reservation"))
	}
	sector, _, err := bs.journal.Append(EntryStable, entry.State.Instant, body)
	if err != nil {
		return newErr("stabilize", KindDeviceIO, err)
	}
	bs.journal.Ref(sector)

	entry.State.Workflow = WorkflowStable

	prev, hadPrev := bs.clean.Get(id.Oid)

	if entry.State.Kind != KindDelete {
		newClean := &CleanEntry{Oid: id.Oid, Version: id.Version, Location: entry.Location, Bitmap: entry.Bitmap}
		bs.clean.Put(newClean)
		bs.meta.WriteRecord(entry.Location, newClean)
		bs.readCache.Add(id.Oid, newClean)
	} else {
		bs.clean.Delete(id.Oid)
		bs.readCache.Remove(id.Oid)
		if hadPrev {
			bs.meta.ClearRecord(prev.Location)
		}
	}

	if hadPrev && entry.State.Kind != KindDelete && prev.Location != entry.Location {
		bs.meta.ClearRecord(prev.Location)
		bs.alloc.Free(prev.Location)
	}

	bs.reclaimOlder(id)
	bs.journal.Unref(entry.JournalSector)
	if v, ok := bs.unstableWrites[id.Oid]; ok && v <= id.Version {
		delete(bs.unstableWrites, id.Oid)
	}
	bs.dirty.Delete(id)
	return nil
}

// reclaimOlder discards every dirty entry of id.Oid strictly older than
// id.Version, decrementing their journal-sector refcounts and freeing
// any big-write data blocks (spec §4.4).
func (bs *Blockstore) reclaimOlder(id ObjVerId) {
	var stale []ObjVerId
	bs.dirty.Range(id.Oid, func(other ObjVerId, e *DirtyEntry) bool {
		if other.Version < id.Version {
			stale = append(stale, other)
		}
		return true
	})
	for _, other := range stale {
		e, ok := bs.dirty.Get(other)
		if !ok {
			continue
		}
		if e.State.Kind == KindBigWrite && e.State.Workflow >= WorkflowWritten {
			bs.alloc.Free(e.Location)
		}
		if e.State.Workflow >= WorkflowWritten {
			bs.journal.Unref(e.JournalSector)
		}
		bs.dirty.Delete(other)
	}
}
