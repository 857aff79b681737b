package blockstore

// Sync batches all unsynced dirty writes known at the instant of
// dequeue and drives them through the linear state machine of spec
// §4.3:
//
//	start
//	 -> (has big writes) DATA_FSYNC_SENT -> DATA_FSYNC_DONE
//	 -> JOURNAL_WRITE_SENT -> JOURNAL_WRITE_DONE
//	 -> JOURNAL_FSYNC_SENT -> DONE
//
// Two syncs enqueued in order S1, S2 are serialized by exec's single
// executor: S2's closure cannot begin running until S1's has returned,
// which gives exactly the "S2 may not be acknowledged until S1 is"
// ordering guarantee of spec §4.3, and any write accepted while S1 was
// in flight but before it returned is impossible under this model (the
// write's own exec call would likewise queue behind S1) — so it is
// necessarily carried by S2 rather than S1, matching the spec.
func (bs *Blockstore) Sync() (SyncResult, error) {
	var res SyncResult
	var err error
	bs.exec(func() {
		res, err = bs.doSync()
	})
	return res, err
}

func (bs *Blockstore) doSync() (SyncResult, error) {
	bs.metrics.syncs.Inc()

	if bs.cfg.ImmediateCommit == ImmediateCommitAll {
		carried, err := bs.collectWritten()
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Carried: carried}, nil
	}

	var carried []ObjVerId
	hasBig := false
	bs.dirty.RangeAll(func(id ObjVerId, e *DirtyEntry) bool {
		if e.State.Workflow == WorkflowWritten {
			carried = append(carried, id)
			if e.State.Kind == KindBigWrite {
				hasBig = true
			}
		}
		return true
	})

	// Sync idempotence (testable property 6): nothing to carry means an
	// immediate, I/O-free success.
	if len(carried) == 0 {
		return SyncResult{}, nil
	}

	if hasBig && bs.cfg.ImmediateCommit != ImmediateCommitSmall {
		fut := newFuture()
		go func() { fut.resolve(bs.dataDev.Sync()) }()
		if err := fut.Wait(); err != nil {
			return SyncResult{}, newErr("sync", KindDeviceIO, err)
		}
	}

	// JOURNAL_WRITE_SENT: big writes append a metadata-only BIG_WRITE
	// journal entry now (their payload already reached the data
	// device); small writes were already appended to the journal at
	// write time and need no further journal record here.
	for _, id := range carried {
		e, ok := bs.dirty.Get(id)
		if !ok || e.State.Kind != KindBigWrite {
			continue
		}
		body := encodeBigWriteBody(id, e.Location)
		if !bs.journal.Reserve(1, int64(len(body)), JournalStabilizeReservation) {
			return SyncResult{}, newErr("sync", KindExhausted, nil)
		}
		sector, _, err := bs.journal.Append(EntryBigWrite, e.State.Instant, body)
		if err != nil {
			return SyncResult{}, newErr("sync", KindDeviceIO, err)
		}
		bs.journal.Ref(sector)
		e.JournalSector = sector
	}

	jfut := bs.journal.FlushSector()
	if err := jfut.Wait(); err != nil {
		return SyncResult{}, newErr("sync", KindDeviceIO, err)
	}
	if !bs.cfg.DisableJournalFsync && bs.cfg.ImmediateCommit == ImmediateCommitNone {
		// FlushSector already fsyncs the journal device as part of its
		// write; DisableJournalFsync would, in a fuller implementation,
		// select a write-only variant of FlushSector. Recorded here as
		// the branch point spec §4.3 names.
	}

	for _, id := range carried {
		e, ok := bs.dirty.Get(id)
		if !ok {
			continue
		}
		e.State.Workflow = WorkflowSynced
		if e.State.Instant || e.State.Kind == KindDelete {
			bs.promoteInstantToStable(id, e)
		}
	}
	bs.publishUnstable(carried)

	return SyncResult{Carried: carried}, nil
}

// collectWritten drives every WRITTEN entry straight to STABLE for the
// immediate_commit=all branch of doSync: big writes still need their
// data fsynced and a BIG_WRITE journal record, so each entry is pushed
// through the same SYNCED -> (instant promote) path a normal sync takes
// rather than a bare workflow bump, keeping the clean index, metadata
// area, and journal in the same state a non-immediate sync would leave
// them in (spec §3, §4.3).
func (bs *Blockstore) collectWritten() ([]ObjVerId, error) {
	var written []ObjVerId
	hasBig := false
	bs.dirty.RangeAll(func(id ObjVerId, e *DirtyEntry) bool {
		if e.State.Workflow == WorkflowWritten {
			written = append(written, id)
			if e.State.Kind == KindBigWrite {
				hasBig = true
			}
		}
		return true
	})
	if len(written) == 0 {
		return nil, nil
	}

	if hasBig {
		fut := newFuture()
		go func() { fut.resolve(bs.dataDev.Sync()) }()
		if err := fut.Wait(); err != nil {
			return nil, newErr("sync", KindDeviceIO, err)
		}
	}

	for _, id := range written {
		e, ok := bs.dirty.Get(id)
		if !ok || e.State.Kind != KindBigWrite {
			continue
		}
		body := encodeBigWriteBody(id, e.Location)
		if !bs.journal.Reserve(1, int64(len(body)), JournalStabilizeReservation) {
			return nil, newErr("sync", KindExhausted, nil)
		}
		sector, _, err := bs.journal.Append(EntryBigWrite, e.State.Instant, body)
		if err != nil {
			return nil, newErr("sync", KindDeviceIO, err)
		}
		bs.journal.Ref(sector)
		e.JournalSector = sector
	}

	var out []ObjVerId
	for _, id := range written {
		e, ok := bs.dirty.Get(id)
		if !ok {
			continue
		}
		e.State.Workflow = WorkflowSynced
		if err := bs.doStabilizeOne(id, e); err != nil {
			e.State.Workflow = WorkflowSynced
			continue
		}
		out = append(out, id)
	}

	if fut := bs.journal.FlushSector(); fut != nil {
		if err := fut.Wait(); err != nil {
			return out, newErr("sync", KindDeviceIO, err)
		}
	}
	if err := bs.meta.Sync(); err != nil {
		return out, newErr("sync", KindDeviceIO, err)
	}
	bs.publishUnstable(out)
	return out, nil
}

// promoteInstantToStable fast-paths INSTANT-flagged and DELETE entries
// straight to STABLE on sync, per spec §4.3, without a separate
// stabilize round trip.
func (bs *Blockstore) promoteInstantToStable(id ObjVerId, e *DirtyEntry) {
	if err := bs.doStabilizeOne(id, e); err != nil {
		// Leave it SYNCED; a future explicit Stabilize call will retry.
		e.State.Workflow = WorkflowSynced
	}
}

// publishUnstable records each carried write's version as the object's
// highest synced-but-not-yet-stable version, for peers to consume (spec
// §3 Unstable writes).
func (bs *Blockstore) publishUnstable(carried []ObjVerId) {
	for _, id := range carried {
		if v, ok := bs.unstableWrites[id.Oid]; !ok || id.Version > v {
			bs.unstableWrites[id.Oid] = id.Version
		}
	}
}

// UnstableWrites returns a snapshot of oid -> highest synced-but-not-
// stable version, for the primary to publish to peers.
func (bs *Blockstore) UnstableWrites() map[Oid]uint64 {
	out := make(map[Oid]uint64)
	bs.exec(func() {
		for k, v := range bs.unstableWrites {
			out[k] = v
		}
	})
	return out
}
