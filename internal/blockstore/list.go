package blockstore

// ObjectSummary is one oid's highest known version and whether that
// version is already stable, as reported to a peering primary answering
// SEC_LIST (SPEC_FULL §4 supplemented feature).
type ObjectSummary struct {
	Oid     Oid
	Version uint64
	Stable  bool
}

// ListObjects returns the highest known version of every object this
// OSD holds any state for, combining the clean index with any dirty
// entries that exceed it.
func (bs *Blockstore) ListObjects() []ObjectSummary {
	var out []ObjectSummary
	seen := make(map[Oid]int)
	bs.exec(func() {
		bs.clean.mu.RLock()
		for oid, ce := range bs.clean.entries {
			s := ObjectSummary{Oid: oid, Version: ce.Version, Stable: true}
			out = append(out, s)
			seen[oid] = len(out) - 1
		}
		bs.clean.mu.RUnlock()

		bs.dirty.RangeAll(func(id ObjVerId, e *DirtyEntry) bool {
			if idx, ok := seen[id.Oid]; ok {
				existing := &out[idx]
				if id.Version > existing.Version {
					existing.Version = id.Version
					existing.Stable = e.State.Workflow == WorkflowStable
				}
				return true
			}
			out = append(out, ObjectSummary{Oid: id.Oid, Version: id.Version, Stable: e.State.Workflow == WorkflowStable})
			seen[id.Oid] = len(out) - 1
			return true
		})
	})
	return out
}

// ReadBitmap returns the sub-block liveness bitmap for oid's clean
// entry, if any (SPEC_FULL §4 SEC_READ_BMP, used by recovery to avoid
// re-reading whole blocks for partially-written objects).
func (bs *Blockstore) ReadBitmap(oid Oid) (*Bitmap, bool) {
	var bm *Bitmap
	var ok bool
	bs.exec(func() {
		var ce *CleanEntry
		ce, ok = bs.clean.Get(oid)
		if ok {
			bm = ce.Bitmap
		}
	})
	return bm, ok
}
