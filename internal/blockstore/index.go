package blockstore

import (
	"sync"

	"github.com/google/btree"
)

// dirtyItem adapts (ObjVerId, *DirtyEntry) to btree.Item so the dirty
// index can be kept as an ordered map, per spec §3: "the dirty index
// maps obj_ver_id -> dirty entry, ordered lexicographically by (oid,
// version)".
type dirtyItem struct {
	key   ObjVerId
	entry *DirtyEntry
}

func (a dirtyItem) Less(than btree.Item) bool {
	return a.key.Less(than.(dirtyItem).key)
}

// DirtyIndex is the in-memory ordered map of unstabilized (oid,version)
// to state (spec §2, §3).
type DirtyIndex struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewDirtyIndex() *DirtyIndex {
	return &DirtyIndex{tree: btree.New(32)}
}

func (d *DirtyIndex) Get(id ObjVerId) (*DirtyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	item := d.tree.Get(dirtyItem{key: id})
	if item == nil {
		return nil, false
	}
	return item.(dirtyItem).entry, true
}

func (d *DirtyIndex) Put(id ObjVerId, entry *DirtyEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.ReplaceOrInsert(dirtyItem{key: id, entry: entry})
}

func (d *DirtyIndex) Delete(id ObjVerId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.Delete(dirtyItem{key: id})
}

// MaxVersion returns the highest known dirty version for oid, and
// whether any exists. Used to compute auto-assigned versions and to
// detect stale user-supplied versions (spec §4.2).
func (d *DirtyIndex) MaxVersion(oid Oid) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var max uint64
	found := false
	// The highest version for oid, if any, sorts immediately before the
	// first key of the next oid; ascend from (oid, 0) and stop leaving
	// the oid's run.
	d.tree.AscendGreaterOrEqual(dirtyItem{key: ObjVerId{Oid: oid, Version: 0}}, func(i btree.Item) bool {
		it := i.(dirtyItem)
		if it.key.Oid != oid {
			return false
		}
		max = it.key.Version
		found = true
		return true
	})
	return max, found
}

// Range walks all dirty entries for oid in increasing version order.
func (d *DirtyIndex) Range(oid Oid, fn func(ObjVerId, *DirtyEntry) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.tree.AscendGreaterOrEqual(dirtyItem{key: ObjVerId{Oid: oid, Version: 0}}, func(i btree.Item) bool {
		it := i.(dirtyItem)
		if it.key.Oid != oid {
			return false
		}
		return fn(it.key, it.entry)
	})
}

// RangeAll walks every dirty entry in (oid,version) order, for recovery
// scans and flush-coordinator diffing.
func (d *DirtyIndex) RangeAll(fn func(ObjVerId, *DirtyEntry) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.tree.Ascend(func(i btree.Item) bool {
		it := i.(dirtyItem)
		return fn(it.key, it.entry)
	})
}

func (d *DirtyIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Len()
}

// CleanIndex maps oid to its single clean entry (spec §3 invariant: at
// most one clean entry per oid). Ordering isn't required here, so a
// plain map suffices.
type CleanIndex struct {
	mu      sync.RWMutex
	entries map[Oid]*CleanEntry
}

func NewCleanIndex(initial map[Oid]*CleanEntry) *CleanIndex {
	if initial == nil {
		initial = make(map[Oid]*CleanEntry)
	}
	return &CleanIndex{entries: initial}
}

func (c *CleanIndex) Get(oid Oid) (*CleanEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[oid]
	return e, ok
}

func (c *CleanIndex) Put(entry *CleanEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Oid] = entry
}

func (c *CleanIndex) Delete(oid Oid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, oid)
}

func (c *CleanIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
