package flush

import "github.com/shardstore/shardstore/internal/blockstore"

// PeerReport is one replica's reported per-object state as gathered
// during a peering pass (SEC_LIST answers): the highest version it has
// written, and whether that version is already stable on that replica.
type PeerReport struct {
	OSD      uint64
	Versions map[blockstore.Oid]blockstore.ObjVerId
	Stable   map[blockstore.Oid]bool
}

// ComputeActions builds the flush_actions list for one PG's peering
// pass (spec §4.6): authoritative is the primary's own decision of what
// each oid's settled version should be (normally its own clean/highest-
// synced version); any replica reporting a version below that is told
// to make_stable up to it once it catches up, any replica reporting a
// version above it holds uncommitted extra versions and is rolled back.
func ComputeActions(authoritative map[blockstore.Oid]uint64, reports []PeerReport) []Action {
	var actions []Action
	for _, r := range reports {
		for oid, want := range authoritative {
			have, ok := r.Versions[oid]
			switch {
			case !ok:
				continue // replica has nothing for this oid; recovery handles it, not flush
			case have.Version > want:
				actions = append(actions, Action{OSD: r.OSD, ID: blockstore.ObjVerId{Oid: oid, Version: have.Version}, Kind: ActionRollback, Version: want})
			case have.Version == want && !r.Stable[oid]:
				actions = append(actions, Action{OSD: r.OSD, ID: have, Kind: ActionMakeStable})
			}
		}
	}
	return actions
}
