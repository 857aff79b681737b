// Package osd implements the primary OSD operation dispatcher (spec
// §4.5), the PG peering state consumed from the cluster state client
// (spec §4.8), and the flush/recovery entry points that ride on top of
// a primary's Blockstore and its peer connections.
package osd

import "fmt"

// PGStateFlag is the bitmask combined-state model of spec §4.8's
// /pg/state/<n> parsing rule: "the combined state must be either
// singleton OFFLINE/PEERING/INCOMPLETE, or any combination that does
// not mix those three with others."
type PGStateFlag uint32

const (
	PGOffline PGStateFlag = 1 << iota
	PGPeering
	PGIncomplete
	PGActive
	PGHasDegraded
	PGHasMisplaced
)

var exclusiveFlags = PGOffline | PGPeering | PGIncomplete

// Valid enforces the exclusivity rule above.
func (s PGStateFlag) Valid() bool {
	exclusive := s & exclusiveFlags
	// exclusive must be zero or a single bit
	if exclusive != 0 && exclusive&(exclusive-1) != 0 {
		return false
	}
	if exclusive != 0 && s != exclusive {
		return false
	}
	return true
}

func (s PGStateFlag) String() string {
	if s == 0 {
		return "NONE"
	}
	names := []struct {
		flag PGStateFlag
		name string
	}{
		{PGOffline, "OFFLINE"}, {PGPeering, "PEERING"}, {PGIncomplete, "INCOMPLETE"},
		{PGActive, "ACTIVE"}, {PGHasDegraded, "HAS_DEGRADED"}, {PGHasMisplaced, "HAS_MISPLACED"},
	}
	out := ""
	for _, n := range names {
		if s&n.flag != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// PG is one placement group's locally-known assignment and state (spec
// §4.8 parsing of /config/pgs, /pg/state, /pg/history).
type PG struct {
	Num     uint64
	Primary uint64
	OSDSet  []uint64 // length 3 in a healthy assignment
	Paused  bool
	State   PGStateFlag

	// History, populated from /pg/history/<n>, drives peering: past
	// OSD sets to reconcile and the union of OSDs that may still hold
	// data for this PG.
	PastOSDSets [][]uint64
	AllPeers    []uint64
}

// NormalizeOSDSet applies the /config/pgs parsing rule: an osd_set whose
// length isn't 3 forces pause=true for the PG (spec §4.8).
func (p *PG) NormalizeOSDSet() {
	if len(p.OSDSet) != 3 {
		p.Paused = true
	}
}

func (p *PG) String() string {
	return fmt.Sprintf("pg(%d primary=%d set=%v state=%s paused=%v)", p.Num, p.Primary, p.OSDSet, p.State, p.Paused)
}

// Peers returns every OSD in OSDSet other than self.
func (p *PG) Peers(self uint64) []uint64 {
	var out []uint64
	for _, o := range p.OSDSet {
		if o != self {
			out = append(out, o)
		}
	}
	return out
}
