package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/shardstore/shardstore/internal/osd"
)

// pgConfigEntry is one item of /config/pgs's `items` map.
type pgConfigEntry struct {
	Pause   bool     `json:"pause"`
	Primary uint64   `json:"primary"`
	OSDSet  []uint64 `json:"osd_set"`
}

type pgsConfigDoc struct {
	Items map[string]pgConfigEntry `json:"items"`
}

// ParsePGsConfig decodes /config/pgs (spec §4.8: "An osd_set whose
// length is not 3 forces pause=true for that PG").
func ParsePGsConfig(raw []byte) (map[uint64]*osd.PG, error) {
	var doc pgsConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cluster: parse /config/pgs: %w", err)
	}
	out := make(map[uint64]*osd.PG, len(doc.Items))
	for numStr, entry := range doc.Items {
		num, err := parseUint(numStr)
		if err != nil {
			return nil, fmt.Errorf("cluster: /config/pgs bad pg_num %q: %w", numStr, err)
		}
		pg := &osd.PG{Num: num, Primary: entry.Primary, OSDSet: entry.OSDSet, Paused: entry.Pause}
		pg.NormalizeOSDSet()
		out[num] = pg
	}
	return out, nil
}

type pgHistoryDoc struct {
	OSDSets  [][]uint64 `json:"osd_sets"`
	AllPeers []uint64   `json:"all_peers"`
}

// ParsePGHistory decodes /pg/history/<n>.
func ParsePGHistory(raw []byte) (pastSets [][]uint64, allPeers []uint64, err error) {
	var doc pgHistoryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("cluster: parse pg history: %w", err)
	}
	return doc.OSDSets, doc.AllPeers, nil
}

type pgStateDoc struct {
	Primary uint64   `json:"primary"`
	State   []string `json:"state"`
}

var pgStateNames = map[string]osd.PGStateFlag{
	"OFFLINE":        osd.PGOffline,
	"PEERING":        osd.PGPeering,
	"INCOMPLETE":     osd.PGIncomplete,
	"ACTIVE":         osd.PGActive,
	"HAS_DEGRADED":   osd.PGHasDegraded,
	"HAS_MISPLACED":  osd.PGHasMisplaced,
}

// ParsePGState decodes /pg/state/<n>, combining the state-name strings
// bitwise and rejecting a combination that mixes the three exclusive
// singleton states with anything else (spec §4.8).
func ParsePGState(raw []byte) (primary uint64, state osd.PGStateFlag, err error) {
	var doc pgStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, 0, fmt.Errorf("cluster: parse pg state: %w", err)
	}
	var combined osd.PGStateFlag
	for _, name := range doc.State {
		flag, ok := pgStateNames[name]
		if !ok {
			return 0, 0, fmt.Errorf("cluster: pg state: unknown state name %q", name)
		}
		combined |= flag
	}
	if !combined.Valid() {
		return 0, 0, fmt.Errorf("cluster: pg state: invalid combination %s", combined)
	}
	return doc.Primary, combined, nil
}

type osdStateDoc struct {
	State     string   `json:"state"`
	Addresses []string `json:"addresses"`
	Port      int      `json:"port"`
}

// ParseOSDState decodes /osd/state/<n>. An OSD is up iff state=="up",
// it has at least one address, and port is in [1,65535] (spec §4.8).
func ParseOSDState(raw []byte) (up bool, addresses []string, port int, err error) {
	var doc osdStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, nil, 0, fmt.Errorf("cluster: parse osd state: %w", err)
	}
	up = doc.State == "up" && len(doc.Addresses) > 0 && doc.Port >= 1 && doc.Port <= 65535
	return up, doc.Addresses, doc.Port, nil
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if len(s) == 0 {
		return 0, fmt.Errorf("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	return n, nil
}
