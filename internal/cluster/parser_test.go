package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardstore/shardstore/internal/osd"
)

func TestParsePGsConfigForcesPauseOnBadOSDSetLength(t *testing.T) {
	raw := []byte(`{"items":{"1":{"primary":1,"osd_set":[1,2,3]},"2":{"primary":4,"osd_set":[4,5]}}}`)
	pgs, err := ParsePGsConfig(raw)
	require.NoError(t, err)
	require.False(t, pgs[1].Paused)
	require.True(t, pgs[2].Paused)
}

func TestParsePGHistory(t *testing.T) {
	raw := []byte(`{"osd_sets":[[1,2,3],[1,2,4]],"all_peers":[1,2,3,4]}`)
	past, allPeers, err := ParsePGHistory(raw)
	require.NoError(t, err)
	require.Len(t, past, 2)
	require.Equal(t, []uint64{1, 2, 3, 4}, allPeers)
}

func TestParsePGStateCombinesFlags(t *testing.T) {
	raw := []byte(`{"primary":1,"state":["ACTIVE","HAS_DEGRADED"]}`)
	primary, state, err := ParsePGState(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(1), primary)
	require.Equal(t, osd.PGActive|osd.PGHasDegraded, state)
}

func TestParsePGStateRejectsMixedExclusiveStates(t *testing.T) {
	raw := []byte(`{"primary":1,"state":["OFFLINE","ACTIVE"]}`)
	_, _, err := ParsePGState(raw)
	require.Error(t, err)
}

func TestParsePGStateRejectsUnknownName(t *testing.T) {
	raw := []byte(`{"primary":1,"state":["BOGUS"]}`)
	_, _, err := ParsePGState(raw)
	require.Error(t, err)
}

func TestParseOSDStateUpRequiresAddressAndValidPort(t *testing.T) {
	up, addrs, port, err := ParseOSDState([]byte(`{"state":"up","addresses":["10.0.0.1"],"port":3301}`))
	require.NoError(t, err)
	require.True(t, up)
	require.Equal(t, []string{"10.0.0.1"}, addrs)
	require.Equal(t, 3301, port)

	up, _, _, err = ParseOSDState([]byte(`{"state":"up","addresses":[],"port":3301}`))
	require.NoError(t, err)
	require.False(t, up)

	up, _, _, err = ParseOSDState([]byte(`{"state":"up","addresses":["10.0.0.1"],"port":0}`))
	require.NoError(t, err)
	require.False(t, up)

	up, _, _, err = ParseOSDState([]byte(`{"state":"down","addresses":["10.0.0.1"],"port":3301}`))
	require.NoError(t, err)
	require.False(t, up)
}
