package osd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPGStateFlagValidExclusivity(t *testing.T) {
	require.True(t, PGOffline.Valid())
	require.True(t, (PGActive | PGHasDegraded).Valid())
	require.True(t, PGStateFlag(0).Valid())

	require.False(t, (PGOffline | PGPeering).Valid())
	require.False(t, (PGOffline | PGActive).Valid())
	require.False(t, (PGPeering | PGHasMisplaced).Valid())
}

func TestPGNormalizeOSDSetForcesPauseOnBadLength(t *testing.T) {
	pg := &PG{Num: 1, OSDSet: []uint64{1, 2}}
	pg.NormalizeOSDSet()
	require.True(t, pg.Paused)

	pg2 := &PG{Num: 2, OSDSet: []uint64{1, 2, 3}}
	pg2.NormalizeOSDSet()
	require.False(t, pg2.Paused)
}

func TestPGPeersExcludesSelf(t *testing.T) {
	pg := &PG{Num: 1, OSDSet: []uint64{1, 2, 3}}
	require.ElementsMatch(t, []uint64{2, 3}, pg.Peers(1))
}
