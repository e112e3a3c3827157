package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchableTiers_WindowSizes(t *testing.T) {
	bottom := MatchableTiers(TierIron)
	require.Len(t, bottom, 2)
	assert.Equal(t, []Tier{TierIron, TierBronze}, bottom)

	middle := MatchableTiers(TierGold)
	require.Len(t, middle, 3)
	assert.Equal(t, []Tier{TierSilver, TierGold, TierPlatinum}, middle)

	top := MatchableTiers(TierLegend)
	require.Len(t, top, 2)
	assert.Equal(t, []Tier{TierGrandmaster, TierLegend}, top)
}

func TestMatchableTiers_UnknownTier(t *testing.T) {
	assert.Nil(t, MatchableTiers(Tier("Cardboard")))
}

func TestLinearRank_Ordering(t *testing.T) {
	// Division 1 is the top of a tier, so it outranks division 4 of the same
	// tier, and the next tier's division 4 outranks division 1 below it.
	assert.Less(t, LinearRank(TierIron, 4), LinearRank(TierIron, 1))
	assert.Less(t, LinearRank(TierIron, 1), LinearRank(TierBronze, 4))
	assert.Equal(t, 0, LinearRank(TierIron, 4))
	assert.Equal(t, len(TierOrder)*4-1, LinearRank(TierLegend, 1))
}

func TestMatchOpponent(t *testing.T) {
	m := Match{Player1ID: "a", Player1Name: "Alice", Player2ID: "b", Player2Name: "Bob"}

	id, name := m.Opponent("a")
	assert.Equal(t, "b", id)
	assert.Equal(t, "Bob", name)

	id, name = m.Opponent("b")
	assert.Equal(t, "a", id)
	assert.Equal(t, "Alice", name)

	id, _ = m.Opponent("c")
	assert.Empty(t, id)
}
