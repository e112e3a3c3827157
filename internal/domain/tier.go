package domain

// Tier is the coarse component of the competitive ladder, ordered lowest to
// highest. Division (4 down to 1) is the fine component within a tier.
type Tier string

const (
	TierIron        Tier = "Iron"
	TierBronze      Tier = "Bronze"
	TierSilver      Tier = "Silver"
	TierGold        Tier = "Gold"
	TierPlatinum    Tier = "Platinum"
	TierEmerald     Tier = "Emerald"
	TierDiamond     Tier = "Diamond"
	TierMaster      Tier = "Master"
	TierGrandmaster Tier = "Grandmaster"
	TierLegend      Tier = "Legend"
)

// TierOrder lists all tiers lowest first. Index into this slice is the tier's
// rank weight.
var TierOrder = []Tier{
	TierIron,
	TierBronze,
	TierSilver,
	TierGold,
	TierPlatinum,
	TierEmerald,
	TierDiamond,
	TierMaster,
	TierGrandmaster,
	TierLegend,
}

var tierIndex = func() map[Tier]int {
	m := make(map[Tier]int, len(TierOrder))
	for i, t := range TierOrder {
		m[t] = i
	}
	return m
}()

// Index returns the tier's position in the ladder (0 = lowest) and whether
// the tier is known.
func (t Tier) Index() (int, bool) {
	i, ok := tierIndex[t]
	return i, ok
}

func (t Tier) Valid() bool {
	_, ok := tierIndex[t]
	return ok
}

// MatchableTiers returns the tier itself plus its immediate neighbors in
// ladder order. At the ends of the ladder the window shrinks to two tiers.
func MatchableTiers(t Tier) []Tier {
	i, ok := tierIndex[t]
	if !ok {
		return nil
	}
	tiers := make([]Tier, 0, 3)
	if i > 0 {
		tiers = append(tiers, TierOrder[i-1])
	}
	tiers = append(tiers, t)
	if i < len(TierOrder)-1 {
		tiers = append(tiers, TierOrder[i+1])
	}
	return tiers
}

// LinearRank collapses tier and division into a single comparable value.
// Division 4 is the bottom of a tier, so division contributes (4 - division).
func LinearRank(t Tier, division int) int {
	i, _ := tierIndex[t]
	return i*4 + (4 - division)
}
