package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/database"
	"blockbattle/internal/domain"
	"blockbattle/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfileService(t *testing.T) (*ProfileService, *RankService, *repository.HistoryRepository) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rankSvc := NewRankService(repository.NewRankRepository(db, zerolog.Nop()), zerolog.Nop())
	historyRepo := repository.NewHistoryRepository(db, zerolog.Nop())
	return NewProfileService(rankSvc, historyRepo, zerolog.Nop()), rankSvc, historyRepo
}

func TestGetProfile_NewPlayerGetsDefaults(t *testing.T) {
	svc, _, _ := newTestProfileService(t)

	profile, err := svc.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierIron, profile.Rank.Tier)
	assert.Equal(t, constants.BottomDivision, profile.Rank.Division)
	assert.Equal(t, constants.MaxEnergy, profile.Energy)
	assert.Nil(t, profile.EnergyRechargeMs, "full energy has no recharge countdown")
	assert.Empty(t, profile.History)
}

func TestGetProfile_IncludesRecentHistoryAndRecharge(t *testing.T) {
	svc, rankSvc, historyRepo := newTestProfileService(t)
	ctx := context.Background()

	_, err := rankSvc.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	ok, err := rankSvc.ConsumeEnergy(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, historyRepo.Insert(ctx, &domain.MatchHistory{
		MatchID:      "m1",
		PlayerID:     "alice",
		OpponentID:   "bob",
		OpponentName: "Bob",
		Result:       domain.ResultLoss,
		PointsDelta:  constants.LossPoints,
		TierBefore:   domain.TierIron,
		TierAfter:    domain.TierIron,
		Duration:     30 * time.Second,
	}))

	profile, err := svc.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, constants.MaxEnergy-1, profile.Energy)
	require.NotNil(t, profile.EnergyRechargeMs)
	assert.Greater(t, *profile.EnergyRechargeMs, int64(0))
	assert.LessOrEqual(t, *profile.EnergyRechargeMs, constants.EnergyRechargeInterval.Milliseconds())
	require.Len(t, profile.History, 1)
	assert.Equal(t, domain.ResultLoss, profile.History[0].Result)
}
