package repository

import (
	"context"
	"testing"
	"time"

	"blockbattle/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyRecord(playerID, matchID string, createdAt time.Time) *domain.MatchHistory {
	return &domain.MatchHistory{
		MatchID:        matchID,
		PlayerID:       playerID,
		OpponentID:     "opponent",
		OpponentName:   "Opponent",
		Result:         domain.ResultWin,
		Score:          1200,
		Lines:          9,
		GarbageSent:    6,
		PointsDelta:    12,
		TierBefore:     domain.TierGold,
		DivisionBefore: 3,
		TierAfter:      domain.TierGold,
		DivisionAfter:  3,
		Duration:       95 * time.Second,
		CreatedAt:      createdAt,
	}
}

func TestHistoryInsert_AssignsIDAndRoundTrips(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	rec := historyRecord("alice", "m1", time.Time{})
	require.NoError(t, repo.Insert(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	list, err := repo.ListByPlayer(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, domain.ResultWin, list[0].Result)
	assert.Equal(t, 95*time.Second, list[0].Duration)
	assert.Equal(t, domain.TierGold, list[0].TierBefore)
}

func TestListByPlayer_NewestFirstWithLimit(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := historyRecord("alice", "m"+string(rune('0'+i)), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Insert(ctx, rec))
	}
	require.NoError(t, repo.Insert(ctx, historyRecord("bob", "other", now)))

	list, err := repo.ListByPlayer(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m4", list[0].MatchID)
	assert.Equal(t, "m3", list[1].MatchID)
	assert.Equal(t, "m2", list[2].MatchID)
}

func TestListByPlayer_EmptyIsNotAnError(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), zerolog.Nop())
	list, err := repo.ListByPlayer(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
