package service

import (
	"context"
	"fmt"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/domain"
	"blockbattle/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Profile is the aggregate the UI renders on the ranked screen: ladder
// position, energy status and recent match history.
type Profile struct {
	Rank             domain.PlayerRank     `json:"rank"`
	Energy           int                   `json:"energy"`
	EnergyRechargeMs *int64                `json:"energy_recharge_ms,omitempty"`
	History          []domain.MatchHistory `json:"history"`
}

type ProfileService struct {
	rankSvc     *RankService
	historyRepo *repository.HistoryRepository
	logger      zerolog.Logger
}

func NewProfileService(rankSvc *RankService, historyRepo *repository.HistoryRepository, logger zerolog.Logger) *ProfileService {
	return &ProfileService{rankSvc: rankSvc, historyRepo: historyRepo, logger: logger}
}

// GetProfile loads rank/energy and recent history concurrently.
func (s *ProfileService) GetProfile(ctx context.Context, playerID string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	var rank *domain.PlayerRank
	var energy int
	var untilNext *time.Duration
	var history []domain.MatchHistory

	g.Go(func() error {
		var err error
		rank, err = s.rankSvc.GetOrCreate(gCtx, playerID)
		if err != nil {
			return err
		}
		energy, untilNext, err = s.rankSvc.PeekEnergy(gCtx, playerID)
		return err
	})

	g.Go(func() error {
		var err error
		history, err = s.historyRepo.ListByPlayer(gCtx, playerID, constants.HistoryPageLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Str("player_id", playerID).Msg("failed to load profile")
		return nil, fmt.Errorf("failed to load profile for %s: %w", playerID, err)
	}

	profile := &Profile{Rank: *rank, Energy: energy, History: history}
	if untilNext != nil {
		ms := untilNext.Milliseconds()
		profile.EnergyRechargeMs = &ms
	}
	return profile, nil
}
