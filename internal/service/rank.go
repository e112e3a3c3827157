package service

import (
	"context"
	"fmt"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/domain"
	"blockbattle/internal/repository"

	"github.com/rs/zerolog"
)

// RankService owns every mutation of the per-player ladder record: point
// deltas, promotion/demotion, win/loss counters and the energy gate.
type RankService struct {
	repo   *repository.RankRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewRankService(repo *repository.RankRepository, logger zerolog.Logger) *RankService {
	return &RankService{repo: repo, logger: logger, now: time.Now}
}

func (s *RankService) GetOrCreate(ctx context.Context, playerID string) (*domain.PlayerRank, error) {
	return s.repo.GetOrCreate(ctx, playerID)
}

// MatchableTiers returns the tier window used to bound matchmaking breadth:
// the tier itself plus its immediate neighbors.
func (s *RankService) MatchableTiers(tier domain.Tier) []domain.Tier {
	return domain.MatchableTiers(tier)
}

// ApplyMatchResult applies the fixed win reward or loss penalty to the
// player's rank, walks the tier/division ladder for promotions and demotions,
// and persists the outcome. The returned change carries before/after
// snapshots plus promoted/demoted flags derived from the linearized rank.
func (s *RankService) ApplyMatchResult(ctx context.Context, playerID string, isWin bool) (*domain.RankChange, error) {
	rank, err := s.repo.GetOrCreate(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rank: %w", err)
	}

	before := *rank
	delta := constants.LossPoints
	if isWin {
		delta = constants.WinPoints
	}

	tier, division, points := resolveLadder(rank.Tier, rank.Division, rank.Points+delta)

	rank.Tier = tier
	rank.Division = division
	rank.Points = points
	if isWin {
		rank.TotalPoints += constants.WinPoints
		rank.Wins++
	} else {
		rank.Losses++
	}

	if err := s.repo.Update(ctx, rank); err != nil {
		return nil, fmt.Errorf("failed to persist rank: %w", err)
	}

	beforeLinear := domain.LinearRank(before.Tier, before.Division)
	afterLinear := domain.LinearRank(rank.Tier, rank.Division)

	change := &domain.RankChange{
		Before:      before,
		After:       *rank,
		PointsDelta: delta,
		Promoted:    afterLinear > beforeLinear,
		Demoted:     afterLinear < beforeLinear,
	}

	s.logger.Info().
		Str("player_id", playerID).
		Bool("win", isWin).
		Int("points_delta", delta).
		Str("tier", string(rank.Tier)).
		Int("division", rank.Division).
		Int("points", rank.Points).
		Bool("promoted", change.Promoted).
		Bool("demoted", change.Demoted).
		Msg("match result applied to rank")

	return change, nil
}

// resolveLadder walks promotions while points overflow a division and
// demotions while they underflow, clamping at the ladder's ends.
func resolveLadder(tier domain.Tier, division, points int) (domain.Tier, int, int) {
	tierIdx, _ := tier.Index()

	for points >= constants.PointsPerDivision {
		if division > constants.TopDivision {
			points -= constants.PointsPerDivision
			division--
			continue
		}
		if tierIdx < len(domain.TierOrder)-1 {
			points -= constants.PointsPerDivision
			tierIdx++
			division = constants.BottomDivision
			continue
		}
		// Top of the ladder: excess rating is discarded.
		points = constants.PointsPerDivision - 1
		break
	}

	for points < 0 {
		if division < constants.BottomDivision {
			points += constants.PointsPerDivision
			division++
			continue
		}
		if tierIdx > 0 {
			points += constants.PointsPerDivision
			tierIdx--
			division = constants.TopDivision
			continue
		}
		// Bottom of the ladder: nowhere lower to go.
		points = 0
		break
	}

	return domain.TierOrder[tierIdx], division, points
}

// rechargedEnergy computes the lazily recharged energy at now without
// mutating anything. The returned anchor is where the recharge clock should
// stand after banking whole units; untilNext is nil at max energy.
func rechargedEnergy(rank *domain.PlayerRank, now time.Time) (energy int, anchor time.Time, untilNext *time.Duration) {
	energy = rank.Energy
	anchor = rank.EnergyRechargeAnchor

	if energy < constants.MaxEnergy {
		elapsed := now.Sub(anchor)
		if units := int(elapsed / constants.EnergyRechargeInterval); units > 0 {
			energy += units
			anchor = anchor.Add(time.Duration(units) * constants.EnergyRechargeInterval)
		}
	}
	if energy >= constants.MaxEnergy {
		energy = constants.MaxEnergy
		anchor = now
		return energy, anchor, nil
	}

	d := constants.EnergyRechargeInterval - now.Sub(anchor)
	return energy, anchor, &d
}

// ConsumeEnergy recharges lazily, then spends one unit if any is available.
// Returns false, with no state change beyond the recharge, when energy is
// exhausted.
func (s *RankService) ConsumeEnergy(ctx context.Context, playerID string) (bool, error) {
	rank, err := s.repo.GetOrCreate(ctx, playerID)
	if err != nil {
		return false, fmt.Errorf("failed to load rank: %w", err)
	}

	now := s.now().UTC()
	energy, anchor, _ := rechargedEnergy(rank, now)
	if energy <= 0 {
		// Persist any recharge bookkeeping even when consumption fails.
		if energy != rank.Energy || !anchor.Equal(rank.EnergyRechargeAnchor) {
			if err := s.repo.UpdateEnergy(ctx, playerID, energy, anchor); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	// Spending from a full bar starts the recharge clock now; below max the
	// partial progress toward the next unit is preserved.
	if energy == constants.MaxEnergy {
		anchor = now
	}
	energy--

	if err := s.repo.UpdateEnergy(ctx, playerID, energy, anchor); err != nil {
		return false, err
	}

	s.logger.Debug().Str("player_id", playerID).Int("energy", energy).Msg("energy consumed")
	return true, nil
}

// PeekEnergy reports current energy and the time until the next unit without
// consuming or persisting anything. untilNext is nil at max energy.
func (s *RankService) PeekEnergy(ctx context.Context, playerID string) (energy int, untilNext *time.Duration, err error) {
	rank, err := s.repo.GetOrCreate(ctx, playerID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load rank: %w", err)
	}
	energy, _, untilNext = rechargedEnergy(rank, s.now().UTC())
	return energy, untilNext, nil
}
