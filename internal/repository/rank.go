package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/domain"

	"github.com/rs/zerolog"
)

type RankRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewRankRepository(sqlDB *sql.DB, logger zerolog.Logger) *RankRepository {
	return &RankRepository{db: sqlDB, logger: logger}
}

const rankColumns = `player_id, tier, division, points, total_points, wins, losses, energy, energy_recharge_anchor, created_at, updated_at`

func scanRank(row interface{ Scan(dest ...any) error }) (*domain.PlayerRank, error) {
	var r domain.PlayerRank
	var tier string
	err := row.Scan(
		&r.PlayerID, &tier, &r.Division, &r.Points, &r.TotalPoints,
		&r.Wins, &r.Losses, &r.Energy, &r.EnergyRechargeAnchor,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Tier = domain.Tier(tier)
	return &r, nil
}

// GetOrCreate returns the player's rank row, creating it with ladder defaults
// on first access. The primary key on player_id makes concurrent first access
// converge on a single row.
func (r *RankRepository) GetOrCreate(ctx context.Context, playerID string) (*domain.PlayerRank, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO player_ranks (player_id, tier, division, points, total_points, wins, losses, energy, energy_recharge_anchor, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?, ?, ?)`,
		playerID, string(domain.TierIron), constants.BottomDivision, constants.MaxEnergy, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rank row: %w", err)
	}

	return r.Get(ctx, playerID)
}

func (r *RankRepository) Get(ctx context.Context, playerID string) (*domain.PlayerRank, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+rankColumns+` FROM player_ranks WHERE player_id = ?`, playerID)
	rank, err := scanRank(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get rank for %s: %w", playerID, err)
	}
	return rank, nil
}

// Update persists every mutable rank field. Only the rank service calls this.
func (r *RankRepository) Update(ctx context.Context, rank *domain.PlayerRank) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE player_ranks
		SET tier = ?, division = ?, points = ?, total_points = ?, wins = ?, losses = ?,
		    energy = ?, energy_recharge_anchor = ?, updated_at = ?
		WHERE player_id = ?`,
		string(rank.Tier), rank.Division, rank.Points, rank.TotalPoints,
		rank.Wins, rank.Losses, rank.Energy, rank.EnergyRechargeAnchor,
		time.Now().UTC(), rank.PlayerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rank for %s: %w", rank.PlayerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update rank for %s: %w", rank.PlayerID, sql.ErrNoRows)
	}
	return nil
}

// UpdateEnergy writes only the energy fields, leaving the ladder fields alone.
func (r *RankRepository) UpdateEnergy(ctx context.Context, playerID string, energy int, anchor time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE player_ranks SET energy = ?, energy_recharge_anchor = ?, updated_at = ? WHERE player_id = ?`,
		energy, anchor, time.Now().UTC(), playerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update energy for %s: %w", playerID, err)
	}
	return nil
}
