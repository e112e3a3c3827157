package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"blockbattle/internal/domain"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type HistoryRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewHistoryRepository(sqlDB *sql.DB, logger zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{db: sqlDB, logger: logger}
}

func (r *HistoryRepository) Insert(ctx context.Context, rec *domain.MatchHistory) error {
	id := rec.ID
	if id == "" {
		var err error
		id, err = gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate nanoid: %w", err)
		}
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO match_history (id, match_id, player_id, opponent_id, opponent_name, result,
			score, lines, garbage_sent, points_delta,
			tier_before, division_before, tier_after, division_after, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.MatchID, rec.PlayerID, rec.OpponentID, rec.OpponentName, string(rec.Result),
		rec.Score, rec.Lines, rec.GarbageSent, rec.PointsDelta,
		string(rec.TierBefore), rec.DivisionBefore, string(rec.TierAfter), rec.DivisionAfter,
		rec.Duration.Milliseconds(), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match history: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return nil
}

// ListByPlayer returns the player's match history newest first.
func (r *HistoryRepository) ListByPlayer(ctx context.Context, playerID string, limit int) ([]domain.MatchHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, match_id, player_id, opponent_id, opponent_name, result,
			score, lines, garbage_sent, points_delta,
			tier_before, division_before, tier_after, division_after, duration_ms, created_at
		FROM match_history
		WHERE player_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list match history for %s: %w", playerID, err)
	}
	defer rows.Close()

	var result []domain.MatchHistory
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match history row: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func scanHistory(rows *sql.Rows) (*domain.MatchHistory, error) {
	var rec domain.MatchHistory
	var result, tierBefore, tierAfter string
	var durationMs int64
	err := rows.Scan(
		&rec.ID, &rec.MatchID, &rec.PlayerID, &rec.OpponentID, &rec.OpponentName, &result,
		&rec.Score, &rec.Lines, &rec.GarbageSent, &rec.PointsDelta,
		&tierBefore, &rec.DivisionBefore, &tierAfter, &rec.DivisionAfter,
		&durationMs, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Result = domain.MatchResult(result)
	rec.TierBefore = domain.Tier(tierBefore)
	rec.TierAfter = domain.Tier(tierAfter)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}
