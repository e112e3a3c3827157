package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"blockbattle/internal/domain"

	"github.com/rs/zerolog"
)

type MatchRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMatchRepository(sqlDB *sql.DB, logger zerolog.Logger) *MatchRepository {
	return &MatchRepository{db: sqlDB, logger: logger}
}

const matchColumns = `id, player1_id, player1_name, player2_id, player2_name, player1_ready, player2_ready, status, winner_id, player1_score, player1_lines, player2_score, player2_lines, started_at, finished_at, created_at`

func scanMatch(row interface{ Scan(dest ...any) error }) (*domain.Match, error) {
	var m domain.Match
	var status string
	err := row.Scan(
		&m.ID, &m.Player1ID, &m.Player1Name, &m.Player2ID, &m.Player2Name,
		&m.Player1Ready, &m.Player2Ready, &status, &m.WinnerID,
		&m.Player1Score, &m.Player1Lines, &m.Player2Score, &m.Player2Lines,
		&m.StartedAt, &m.FinishedAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = domain.MatchStatus(status)
	return &m, nil
}

func (r *MatchRepository) Create(ctx context.Context, m *domain.Match) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO matches (id, player1_id, player1_name, player2_id, player2_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Player1ID, m.Player1Name, m.Player2ID, m.Player2Name,
		string(domain.MatchPending), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create match: %w", err)
	}
	return nil
}

func (r *MatchRepository) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, matchID)
	m, err := scanMatch(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get match %s: %w", matchID, err)
	}
	return m, nil
}

// SetReady marks the given participant's ready flag.
func (r *MatchRepository) SetReady(ctx context.Context, matchID, playerID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE matches
		SET player1_ready = CASE WHEN player1_id = ? THEN 1 ELSE player1_ready END,
		    player2_ready = CASE WHEN player2_id = ? THEN 1 ELSE player2_ready END
		WHERE id = ? AND (player1_id = ? OR player2_id = ?)`,
		playerID, playerID, matchID, playerID, playerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set ready on match %s: %w", matchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to set ready on match %s: %w", matchID, sql.ErrNoRows)
	}
	return nil
}

// MarkPlaying moves a pending match to playing and records the start time.
// Status transitions are monotonic; a match already past pending is left
// untouched.
func (r *MatchRepository) MarkPlaying(ctx context.Context, matchID string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE matches SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(domain.MatchPlaying), startedAt, matchID, string(domain.MatchPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark match %s playing: %w", matchID, err)
	}
	return nil
}

// UpdateScore writes the score/lines counters owned by one participant.
func (r *MatchRepository) UpdateScore(ctx context.Context, matchID, playerID string, score, lines int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE matches
		SET player1_score = CASE WHEN player1_id = ? THEN ? ELSE player1_score END,
		    player1_lines = CASE WHEN player1_id = ? THEN ? ELSE player1_lines END,
		    player2_score = CASE WHEN player2_id = ? THEN ? ELSE player2_score END,
		    player2_lines = CASE WHEN player2_id = ? THEN ? ELSE player2_lines END
		WHERE id = ? AND (player1_id = ? OR player2_id = ?)`,
		playerID, score, playerID, lines, playerID, score, playerID, lines,
		matchID, playerID, playerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update score on match %s: %w", matchID, err)
	}
	return nil
}

// Finish terminates the match. Only a pending or playing match can move to
// finished or abandoned; whichever side gets here first wins the write.
func (r *MatchRepository) Finish(ctx context.Context, matchID, winnerID string, status domain.MatchStatus, finishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE matches SET status = ?, winner_id = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), winnerID, finishedAt,
		matchID, string(domain.MatchPending), string(domain.MatchPlaying),
	)
	if err != nil {
		return fmt.Errorf("failed to finish match %s: %w", matchID, err)
	}
	return nil
}
