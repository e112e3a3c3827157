package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"blockbattle/internal/domain"

	"github.com/rs/zerolog"
)

// ErrPairRaceLost reports that a concurrent pairing attempt flipped one of the
// target entries first. It is normal control flow, not a fault.
var ErrPairRaceLost = errors.New("queue entries no longer waiting")

type QueueRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewQueueRepository(sqlDB *sql.DB, logger zerolog.Logger) *QueueRepository {
	return &QueueRepository{db: sqlDB, logger: logger}
}

// Join replaces any stale entry for the player with a fresh waiting one.
// Delete-then-insert enforces uniqueness and self-heals after a crashed
// session left an old row behind.
func (r *QueueRepository) Join(ctx context.Context, entry *domain.QueueEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE player_id = ?`, entry.PlayerID); err != nil {
		return fmt.Errorf("failed to clear stale queue entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (player_id, display_name, tier, division, total_points, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.PlayerID, entry.DisplayName, string(entry.Tier), entry.Division,
		entry.TotalPoints, string(domain.QueueWaiting), entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}

	return tx.Commit()
}

func (r *QueueRepository) Get(ctx context.Context, playerID string) (*domain.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT player_id, display_name, tier, division, total_points, status, created_at, expires_at
		FROM queue_entries WHERE player_id = ?`, playerID)

	var e domain.QueueEntry
	var tier, status string
	err := row.Scan(&e.PlayerID, &e.DisplayName, &tier, &e.Division, &e.TotalPoints, &status, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry for %s: %w", playerID, err)
	}
	e.Tier = domain.Tier(tier)
	e.Status = domain.QueueStatus(status)
	return &e, nil
}

// FindOldestWaiting returns the oldest waiting, unexpired entry whose tier is
// in the given window, excluding the searcher, or nil when none exists.
func (r *QueueRepository) FindOldestWaiting(ctx context.Context, tiers []domain.Tier, excludeID string) (*domain.QueueEntry, error) {
	if len(tiers) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tiers)), ",")
	args := make([]any, 0, len(tiers)+3)
	for _, t := range tiers {
		args = append(args, string(t))
	}
	args = append(args, string(domain.QueueWaiting), excludeID, time.Now().UTC())

	row := r.db.QueryRowContext(ctx, `
		SELECT player_id, display_name, tier, division, total_points, status, created_at, expires_at
		FROM queue_entries
		WHERE tier IN (`+placeholders+`) AND status = ? AND player_id != ? AND expires_at > ?
		ORDER BY created_at ASC
		LIMIT 1`, args...)

	var e domain.QueueEntry
	var tier, status string
	err := row.Scan(&e.PlayerID, &e.DisplayName, &tier, &e.Division, &e.TotalPoints, &status, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search queue: %w", err)
	}
	e.Tier = domain.Tier(tier)
	e.Status = domain.QueueStatus(status)
	return &e, nil
}

// PairEntries flips both entries from waiting to matched with conditional
// single-row updates inside one transaction. If either row is no longer
// waiting the transaction rolls back and ErrPairRaceLost is returned; at
// most one of any number of concurrent racers over the same pair succeeds.
func (r *QueueRepository) PairEntries(ctx context.Context, playerA, playerB string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []string{playerA, playerB} {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ? WHERE player_id = ? AND status = ?`,
			string(domain.QueueMatched), id, string(domain.QueueWaiting),
		)
		if err != nil {
			return fmt.Errorf("failed to flip queue entry %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n != 1 {
			r.logger.Debug().Str("player_id", id).Msg("pairing race lost, entry not waiting")
			return ErrPairRaceLost
		}
	}

	return tx.Commit()
}

// ResetToWaiting rolls matched entries back to waiting after a failed match
// creation.
func (r *QueueRepository) ResetToWaiting(ctx context.Context, playerIDs ...string) error {
	for _, id := range playerIDs {
		_, err := r.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ? WHERE player_id = ? AND status = ?`,
			string(domain.QueueWaiting), id, string(domain.QueueMatched),
		)
		if err != nil {
			return fmt.Errorf("failed to reset queue entry %s: %w", id, err)
		}
	}
	return nil
}

// Delete removes the player's entry. Idempotent.
func (r *QueueRepository) Delete(ctx context.Context, playerID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("failed to delete queue entry for %s: %w", playerID, err)
	}
	return nil
}

// DeleteExpired sweeps entries past their TTL and returns how many were
// removed.
func (r *QueueRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired queue entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
