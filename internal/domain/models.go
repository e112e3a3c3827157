package domain

import (
	"time"
)

// PlayerRank is the per-player ladder record. It is only ever mutated through
// the rank service; callers get copies.
type PlayerRank struct {
	PlayerID             string
	Tier                 Tier
	Division             int // 1..4, 1 is the top of the tier
	Points               int // 0..99
	TotalPoints          int
	Wins                 int
	Losses               int
	Energy               int // 0..MaxEnergy
	EnergyRechargeAnchor time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueMatched   QueueStatus = "matched"
	QueueCancelled QueueStatus = "cancelled"
)

// QueueEntry is an ephemeral matchmaking ticket. Tier/division/total points
// are snapshots copied at join time, not live values.
type QueueEntry struct {
	PlayerID    string
	DisplayName string
	Tier        Tier
	Division    int
	TotalPoints int
	Status      QueueStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchPlaying   MatchStatus = "playing"
	MatchFinished  MatchStatus = "finished"
	MatchAbandoned MatchStatus = "abandoned"
)

type Match struct {
	ID           string
	Player1ID    string
	Player1Name  string
	Player2ID    string
	Player2Name  string
	Player1Ready bool
	Player2Ready bool
	Status       MatchStatus
	WinnerID     string
	Player1Score int
	Player1Lines int
	Player2Score int
	Player2Lines int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// Opponent returns the id and display name of the other participant, or
// ("", "") when selfID is not a participant.
func (m *Match) Opponent(selfID string) (id, name string) {
	switch selfID {
	case m.Player1ID:
		return m.Player2ID, m.Player2Name
	case m.Player2ID:
		return m.Player1ID, m.Player1Name
	}
	return "", ""
}

type MatchResult string

const (
	ResultWin       MatchResult = "win"
	ResultLoss      MatchResult = "loss"
	ResultAbandoned MatchResult = "abandoned"
)

// MatchHistory is one player's view of one finished match. Two rows exist per
// match, written independently by each side.
type MatchHistory struct {
	ID             string // nanoid
	MatchID        string
	PlayerID       string
	OpponentID     string
	OpponentName   string
	Result         MatchResult
	Score          int
	Lines          int
	GarbageSent    int
	PointsDelta    int
	TierBefore     Tier
	DivisionBefore int
	TierAfter      Tier
	DivisionAfter  int
	Duration       time.Duration
	CreatedAt      time.Time
}

// RankChange is the before/after snapshot returned by ApplyMatchResult.
type RankChange struct {
	Before      PlayerRank
	After       PlayerRank
	PointsDelta int
	Promoted    bool
	Demoted     bool
}
