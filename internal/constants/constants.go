package constants

import "time"

// Ladder arithmetic.
const (
	WinPoints         = 12
	LossPoints        = -4
	PointsPerDivision = 100
	DivisionsPerTier  = 4
	TopDivision       = 1
	BottomDivision    = 4
)

// Energy gating for ranked matchmaking.
const (
	MaxEnergy              = 5
	EnergyRechargeInterval = 10 * time.Minute
)

// Matchmaking.
const (
	QueueEntryTTL      = 2 * time.Minute
	MatchmakingTimeout = 60 * time.Second
	SearchPollInterval = 3 * time.Second
	QueueSweepInterval = 30 * time.Second
)

// Battle.
const (
	CountdownStart    = 3
	CountdownTick     = 1 * time.Second
	StateSyncInterval = 100 * time.Millisecond
	DisconnectGrace   = 10 * time.Second
)

// GarbageForLines maps a lines-cleared count to garbage lines sent. Only
// multi-line clears attack; a quad sends its full height.
var GarbageForLines = [5]int{0, 0, 1, 2, 4}

// Ranked play uses fixed drop-speed parameters so both boards run identical
// gravity.
const (
	RankedDropIntervalMs   = 600
	RankedSoftDropFactor   = 20
	RankedLockDelayMs      = 500
	RankedGarbageHoleWidth = 1
)

const (
	DatabaseTimeout = 5 * time.Second
	RequestTimeout  = 30 * time.Second
	ShutdownTimeout = 5 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	HistoryPageLimit = 20
)
