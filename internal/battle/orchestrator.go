package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/domain"
	"blockbattle/internal/realtime"
	"blockbattle/internal/repository"
	"blockbattle/internal/service"

	"github.com/rs/zerolog"
)

func errNotParticipant(matchID, playerID string) error {
	return fmt.Errorf("player %s is not a participant of match %s", playerID, matchID)
}

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAwaitingReady Phase = "awaiting_ready"
	PhaseCountdown     Phase = "countdown"
	PhaseLive          Phase = "live"
	PhaseFinished      Phase = "finished"
)

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
)

// Settings are the fixed drop-speed parameters both clients run under in
// ranked play.
type Settings struct {
	DropIntervalMs   int `json:"drop_interval_ms"`
	SoftDropFactor   int `json:"soft_drop_factor"`
	LockDelayMs      int `json:"lock_delay_ms"`
	GarbageHoleWidth int `json:"garbage_hole_width"`
}

// Callbacks is the capability set the client UI registers with the
// orchestrator. OnBattleEnd always fires on termination, even when post-match
// bookkeeping fails.
type Callbacks interface {
	OnCountdown(value int)
	OnBattleStart()
	OnOpponentState(s StateSnapshot)
	OnGarbageReceived(pending int)
	OnOpponentDisconnected()
	OnOpponentReconnected()
	OnBattleEnd(outcome Outcome, change *domain.RankChange)
}

// StateProvider supplies the local simulation's current snapshot for periodic
// sync and final score persistence.
type StateProvider func() StateSnapshot

// Orchestrator sequences one match for one player from both-ready through
// countdown and live play to termination, then reconciles the outcome into
// rank and history records. One instance per client per match.
type Orchestrator struct {
	matchRepo   *repository.MatchRepository
	historyRepo *repository.HistoryRepository
	rankSvc     *service.RankService
	broker      *realtime.Broker
	logger      zerolog.Logger

	mu            sync.Mutex
	phase         Phase
	match         *domain.Match
	selfID        string
	opponentID    string
	opponentName  string
	channel       *Channel
	cb            Callbacks
	state         StateProvider
	selfReady     bool
	opponentReady bool
	outcome       Outcome
	lastOpponent  *StateSnapshot
	incoming      int
	garbageSent   int
	startedAt     time.Time
	countdownStop chan struct{}
}

func NewOrchestrator(
	matchRepo *repository.MatchRepository,
	historyRepo *repository.HistoryRepository,
	rankSvc *service.RankService,
	broker *realtime.Broker,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		matchRepo:   matchRepo,
		historyRepo: historyRepo,
		rankSvc:     rankSvc,
		broker:      broker,
		logger:      logger,
		phase:       PhaseIdle,
		outcome:     OutcomePending,
	}
}

// Init wires a fresh battle session for the given match. The opponent is
// whichever side of the match record is not self.
func (o *Orchestrator) Init(match *domain.Match, selfID string, cb Callbacks, state StateProvider) error {
	oppID, oppName := match.Opponent(selfID)
	if oppID == "" {
		return errNotParticipant(match.ID, selfID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.match = match
	o.selfID = selfID
	o.opponentID = oppID
	o.opponentName = oppName
	o.cb = cb
	o.state = state
	o.phase = PhaseIdle
	o.outcome = OutcomePending
	o.selfReady = false
	o.opponentReady = false
	o.lastOpponent = nil
	o.incoming = 0
	o.garbageSent = 0
	o.channel = NewChannel(o.broker, match.ID, selfID, oppID, o, state, o.logger)

	o.logger.Info().
		Str("match_id", match.ID).
		Str("player_id", selfID).
		Str("opponent_id", oppID).
		Msg("battle session initialized")
	return nil
}

// Connect joins the battle channel. A false return means the battle screen
// must not be shown.
func (o *Orchestrator) Connect() bool {
	o.mu.Lock()
	ch := o.channel
	o.mu.Unlock()
	if ch == nil {
		return false
	}
	if err := ch.Join(); err != nil {
		o.logger.Error().Err(err).Msg("could not enter battle")
		return false
	}
	o.mu.Lock()
	o.phase = PhaseAwaitingReady
	o.mu.Unlock()
	return true
}

// SendReady marks own readiness on the match row and over the channel. Store
// errors are swallowed into the boolean; the opponent's client is the final
// arbiter of the visible outcome.
func (o *Orchestrator) SendReady() bool {
	o.mu.Lock()
	match := o.match
	ch := o.channel
	o.mu.Unlock()
	if match == nil || ch == nil {
		return false
	}

	ok := true
	ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
	if err := o.matchRepo.SetReady(ctx, match.ID, o.selfID); err != nil {
		o.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to persist ready flag")
		ok = false
	}
	cancel()

	if err := ch.SendReady(); err != nil {
		o.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to send ready signal")
		ok = false
	}

	o.mu.Lock()
	o.selfReady = true
	o.mu.Unlock()
	o.maybeStartCountdown()
	return ok
}

// isHost reports whether this side drives the countdown. The player whose id
// sorts lexicographically lower is the host; this comparator is the single
// source of truth for the tie-break.
func (o *Orchestrator) isHost() bool {
	return o.selfID < o.opponentID
}

func (o *Orchestrator) maybeStartCountdown() {
	o.mu.Lock()
	if o.phase != PhaseAwaitingReady || !o.selfReady || !o.opponentReady {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseCountdown
	host := o.isHost()
	var stop chan struct{}
	if host {
		stop = make(chan struct{})
		o.countdownStop = stop
	}
	o.mu.Unlock()

	if !host {
		return
	}
	go o.runCountdown(stop)
}

// runCountdown broadcasts ticks from the start value down past zero; both
// sides, the host included, mirror the ticks as they arrive back over the
// channel and go live on the below-zero tick.
func (o *Orchestrator) runCountdown(stop chan struct{}) {
	ticker := time.NewTicker(constants.CountdownTick)
	defer ticker.Stop()

	value := constants.CountdownStart
	o.sendCountdown(value)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			value--
			o.sendCountdown(value)
			if value < 0 {
				return
			}
		}
	}
}

func (o *Orchestrator) sendCountdown(value int) {
	o.mu.Lock()
	ch := o.channel
	o.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.SendCountdown(value); err != nil {
		o.logger.Warn().Err(err).Msg("failed to broadcast countdown tick")
	}
}

// OnCountdown implements ChannelEvents. Ticks at or above zero are mirrored
// to the UI; the below-zero tick transitions to live play.
func (o *Orchestrator) OnCountdown(value int) {
	if value >= 0 {
		o.mu.Lock()
		cb := o.cb
		o.mu.Unlock()
		if cb != nil {
			cb.OnCountdown(value)
		}
		return
	}
	o.goLive()
}

func (o *Orchestrator) goLive() {
	o.mu.Lock()
	if o.phase != PhaseCountdown {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseLive
	o.startedAt = time.Now().UTC()
	match := o.match
	ch := o.channel
	cb := o.cb
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
	if err := o.matchRepo.MarkPlaying(ctx, match.ID, o.startedAt); err != nil {
		o.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to mark match playing")
	}
	cancel()

	ch.StartSync()
	o.logger.Info().Str("match_id", match.ID).Msg("battle live")
	if cb != nil {
		cb.OnBattleStart()
	}
}

// OnOpponentReady implements ChannelEvents.
func (o *Orchestrator) OnOpponentReady() {
	o.mu.Lock()
	o.opponentReady = true
	o.mu.Unlock()
	o.maybeStartCountdown()
}

// OnOpponentState implements ChannelEvents. Snapshots are lossy; the latest
// receipt simply supersedes the previous one.
func (o *Orchestrator) OnOpponentState(s StateSnapshot) {
	o.mu.Lock()
	o.lastOpponent = &s
	cb := o.cb
	o.mu.Unlock()
	if cb != nil {
		cb.OnOpponentState(s)
	}
}

// OnAttack implements ChannelEvents: incoming garbage accumulates until the
// simulation drains it at lock time.
func (o *Orchestrator) OnAttack(lines int) {
	o.mu.Lock()
	o.incoming += lines
	pending := o.incoming
	cb := o.cb
	o.mu.Unlock()
	if cb != nil {
		cb.OnGarbageReceived(pending)
	}
}

// OnLinesCleared maps a local clear to outgoing garbage, cancelling 1:1
// against unresolved incoming garbage first and sending only the remainder.
func (o *Orchestrator) OnLinesCleared(count int) {
	if count <= 0 {
		return
	}
	toSend := 0
	if count < len(constants.GarbageForLines) {
		toSend = constants.GarbageForLines[count]
	} else {
		toSend = constants.GarbageForLines[len(constants.GarbageForLines)-1]
	}
	if toSend == 0 {
		return
	}

	o.mu.Lock()
	cancelled := min(o.incoming, toSend)
	o.incoming -= cancelled
	send := toSend - cancelled
	o.garbageSent += send
	ch := o.channel
	o.mu.Unlock()

	if send == 0 || ch == nil {
		return
	}
	if err := ch.SendAttack(send); err != nil {
		o.logger.Warn().Err(err).Int("lines", send).Msg("failed to send attack")
	}
}

// ApplyPendingGarbage drains and returns the accumulated incoming counter.
// The simulation calls it at its own piece-lock step.
func (o *Orchestrator) ApplyPendingGarbage() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.incoming
	o.incoming = 0
	return n
}

// OnOpponentGameOver implements ChannelEvents; it also covers the forfeit the
// channel synthesizes when the disconnect grace expires.
func (o *Orchestrator) OnOpponentGameOver() {
	o.terminate(OutcomeWin, false)
}

// OnOwnGameOver reports the local simulation topping out: a loss for self,
// announced to the opponent.
func (o *Orchestrator) OnOwnGameOver() {
	o.terminate(OutcomeLoss, true)
}

// OnOpponentDisconnected implements ChannelEvents.
func (o *Orchestrator) OnOpponentDisconnected() {
	o.mu.Lock()
	cb := o.cb
	o.mu.Unlock()
	if cb != nil {
		cb.OnOpponentDisconnected()
	}
}

// OnOpponentReconnected implements ChannelEvents.
func (o *Orchestrator) OnOpponentReconnected() {
	o.mu.Lock()
	cb := o.cb
	o.mu.Unlock()
	if cb != nil {
		cb.OnOpponentReconnected()
	}
}

// terminate resolves the battle once; a result already settled is never
// overwritten by a later or duplicate signal.
func (o *Orchestrator) terminate(outcome Outcome, announce bool) {
	o.mu.Lock()
	if o.outcome != OutcomePending || o.match == nil {
		o.mu.Unlock()
		return
	}
	o.outcome = outcome
	o.phase = PhaseFinished
	match := o.match
	ch := o.channel
	cb := o.cb
	state := o.state
	startedAt := o.startedAt
	garbageSent := o.garbageSent
	o.mu.Unlock()

	if ch != nil {
		ch.StopSync()
		if announce {
			if err := ch.SendGameOver(); err != nil {
				o.logger.Warn().Err(err).Msg("failed to announce game over")
			}
		}
	}

	var duration time.Duration
	if !startedAt.IsZero() {
		duration = time.Since(startedAt)
	}

	change := o.persistOutcome(match, outcome, state, garbageSent, duration)

	o.logger.Info().
		Str("match_id", match.ID).
		Str("outcome", string(outcome)).
		Dur("duration", duration).
		Msg("battle terminated")

	if cb != nil {
		cb.OnBattleEnd(outcome, change)
	}
}

// persistOutcome writes the final score, match status, rank delta and history
// row. Bookkeeping failures degrade to a zero-delta rank change so the result
// callback still fires.
func (o *Orchestrator) persistOutcome(match *domain.Match, outcome Outcome, state StateProvider, garbageSent int, duration time.Duration) *domain.RankChange {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout)
	defer cancel()

	var snap StateSnapshot
	if state != nil {
		snap = state()
	}

	if err := o.matchRepo.UpdateScore(ctx, match.ID, o.selfID, snap.Score, snap.Lines); err != nil {
		o.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to persist final score")
	}

	winnerID := o.selfID
	result := domain.ResultWin
	if outcome == OutcomeLoss {
		winnerID = o.opponentID
		result = domain.ResultLoss
	}
	if err := o.matchRepo.Finish(ctx, match.ID, winnerID, domain.MatchFinished, time.Now().UTC()); err != nil {
		o.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to finish match row")
	}

	change, err := o.rankSvc.ApplyMatchResult(ctx, o.selfID, outcome == OutcomeWin)
	if err != nil {
		o.logger.Error().Err(err).Str("match_id", match.ID).Msg("rank update failed, substituting zero-delta change")
		change = &domain.RankChange{PointsDelta: 0}
	}

	history := &domain.MatchHistory{
		MatchID:        match.ID,
		PlayerID:       o.selfID,
		OpponentID:     o.opponentID,
		OpponentName:   o.opponentName,
		Result:         result,
		Score:          snap.Score,
		Lines:          snap.Lines,
		GarbageSent:    garbageSent,
		PointsDelta:    change.PointsDelta,
		TierBefore:     change.Before.Tier,
		DivisionBefore: change.Before.Division,
		TierAfter:      change.After.Tier,
		DivisionAfter:  change.After.Division,
		Duration:       duration,
	}
	if err := o.historyRepo.Insert(ctx, history); err != nil {
		o.logger.Error().Err(err).Str("match_id", match.ID).Msg("failed to write match history")
	}

	return change
}

// Cleanup tears the session down from any state: pending countdown cancelled,
// channel closed, session state and callback references cleared. Safe to call
// repeatedly and before a match ever started.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.countdownStop != nil {
		close(o.countdownStop)
		o.countdownStop = nil
	}
	ch := o.channel
	o.channel = nil
	o.cb = nil
	o.state = nil
	o.match = nil
	o.lastOpponent = nil
	o.incoming = 0
	o.garbageSent = 0
	o.selfReady = false
	o.opponentReady = false
	o.phase = PhaseIdle
	o.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// InBattle reports whether a session is currently wired.
func (o *Orchestrator) InBattle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.match != nil && o.phase != PhaseFinished
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) CurrentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// OpponentSnapshot returns the last-known opponent state, or nil before any
// snapshot arrived.
func (o *Orchestrator) OpponentSnapshot() *StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastOpponent == nil {
		return nil
	}
	s := *o.lastOpponent
	return &s
}

// BattleSettings returns the fixed drop-speed parameters for ranked play.
func BattleSettings() Settings {
	return Settings{
		DropIntervalMs:   constants.RankedDropIntervalMs,
		SoftDropFactor:   constants.RankedSoftDropFactor,
		LockDelayMs:      constants.RankedLockDelayMs,
		GarbageHoleWidth: constants.RankedGarbageHoleWidth,
	}
}
