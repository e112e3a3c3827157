package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/domain"
	"blockbattle/internal/realtime"
	"blockbattle/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueTopic is the shared topic every waiting player subscribes to; a join
// publishes a change event there so other searchers re-run pairing without
// waiting for their poll tick.
const QueueTopic = "queue"

const (
	EventQueueChanged = "queue_changed"
	EventMatchFound   = "match_found"
)

// PlayerTopic is the per-player private notification topic.
func PlayerTopic(playerID string) string {
	return "player:" + playerID
}

// ErrQueueUnavailable reports that the backing store rejected a queue
// operation; the caller decides whether to retry.
var ErrQueueUnavailable = errors.New("matchmaking queue unavailable")

// ErrInsufficientEnergy rejects a join when the player has no energy left.
var ErrInsufficientEnergy = errors.New("not enough energy to enter matchmaking")

// ErrAlreadyQueued rejects a join while an earlier matchmaking session for the
// same player is still live. Nothing is consumed or replaced.
var ErrAlreadyQueued = errors.New("player is already in matchmaking")

// MatchmakingCallbacks is the capability set a caller hands to Join. Exactly
// one of the three fires per queue attempt.
type MatchmakingCallbacks struct {
	OnMatchFound func(match *domain.Match)
	OnTimeout    func()
	OnError      func(err error)
}

type MatchmakingService struct {
	queueRepo *repository.QueueRepository
	matchRepo *repository.MatchRepository
	rankSvc   *RankService
	broker    *realtime.Broker
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*QueueSession
}

func NewMatchmakingService(
	queueRepo *repository.QueueRepository,
	matchRepo *repository.MatchRepository,
	rankSvc *RankService,
	broker *realtime.Broker,
	logger zerolog.Logger,
) *MatchmakingService {
	return &MatchmakingService{
		queueRepo: queueRepo,
		matchRepo: matchRepo,
		rankSvc:   rankSvc,
		broker:    broker,
		logger:    logger,
		active:    make(map[string]*QueueSession),
	}
}

// QueueSession is one player's matchmaking attempt. All timers and
// subscriptions live on the session and die with it; nothing is shared
// between attempts.
type QueueSession struct {
	svc      *MatchmakingService
	playerID string
	tiers    []domain.Tier
	cb       MatchmakingCallbacks

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	queueEvents   <-chan realtime.Event
	privateEvents <-chan realtime.Event
}

// Join consumes one energy unit, enqueues the player and starts searching.
// The search runs until a match is found, the wait timer expires, or Leave
// is called. rank is snapshotted into the entry at join time. A player with
// a live session gets ErrAlreadyQueued and nothing is consumed.
func (s *MatchmakingService) Join(ctx context.Context, playerID, displayName string, rank *domain.PlayerRank, cb MatchmakingCallbacks) (*QueueSession, error) {
	s.mu.Lock()
	if _, exists := s.active[playerID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyQueued
	}
	// Hold the slot while the session is being built so a concurrent Join
	// for the same player cannot slip past the guard.
	s.active[playerID] = nil
	s.mu.Unlock()

	sess, err := s.startSession(ctx, playerID, displayName, rank, cb)
	if err != nil {
		s.mu.Lock()
		delete(s.active, playerID)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.active[playerID] = sess
	s.mu.Unlock()

	go sess.run()

	// Fast path for everyone else already waiting.
	_ = s.broker.Publish(QueueTopic, EventQueueChanged, playerID, nil)

	return sess, nil
}

func (s *MatchmakingService) startSession(ctx context.Context, playerID, displayName string, rank *domain.PlayerRank, cb MatchmakingCallbacks) (*QueueSession, error) {
	ok, err := s.rankSvc.ConsumeEnergy(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if !ok {
		return nil, ErrInsufficientEnergy
	}

	// Subscriptions go up before the entry becomes visible so a searcher who
	// pairs the fresh row cannot publish match_found into the void.
	privateEvents, _, err := s.broker.Subscribe(PlayerTopic(playerID), playerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	queueEvents, _, err := s.broker.Subscribe(QueueTopic, playerID)
	if err != nil {
		s.broker.Unsubscribe(PlayerTopic(playerID), playerID)
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	now := time.Now().UTC()
	entry := &domain.QueueEntry{
		PlayerID:    playerID,
		DisplayName: displayName,
		Tier:        rank.Tier,
		Division:    rank.Division,
		TotalPoints: rank.TotalPoints,
		Status:      domain.QueueWaiting,
		CreatedAt:   now,
		ExpiresAt:   now.Add(constants.QueueEntryTTL),
	}
	if err := s.queueRepo.Join(ctx, entry); err != nil {
		s.broker.Unsubscribe(QueueTopic, playerID)
		s.broker.Unsubscribe(PlayerTopic(playerID), playerID)
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &QueueSession{
		svc:           s,
		playerID:      playerID,
		tiers:         s.rankSvc.MatchableTiers(rank.Tier),
		cb:            cb,
		ctx:           sessCtx,
		cancel:        sessCancel,
		queueEvents:   queueEvents,
		privateEvents: privateEvents,
	}

	s.logger.Info().
		Str("player_id", playerID).
		Str("tier", string(rank.Tier)).
		Int("division", rank.Division).
		Msg("player joined matchmaking queue")

	return sess, nil
}

func (s *MatchmakingService) forget(sess *QueueSession) {
	s.mu.Lock()
	if cur, ok := s.active[sess.playerID]; ok && cur == sess {
		delete(s.active, sess.playerID)
	}
	s.mu.Unlock()
}

// Leave removes the player's entry and tears the session down. Idempotent.
func (s *MatchmakingService) Leave(ctx context.Context, sess *QueueSession) error {
	if sess != nil {
		sess.stop()
	}
	if err := s.queueRepo.Delete(ctx, sessPlayerID(sess)); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func sessPlayerID(sess *QueueSession) string {
	if sess == nil {
		return ""
	}
	return sess.playerID
}

// RunSweeper periodically deletes expired queue entries until ctx is done.
// cmd/server runs it as an fx lifecycle goroutine.
func (s *MatchmakingService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(constants.QueueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
			n, err := s.queueRepo.DeleteExpired(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("queue expiry sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("removed", n).Msg("swept expired queue entries")
			}
		}
	}
}

func (sess *QueueSession) run() {
	poll := time.NewTicker(constants.SearchPollInterval)
	timeout := time.NewTimer(constants.MatchmakingTimeout)
	defer poll.Stop()
	defer timeout.Stop()

	// Self-search immediately after join.
	if sess.attemptPair() {
		return
	}

	for {
		select {
		case <-sess.ctx.Done():
			return

		case <-poll.C:
			if sess.attemptPair() {
				return
			}

		case ev, ok := <-sess.queueEvents:
			if !ok {
				sess.stop()
				return
			}
			if ev.Type != EventQueueChanged || ev.Sender == sess.playerID {
				continue
			}
			if sess.attemptPair() {
				return
			}

		case ev, ok := <-sess.privateEvents:
			if !ok {
				sess.stop()
				return
			}
			if ev.Type != EventMatchFound {
				continue
			}
			var match domain.Match
			if err := json.Unmarshal(ev.Payload, &match); err != nil {
				sess.svc.logger.Error().Err(err).Str("player_id", sess.playerID).Msg("bad match_found payload")
				continue
			}
			sess.deliverMatch(&match)
			return

		case <-timeout.C:
			sess.svc.logger.Info().Str("player_id", sess.playerID).Msg("matchmaking timed out")
			ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
			_ = sess.svc.queueRepo.Delete(ctx, sess.playerID)
			cancel()
			sess.stop()
			if sess.cb.OnTimeout != nil {
				sess.cb.OnTimeout()
			}
			return
		}
	}
}

// attemptPair runs one idempotent pairing search. Poll ticks, push events and
// the post-join self-search all funnel here; losing the CAS race just means
// another searcher got there first and the search continues. Returns true
// when the session is done.
func (sess *QueueSession) attemptPair() bool {
	ctx, cancel := context.WithTimeout(sess.ctx, constants.DatabaseTimeout)
	defer cancel()

	svc := sess.svc
	candidate, err := svc.queueRepo.FindOldestWaiting(ctx, sess.tiers, sess.playerID)
	if err != nil {
		svc.logger.Warn().Err(err).Str("player_id", sess.playerID).Msg("pairing search failed")
		return false
	}
	if candidate == nil {
		return false
	}

	if err := svc.queueRepo.PairEntries(ctx, sess.playerID, candidate.PlayerID); err != nil {
		if errors.Is(err, repository.ErrPairRaceLost) {
			return false
		}
		svc.logger.Warn().Err(err).Str("player_id", sess.playerID).Msg("pairing flip failed")
		return false
	}

	match := &domain.Match{
		ID:          uuid.New().String(),
		Player1ID:   sess.playerID,
		Player2ID:   candidate.PlayerID,
		Player2Name: candidate.DisplayName,
		Status:      domain.MatchPending,
		CreatedAt:   time.Now().UTC(),
	}
	if own, err := svc.queueRepo.Get(ctx, sess.playerID); err == nil {
		match.Player1Name = own.DisplayName
	}

	if err := svc.matchRepo.Create(ctx, match); err != nil {
		// Undo the flip so both players keep searching.
		svc.logger.Error().Err(err).Str("player_id", sess.playerID).Msg("match creation failed, rolling back pairing")
		if rbErr := svc.queueRepo.ResetToWaiting(ctx, sess.playerID, candidate.PlayerID); rbErr != nil {
			svc.logger.Error().Err(rbErr).Msg("failed to roll back queue entries")
		}
		return false
	}

	svc.logger.Info().
		Str("match_id", match.ID).
		Str("player1", match.Player1ID).
		Str("player2", match.Player2ID).
		Msg("match formed")

	// The opponent learns over their private topic; the initiator consumes
	// the result locally without a round trip.
	if err := svc.broker.Publish(PlayerTopic(candidate.PlayerID), EventMatchFound, sess.playerID, match); err != nil {
		svc.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to notify opponent")
	}

	sess.deliverMatch(match)
	return true
}

func (sess *QueueSession) deliverMatch(match *domain.Match) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
	_ = sess.svc.queueRepo.Delete(ctx, sess.playerID)
	cancel()
	sess.stop()
	if sess.cb.OnMatchFound != nil {
		sess.cb.OnMatchFound(match)
	}
}

// stop cancels timers and subscriptions and releases the player's slot;
// re-entrant calls are no-ops.
func (sess *QueueSession) stop() {
	sess.stopOnce.Do(func() {
		sess.cancel()
		sess.svc.broker.Unsubscribe(QueueTopic, sess.playerID)
		sess.svc.broker.Unsubscribe(PlayerTopic(sess.playerID), sess.playerID)
		sess.svc.forget(sess)
	})
}
