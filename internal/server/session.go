package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"blockbattle/internal/battle"
	"blockbattle/internal/domain"
	"blockbattle/internal/service"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// ClientSession bridges one websocket connection to the matchmaking and
// battle cores. It owns the per-connection state the client pushes (latest
// own-board snapshot) and fans callback events back out as server messages.
type ClientSession struct {
	gw       *Gateway
	playerID string
	name     string
	logger   zerolog.Logger

	out chan ServerMessage

	mu        sync.Mutex
	queueSess *service.QueueSession
	orch      *battle.Orchestrator
	lastState battle.StateSnapshot
}

func newClientSession(gw *Gateway, playerID, name string) *ClientSession {
	return &ClientSession{
		gw:       gw,
		playerID: playerID,
		name:     name,
		logger:   gw.logger.With().Str("player_id", playerID).Logger(),
		out:      make(chan ServerMessage, 64),
	}
}

func (s *ClientSession) push(msg ServerMessage) {
	select {
	case s.out <- msg:
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("outbox full, dropping server message")
	}
}

// serve runs the read loop until the connection drops, with a writer
// goroutine draining the outbox.
func (s *ClientSession) serve(ctx context.Context, conn *websocket.Conn) {
	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case msg := <-s.out:
				payload, err := json.Marshal(msg)
				if err != nil {
					s.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal server message")
					continue
				}
				wctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				_ = conn.Write(wctx, websocket.MessageText, payload)
				cancel()
			}
		}
	}()

	defer s.teardown()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var cm ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			s.push(ServerMessage{Type: MsgError, Error: "bad json"})
			continue
		}
		s.handle(ctx, cm)
	}
}

func (s *ClientSession) handle(ctx context.Context, cm ClientMessage) {
	switch cm.Type {
	case "join_queue":
		s.joinQueue(ctx)

	case "leave_queue":
		s.leaveQueue(ctx)

	case "ready":
		s.mu.Lock()
		orch := s.orch
		s.mu.Unlock()
		if orch == nil {
			s.push(ServerMessage{Type: MsgError, Error: "not in a battle"})
			return
		}
		if !orch.SendReady() {
			s.push(ServerMessage{Type: MsgError, Error: "failed to signal ready"})
		}

	case "state":
		if cm.State == nil {
			return
		}
		s.mu.Lock()
		s.lastState = *cm.State
		s.mu.Unlock()

	case "lines_cleared":
		s.mu.Lock()
		orch := s.orch
		s.mu.Unlock()
		if orch != nil {
			orch.OnLinesCleared(cm.Lines)
		}

	case "apply_garbage":
		s.mu.Lock()
		orch := s.orch
		s.mu.Unlock()
		if orch == nil {
			return
		}
		n := orch.ApplyPendingGarbage()
		s.push(ServerMessage{Type: MsgGarbageApplied, Payload: map[string]int{"lines": n}})

	case "game_over":
		s.mu.Lock()
		orch := s.orch
		s.mu.Unlock()
		if orch != nil {
			orch.OnOwnGameOver()
		}

	default:
		s.push(ServerMessage{Type: MsgError, Error: "unknown type"})
	}
}

func (s *ClientSession) joinQueue(ctx context.Context) {
	s.mu.Lock()
	searching := s.queueSess != nil
	s.mu.Unlock()
	if searching {
		s.push(ServerMessage{Type: MsgQueueError, Error: "already searching"})
		return
	}

	rank, err := s.gw.rankSvc.GetOrCreate(ctx, s.playerID)
	if err != nil {
		s.push(ServerMessage{Type: MsgQueueError, Error: "service unavailable"})
		return
	}

	cb := service.MatchmakingCallbacks{
		OnMatchFound: s.onMatchFound,
		OnTimeout: func() {
			s.clearQueueSession()
			s.push(ServerMessage{Type: MsgQueueTimeout})
		},
		OnError: func(err error) {
			s.clearQueueSession()
			s.push(ServerMessage{Type: MsgQueueError, Error: err.Error()})
		},
	}

	sess, err := s.gw.matchmakingSvc.Join(ctx, s.playerID, s.name, rank, cb)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientEnergy):
			s.push(ServerMessage{Type: MsgQueueError, Error: "not enough energy"})
		case errors.Is(err, service.ErrAlreadyQueued):
			s.push(ServerMessage{Type: MsgQueueError, Error: "already searching"})
		default:
			s.push(ServerMessage{Type: MsgQueueError, Error: "service unavailable"})
		}
		return
	}

	s.mu.Lock()
	s.queueSess = sess
	s.mu.Unlock()
}

func (s *ClientSession) leaveQueue(ctx context.Context) {
	s.mu.Lock()
	sess := s.queueSess
	s.queueSess = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if err := s.gw.matchmakingSvc.Leave(ctx, sess); err != nil {
		s.logger.Warn().Err(err).Msg("failed to leave queue")
	}
}

func (s *ClientSession) clearQueueSession() {
	s.mu.Lock()
	s.queueSess = nil
	s.mu.Unlock()
}

func (s *ClientSession) onMatchFound(match *domain.Match) {
	s.clearQueueSession()

	orch := s.gw.newOrchestrator()
	if err := orch.Init(match, s.playerID, s, s.currentState); err != nil {
		s.logger.Error().Err(err).Str("match_id", match.ID).Msg("failed to init battle")
		s.push(ServerMessage{Type: MsgError, Error: "could not enter battle"})
		return
	}
	if !orch.Connect() {
		s.push(ServerMessage{Type: MsgError, Error: "could not enter battle"})
		return
	}

	s.mu.Lock()
	s.orch = orch
	s.mu.Unlock()

	s.push(ServerMessage{Type: MsgMatchFound, Payload: match})
	s.push(ServerMessage{Type: MsgSettings, Payload: battle.BattleSettings()})
}

func (s *ClientSession) currentState() battle.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState
}

// teardown releases everything the connection owned: queue entry, timers,
// battle session.
func (s *ClientSession) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.leaveQueue(ctx)

	s.mu.Lock()
	orch := s.orch
	s.orch = nil
	s.mu.Unlock()
	if orch != nil {
		orch.Cleanup()
	}
}

// battle.Callbacks implementation: every event becomes a pushed frame.

func (s *ClientSession) OnCountdown(value int) {
	s.push(ServerMessage{Type: MsgCountdown, Payload: map[string]int{"value": value}})
}

func (s *ClientSession) OnBattleStart() {
	s.push(ServerMessage{Type: MsgBattleStart})
}

func (s *ClientSession) OnOpponentState(snap battle.StateSnapshot) {
	s.push(ServerMessage{Type: MsgOpponentState, Payload: snap})
}

func (s *ClientSession) OnGarbageReceived(pending int) {
	s.push(ServerMessage{Type: MsgGarbage, Payload: map[string]int{"pending": pending}})
}

func (s *ClientSession) OnOpponentDisconnected() {
	s.push(ServerMessage{Type: MsgOpponentDisconnected})
}

func (s *ClientSession) OnOpponentReconnected() {
	s.push(ServerMessage{Type: MsgOpponentReconnected})
}

func (s *ClientSession) OnBattleEnd(outcome battle.Outcome, change *domain.RankChange) {
	s.push(ServerMessage{Type: MsgBattleResult, Payload: map[string]any{
		"outcome":     outcome,
		"rank_change": change,
	}})
}
