package battle

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"blockbattle/internal/constants"
	"blockbattle/internal/realtime"

	"github.com/rs/zerolog"
)

// Topic returns the match-scoped communication topic.
func Topic(matchID string) string {
	return "battle:" + matchID
}

const (
	EventState     = "state"
	EventAttack    = "attack"
	EventReady     = "ready"
	EventGameOver  = "game_over"
	EventCountdown = "countdown"
)

// StateSnapshot is one side's locally computed game state. The board encoding
// is opaque to the backend; snapshots are lossy and superseded-by-latest.
type StateSnapshot struct {
	Board json.RawMessage `json:"board,omitempty"`
	Score int             `json:"score"`
	Lines int             `json:"lines"`
	Level int             `json:"level"`
}

type AttackPayload struct {
	Lines int `json:"lines"`
}

type CountdownPayload struct {
	Value int `json:"value"`
}

// ChannelEvents is the handler set a channel owner registers for incoming
// traffic. All methods are called from the channel's event goroutine.
type ChannelEvents interface {
	OnOpponentState(s StateSnapshot)
	OnAttack(lines int)
	OnOpponentReady()
	OnOpponentGameOver()
	OnCountdown(value int)
	OnOpponentDisconnected()
	OnOpponentReconnected()
}

// Channel is the duplex per-match messaging session for one player. It owns
// the periodic state send loop and the disconnect grace timer.
type Channel struct {
	broker     *realtime.Broker
	topic      string
	selfID     string
	opponentID string
	events     ChannelEvents
	state      func() StateSnapshot
	logger     zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	grace time.Duration

	mu           sync.Mutex
	syncing      bool
	opponentSeen bool
	graceTimer   *time.Timer
	graceGen     uint64

	in <-chan realtime.Event
}

func NewChannel(broker *realtime.Broker, matchID, selfID, opponentID string, events ChannelEvents, state func() StateSnapshot, logger zerolog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		broker:     broker,
		topic:      Topic(matchID),
		selfID:     selfID,
		opponentID: opponentID,
		events:     events,
		state:      state,
		logger:     logger.With().Str("match_topic", Topic(matchID)).Str("player_id", selfID).Logger(),
		grace:      constants.DisconnectGrace,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Join subscribes to the match topic and starts the event loop. The presence
// set at subscribe time is evaluated the same way later diffs are.
func (c *Channel) Join() error {
	in, members, err := c.broker.Subscribe(c.topic, c.selfID)
	if err != nil {
		return fmt.Errorf("failed to join battle topic: %w", err)
	}
	c.in = in
	c.evaluatePresence(members)
	go c.loop()
	return nil
}

// StartSync begins broadcasting own-state snapshots on the fixed interval.
func (c *Channel) StartSync() {
	c.mu.Lock()
	c.syncing = true
	c.mu.Unlock()
}

// StopSync halts the periodic send loop without leaving the topic.
func (c *Channel) StopSync() {
	c.mu.Lock()
	c.syncing = false
	c.mu.Unlock()
}

func (c *Channel) SendAttack(lines int) error {
	return c.broker.Publish(c.topic, EventAttack, c.selfID, AttackPayload{Lines: lines})
}

func (c *Channel) SendReady() error {
	return c.broker.Publish(c.topic, EventReady, c.selfID, nil)
}

func (c *Channel) SendGameOver() error {
	return c.broker.Publish(c.topic, EventGameOver, c.selfID, nil)
}

func (c *Channel) SendCountdown(value int) error {
	return c.broker.Publish(c.topic, EventCountdown, c.selfID, CountdownPayload{Value: value})
}

// Close stops the send loop, cancels the grace timer and leaves the topic.
// Safe to call multiple times and from any goroutine.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.syncing = false
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.mu.Unlock()
		c.broker.Unsubscribe(c.topic, c.selfID)
	})
}

func (c *Channel) loop() {
	ticker := time.NewTicker(constants.StateSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			c.mu.Lock()
			syncing := c.syncing
			c.mu.Unlock()
			if !syncing || c.state == nil {
				continue
			}
			if err := c.broker.Publish(c.topic, EventState, c.selfID, c.state()); err != nil {
				c.logger.Warn().Err(err).Msg("failed to publish state snapshot")
			}

		case ev, ok := <-c.in:
			if !ok {
				return
			}
			c.dispatch(ev)
		}
	}
}

func (c *Channel) dispatch(ev realtime.Event) {
	if ev.Type == realtime.TypePresence {
		var p realtime.PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad presence payload")
			return
		}
		c.evaluatePresence(p.Members)
		return
	}

	// Countdown is accepted from anyone since only the host sends it; all
	// other events must come from the opponent.
	if ev.Type != EventCountdown && ev.Sender == c.selfID {
		return
	}

	switch ev.Type {
	case EventState:
		var s StateSnapshot
		if err := json.Unmarshal(ev.Payload, &s); err != nil {
			c.logger.Error().Err(err).Msg("bad state payload")
			return
		}
		c.events.OnOpponentState(s)

	case EventAttack:
		var a AttackPayload
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			c.logger.Error().Err(err).Msg("bad attack payload")
			return
		}
		c.events.OnAttack(a.Lines)

	case EventReady:
		c.events.OnOpponentReady()

	case EventGameOver:
		c.events.OnOpponentGameOver()

	case EventCountdown:
		var cd CountdownPayload
		if err := json.Unmarshal(ev.Payload, &cd); err != nil {
			c.logger.Error().Err(err).Msg("bad countdown payload")
			return
		}
		c.events.OnCountdown(cd.Value)
	}
}

// evaluatePresence decides opponent-present vs opponent-absent from the full
// member set. Absence arms the grace timer once; reappearance before it runs
// cancels it. Disconnect and reconnect notifications only fire for a real
// drop, never for an opponent who simply has not connected yet, but the timer
// arms on initial absence too so a pre-connect vanish still forfeits.
func (c *Channel) evaluatePresence(members []string) {
	present := slices.Contains(members, c.opponentID)

	var reconnected, disconnected bool
	c.mu.Lock()
	if present {
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
			// Bumping the generation invalidates an expiry that already
			// fired but has not run yet.
			c.graceGen++
			reconnected = c.opponentSeen
		}
		c.opponentSeen = true
	} else if c.graceTimer == nil {
		// A repeat absence while a timer is pending must not restart it.
		c.graceGen++
		gen := c.graceGen
		c.graceTimer = time.AfterFunc(c.grace, func() { c.graceExpired(gen) })
		disconnected = c.opponentSeen
	}
	c.mu.Unlock()

	if reconnected {
		c.logger.Info().Str("opponent_id", c.opponentID).Msg("opponent reconnected within grace period")
		c.events.OnOpponentReconnected()
	}
	if disconnected {
		c.logger.Info().Str("opponent_id", c.opponentID).Msg("opponent absent, starting grace timer")
		c.events.OnOpponentDisconnected()
	}
}

// graceExpired synthesizes an opponent game-over: abandonment is a loss for
// the absent side. gen pins the expiry to the arming that scheduled it.
func (c *Channel) graceExpired(gen uint64) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	c.mu.Lock()
	if gen != c.graceGen {
		// A reconnect cancelled this arming after the timer fired.
		c.mu.Unlock()
		return
	}
	c.graceTimer = nil
	c.mu.Unlock()

	c.logger.Info().Str("opponent_id", c.opponentID).Msg("grace period expired, treating opponent as forfeited")
	c.events.OnOpponentGameOver()
}
