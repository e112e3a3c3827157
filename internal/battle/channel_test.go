package battle

import (
	"context"
	"sync"
	"testing"
	"time"

	"blockbattle/internal/realtime"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEvents counts callbacks and signals selected ones on channels so
// tests can wait without sleeping.
type recordingEvents struct {
	mu sync.Mutex

	states     []StateSnapshot
	attacks    []int
	readies    int
	gameOvers  int
	countdowns []int

	gameOverCh     chan struct{}
	disconnectCh   chan struct{}
	reconnectCh    chan struct{}
	readyCh        chan struct{}
	attackCh       chan int
	disconnectHits int
	reconnectHits  int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		gameOverCh:   make(chan struct{}, 4),
		disconnectCh: make(chan struct{}, 4),
		reconnectCh:  make(chan struct{}, 4),
		readyCh:      make(chan struct{}, 4),
		attackCh:     make(chan int, 4),
	}
}

func (r *recordingEvents) OnOpponentState(s StateSnapshot) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingEvents) OnAttack(lines int) {
	r.mu.Lock()
	r.attacks = append(r.attacks, lines)
	r.mu.Unlock()
	r.attackCh <- lines
}

func (r *recordingEvents) OnOpponentReady() {
	r.mu.Lock()
	r.readies++
	r.mu.Unlock()
	r.readyCh <- struct{}{}
}

func (r *recordingEvents) OnOpponentGameOver() {
	r.mu.Lock()
	r.gameOvers++
	r.mu.Unlock()
	r.gameOverCh <- struct{}{}
}

func (r *recordingEvents) OnCountdown(value int) {
	r.mu.Lock()
	r.countdowns = append(r.countdowns, value)
	r.mu.Unlock()
}

func (r *recordingEvents) OnOpponentDisconnected() {
	r.mu.Lock()
	r.disconnectHits++
	r.mu.Unlock()
	r.disconnectCh <- struct{}{}
}

func (r *recordingEvents) OnOpponentReconnected() {
	r.mu.Lock()
	r.reconnectHits++
	r.mu.Unlock()
	r.reconnectCh <- struct{}{}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectNoSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(150 * time.Millisecond):
	}
}

func newBattlePair(t *testing.T) (*realtime.Broker, *Channel, *recordingEvents, *Channel, *recordingEvents) {
	t.Helper()
	broker := realtime.NewBroker(context.Background(), zerolog.Nop())
	t.Cleanup(broker.Shutdown)

	evA := newRecordingEvents()
	chA := NewChannel(broker, "m1", "alice", "bob", evA, nil, zerolog.Nop())
	evB := newRecordingEvents()
	chB := NewChannel(broker, "m1", "bob", "alice", evB, nil, zerolog.Nop())

	t.Cleanup(chA.Close)
	t.Cleanup(chB.Close)
	return broker, chA, evA, chB, evB
}

func TestChannel_RelaysAttacksAndReady(t *testing.T) {
	_, chA, evA, chB, evB := newBattlePair(t)

	require.NoError(t, chA.Join())
	require.NoError(t, chB.Join())

	require.NoError(t, chA.SendReady())
	waitSignal(t, evB.readyCh, "opponent ready")

	require.NoError(t, chB.SendAttack(4))
	select {
	case lines := <-evA.attackCh:
		assert.Equal(t, 4, lines)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attack")
	}

	// Own sends must not loop back.
	evA.mu.Lock()
	assert.Zero(t, evA.readies)
	evA.mu.Unlock()
	evB.mu.Lock()
	assert.Empty(t, evB.attacks)
	evB.mu.Unlock()
}

func TestChannel_GraceExpiryForfeitsOnce(t *testing.T) {
	_, chA, evA, chB, _ := newBattlePair(t)
	chA.grace = 100 * time.Millisecond

	// Bob first so alice sees him from her join snapshot.
	require.NoError(t, chB.Join())
	require.NoError(t, chA.Join())

	// Wait until alice has seen bob, then drop him.
	require.Eventually(t, func() bool {
		chA.mu.Lock()
		defer chA.mu.Unlock()
		return chA.opponentSeen
	}, 2*time.Second, 10*time.Millisecond)

	chB.Close()
	waitSignal(t, evA.disconnectCh, "disconnect notification")
	waitSignal(t, evA.gameOverCh, "grace expiry game over")

	// Only one forfeit even well past the grace window.
	time.Sleep(250 * time.Millisecond)
	evA.mu.Lock()
	assert.Equal(t, 1, evA.gameOvers)
	evA.mu.Unlock()
}

func TestChannel_ReconnectWithinGraceCancelsForfeit(t *testing.T) {
	broker, chA, evA, chB, _ := newBattlePair(t)
	chA.grace = 500 * time.Millisecond

	require.NoError(t, chB.Join())
	require.NoError(t, chA.Join())

	require.Eventually(t, func() bool {
		chA.mu.Lock()
		defer chA.mu.Unlock()
		return chA.opponentSeen
	}, 2*time.Second, 10*time.Millisecond)

	chB.Close()
	waitSignal(t, evA.disconnectCh, "disconnect notification")

	evB2 := newRecordingEvents()
	chB2 := NewChannel(broker, "m1", "bob", "alice", evB2, nil, zerolog.Nop())
	t.Cleanup(chB2.Close)
	require.NoError(t, chB2.Join())

	waitSignal(t, evA.reconnectCh, "reconnect notification")
	expectNoSignal(t, evA.gameOverCh, "forfeit after reconnect")

	evA.mu.Lock()
	assert.Equal(t, 1, evA.reconnectHits)
	assert.Equal(t, 1, evA.disconnectHits)
	assert.Zero(t, evA.gameOvers)
	evA.mu.Unlock()
}

func TestChannel_LateExpiryAfterReconnectIsIgnored(t *testing.T) {
	broker := realtime.NewBroker(context.Background(), zerolog.Nop())
	t.Cleanup(broker.Shutdown)

	evA := newRecordingEvents()
	chA := NewChannel(broker, "m1", "alice", "bob", evA, nil, zerolog.Nop())
	t.Cleanup(chA.Close)

	chA.evaluatePresence([]string{"alice", "bob"})
	chA.evaluatePresence([]string{"alice"})
	waitSignal(t, evA.disconnectCh, "disconnect notification")

	chA.mu.Lock()
	gen := chA.graceGen
	chA.mu.Unlock()

	chA.evaluatePresence([]string{"alice", "bob"})
	waitSignal(t, evA.reconnectCh, "reconnect notification")

	// An expiry that fired before the reconnect cancelled its timer must be
	// a no-op when it finally runs.
	chA.graceExpired(gen)

	evA.mu.Lock()
	assert.Zero(t, evA.gameOvers)
	assert.Equal(t, 1, evA.reconnectHits)
	assert.Equal(t, 1, evA.disconnectHits)
	evA.mu.Unlock()
}

func TestChannel_OpponentNeverConnectingForfeitsAfterGrace(t *testing.T) {
	_, chA, evA, _, _ := newBattlePair(t)
	chA.grace = 100 * time.Millisecond

	require.NoError(t, chA.Join())

	waitSignal(t, evA.gameOverCh, "pre-connect forfeit")

	// No drop notifications for an opponent who was never there.
	evA.mu.Lock()
	assert.Equal(t, 1, evA.gameOvers)
	assert.Zero(t, evA.disconnectHits)
	assert.Zero(t, evA.reconnectHits)
	evA.mu.Unlock()
}

func TestChannel_StateSyncBroadcastsSnapshots(t *testing.T) {
	broker := realtime.NewBroker(context.Background(), zerolog.Nop())
	t.Cleanup(broker.Shutdown)

	evA := newRecordingEvents()
	state := StateSnapshot{Score: 1200, Lines: 7, Level: 2}
	chA := NewChannel(broker, "m1", "alice", "bob", evA, func() StateSnapshot { return state }, zerolog.Nop())
	evB := newRecordingEvents()
	chB := NewChannel(broker, "m1", "bob", "alice", evB, nil, zerolog.Nop())
	t.Cleanup(chA.Close)
	t.Cleanup(chB.Close)

	require.NoError(t, chA.Join())
	require.NoError(t, chB.Join())

	chA.StartSync()
	require.Eventually(t, func() bool {
		evB.mu.Lock()
		defer evB.mu.Unlock()
		return len(evB.states) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	evB.mu.Lock()
	assert.Equal(t, 1200, evB.states[0].Score)
	assert.Equal(t, 7, evB.states[0].Lines)
	evB.mu.Unlock()

	chA.StopSync()
	evB.mu.Lock()
	seen := len(evB.states)
	evB.mu.Unlock()
	time.Sleep(300 * time.Millisecond)
	evB.mu.Lock()
	assert.LessOrEqual(t, len(evB.states), seen+1, "snapshots must stop after StopSync")
	evB.mu.Unlock()
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	_, chA, _, _, _ := newBattlePair(t)
	require.NoError(t, chA.Join())
	chA.Close()
	chA.Close()
}
