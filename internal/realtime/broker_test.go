package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(context.Background(), zerolog.Nop())
	t.Cleanup(b.Shutdown)
	return b
}

func recvType(t *testing.T, ch <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed while waiting for %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestSubscribe_ReturnsCurrentMembers(t *testing.T) {
	b := newTestBroker(t)

	_, members1, err := b.Subscribe("room", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice"}, members1)

	_, members2, err := b.Subscribe("room", "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members2)
}

func TestPublish_DeliversToAllIncludingSender(t *testing.T) {
	b := newTestBroker(t)

	aliceCh, _, err := b.Subscribe("room", "alice")
	require.NoError(t, err)
	bobCh, _, err := b.Subscribe("room", "bob")
	require.NoError(t, err)

	require.NoError(t, b.Publish("room", "chat", "alice", map[string]string{"text": "hi"}))

	for _, ch := range []<-chan Event{aliceCh, bobCh} {
		ev := recvType(t, ch, "chat")
		assert.Equal(t, "alice", ev.Sender)
		var body map[string]string
		require.NoError(t, json.Unmarshal(ev.Payload, &body))
		assert.Equal(t, "hi", body["text"])
	}
}

func TestPublish_TopicsAreIsolated(t *testing.T) {
	b := newTestBroker(t)

	otherCh, _, err := b.Subscribe("other", "carol")
	require.NoError(t, err)

	_, _, err = b.Subscribe("room", "alice")
	require.NoError(t, err)
	require.NoError(t, b.Publish("room", "chat", "alice", nil))

	// Carol sees her own join presence but nothing from the other topic.
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-otherCh:
			if ev.Type == TypePresence {
				continue
			}
			t.Fatalf("unexpected event on isolated topic: %+v", ev)
		case <-deadline:
			return
		}
	}
}

func TestPresence_JoinAndLeaveEvents(t *testing.T) {
	b := newTestBroker(t)

	aliceCh, _, err := b.Subscribe("room", "alice")
	require.NoError(t, err)

	// Drain alice's own join presence first.
	own := recvType(t, aliceCh, TypePresence)
	var p PresencePayload
	require.NoError(t, json.Unmarshal(own.Payload, &p))
	assert.Equal(t, "alice", p.Joined)

	_, _, err = b.Subscribe("room", "bob")
	require.NoError(t, err)

	joined := recvType(t, aliceCh, TypePresence)
	require.NoError(t, json.Unmarshal(joined.Payload, &p))
	assert.Equal(t, "bob", p.Joined)
	assert.ElementsMatch(t, []string{"alice", "bob"}, p.Members)

	b.Unsubscribe("room", "bob")

	left := recvType(t, aliceCh, TypePresence)
	require.NoError(t, json.Unmarshal(left.Payload, &p))
	assert.Equal(t, "bob", p.Left)
	assert.ElementsMatch(t, []string{"alice"}, p.Members)
}

func TestUnsubscribe_ClosesChannelAndIsIdempotent(t *testing.T) {
	b := newTestBroker(t)

	ch, _, err := b.Subscribe("room", "alice")
	require.NoError(t, err)

	b.Unsubscribe("room", "alice")
	b.Unsubscribe("room", "alice")

	requireClosed(t, ch)
	assert.Empty(t, b.Members("room"))
}

// requireClosed drains buffered events until the channel reports closed.
func requireClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed")
		}
	}
}

func TestDeliver_DropsSlowSubscriber(t *testing.T) {
	b := newTestBroker(t)

	slowCh, _, err := b.Subscribe("room", "slow")
	require.NoError(t, err)
	fastCh, _, err := b.Subscribe("room", "fast")
	require.NoError(t, err)

	// Drain the fast subscriber concurrently so only slowCh overflows.
	dropped := make(chan PresencePayload, 1)
	go func() {
		for ev := range fastCh {
			if ev.Type != TypePresence {
				continue
			}
			var p PresencePayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Left == "slow" {
				dropped <- p
				return
			}
		}
	}()

	// Never read slowCh; overflow its buffer so the broker evicts it.
	for i := 0; i < cap(slowCh)+8; i++ {
		require.NoError(t, b.Publish("room", "tick", "fast", i))
	}

	select {
	case p := <-dropped:
		assert.ElementsMatch(t, []string{"fast"}, p.Members)
	case <-time.After(2 * time.Second):
		t.Fatal("never saw presence event for dropped slow subscriber")
	}

	require.Eventually(t, func() bool {
		m := b.Members("room")
		return len(m) == 1 && m[0] == "fast"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	b := NewBroker(context.Background(), zerolog.Nop())

	ch, _, err := b.Subscribe("room", "alice")
	require.NoError(t, err)

	b.Shutdown()
	b.Shutdown()

	requireClosed(t, ch)

	_, _, err = b.Subscribe("room", "bob")
	assert.Error(t, err)
}
