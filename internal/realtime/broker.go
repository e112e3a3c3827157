package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// TypePresence is reserved for broker-generated membership events. The
// payload is a PresencePayload carrying the full member set after the change.
const TypePresence = "presence"

type PresencePayload struct {
	Members []string `json:"members"`
	Joined  string   `json:"joined,omitempty"`
	Left    string   `json:"left,omitempty"`
}

// Event is one named message on a topic. Payloads are JSON so the same event
// can be handed to an in-process subscriber or written to a websocket as-is.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type brokerMsg interface{ isBrokerMsg() }

type subscribe struct {
	Topic    string
	ClientID string
	Outbox   chan Event
	Reply    chan []string // current members, subscriber included
}

type unsubscribe struct {
	Topic    string
	ClientID string
}

type publish struct {
	Event Event
}

type members struct {
	Topic string
	Reply chan []string
}

type shutdown struct{}

func (subscribe) isBrokerMsg()   {}
func (unsubscribe) isBrokerMsg() {}
func (publish) isBrokerMsg()     {}
func (members) isBrokerMsg()     {}
func (shutdown) isBrokerMsg()    {}

// Broker is a single-goroutine topic pub/sub with a presence sub-protocol.
// All state is owned by the loop; callers talk to it through the inbox.
type Broker struct {
	inbox  chan brokerMsg
	topics map[string]map[string]chan Event
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func NewBroker(parent context.Context, logger zerolog.Logger) *Broker {
	ctx, cancel := context.WithCancel(parent)
	b := &Broker{
		inbox:  make(chan brokerMsg, 256),
		topics: make(map[string]map[string]chan Event),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	go b.loop()
	return b
}

// Subscribe registers clientID on the topic and returns its event channel
// plus the member set at subscription time. Every other subscriber receives a
// presence event for the join.
func (b *Broker) Subscribe(topic, clientID string) (<-chan Event, []string, error) {
	out := make(chan Event, 64)
	reply := make(chan []string, 1)
	select {
	case b.inbox <- subscribe{Topic: topic, ClientID: clientID, Outbox: out, Reply: reply}:
	case <-b.ctx.Done():
		return nil, nil, fmt.Errorf("broker is shut down")
	}
	select {
	case m := <-reply:
		return out, m, nil
	case <-b.ctx.Done():
		return nil, nil, fmt.Errorf("broker is shut down")
	}
}

// Unsubscribe removes clientID from the topic and closes its channel.
// Idempotent.
func (b *Broker) Unsubscribe(topic, clientID string) {
	select {
	case b.inbox <- unsubscribe{Topic: topic, ClientID: clientID}:
	case <-b.ctx.Done():
	}
}

// Publish marshals payload and delivers the event to every subscriber of the
// topic, the sender included; receivers filter their own messages.
func (b *Broker) Publish(topic, eventType, sender string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	ev := Event{Topic: topic, Type: eventType, Sender: sender, Payload: raw}
	select {
	case b.inbox <- publish{Event: ev}:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("broker is shut down")
	}
}

// Members returns the topic's current presence set.
func (b *Broker) Members(topic string) []string {
	reply := make(chan []string, 1)
	select {
	case b.inbox <- members{Topic: topic, Reply: reply}:
	case <-b.ctx.Done():
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-b.ctx.Done():
		return nil
	}
}

// Shutdown closes every subscriber channel and stops the loop. Safe to call
// more than once.
func (b *Broker) Shutdown() {
	select {
	case b.inbox <- shutdown{}:
	case <-b.ctx.Done():
	}
}

func (b *Broker) loop() {
	for {
		select {
		case <-b.ctx.Done():
			b.closeAll()
			return

		case m := <-b.inbox:
			switch msg := m.(type) {
			case subscribe:
				subs := b.topics[msg.Topic]
				if subs == nil {
					subs = make(map[string]chan Event)
					b.topics[msg.Topic] = subs
				}
				if old, ok := subs[msg.ClientID]; ok {
					close(old)
				}
				subs[msg.ClientID] = msg.Outbox
				msg.Reply <- memberList(subs)
				b.broadcastPresence(msg.Topic, msg.ClientID, "")

			case unsubscribe:
				subs := b.topics[msg.Topic]
				ch, ok := subs[msg.ClientID]
				if !ok {
					break
				}
				close(ch)
				delete(subs, msg.ClientID)
				if len(subs) == 0 {
					delete(b.topics, msg.Topic)
					break
				}
				b.broadcastPresence(msg.Topic, "", msg.ClientID)

			case publish:
				b.deliver(msg.Event.Topic, msg.Event)

			case members:
				msg.Reply <- memberList(b.topics[msg.Topic])

			case shutdown:
				b.closeAll()
				b.cancel()
				return
			}
		}
	}
}

func (b *Broker) broadcastPresence(topic, joined, left string) {
	subs := b.topics[topic]
	payload, err := json.Marshal(PresencePayload{Members: memberList(subs), Joined: joined, Left: left})
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal presence payload")
		return
	}
	b.deliver(topic, Event{Topic: topic, Type: TypePresence, Payload: payload})
}

func (b *Broker) deliver(topic string, ev Event) {
	subs := b.topics[topic]
	var dropped []string
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow/full - drop them.
			close(ch)
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		delete(subs, id)
		b.logger.Warn().Str("topic", topic).Str("client_id", id).Msg("dropped slow subscriber")
	}
	if len(dropped) > 0 && len(subs) > 0 {
		b.broadcastPresence(topic, "", dropped[0])
	}
}

func (b *Broker) closeAll() {
	for topic, subs := range b.topics {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
}

func memberList(subs map[string]chan Event) []string {
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}
