package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// envelope is the wire form of an Event on the bus.
type envelope struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Bus fans stream lifecycle events out to in-process consumers over a
// watermill gochannel pub/sub. The session layer publishes; anything that
// wants to react (history recording, result fetching, UI toasts) subscribes.
type Bus struct {
	topic  string
	pubSub *gochannel.GoChannel
}

func NewBus(topic string) *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{topic: topic, pubSub: pubSub}
}

// Publish serializes the event and drops it on the bus. Failures here must
// never break the stream, so callers treat the returned error as diagnostic.
func (b *Bus) Publish(event Event) error {
	data, err := json.Marshal(envelope{
		Type:       event.EventType(),
		Data:       event.Payload(),
		OccurredAt: event.Timestamp(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubSub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventType(), err)
	}
	return nil
}

// Handler processes one event from the bus.
type Handler func(ctx context.Context, event Event) error

// Subscribe registers a handler and pumps events to it until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", b.topic, err)
	}

	go func() {
		for msg := range messages {
			var env envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				msg.Nack()
				continue
			}

			event := BaseEvent{Type: env.Type, Data: env.Data, OccurredAt: env.OccurredAt}
			if err := handler(ctx, event); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()

	return nil
}

// Close shuts the underlying pub/sub down; pending subscribers drain.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
