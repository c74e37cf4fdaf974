package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "pilgrim-chat:message-events"

// RedisBroker fans events out through a Redis Pub/Sub channel. Every
// instance, including the publisher, receives each event once per
// subscription.
type RedisBroker struct {
	log     *log.Logger
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	events  chan Event
	done    chan struct{}
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(redisURL string, logger *log.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	pubsub := client.Subscribe(ctx, DefaultChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	b := &RedisBroker{
		log:     logger,
		client:  client,
		pubsub:  pubsub,
		channel: DefaultChannel,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
	}
	go b.receive()

	return b, nil
}

func (b *RedisBroker) receive() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		evt, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			b.log.Println("redis broker: decode event:", err)
			continue
		}

		select {
		case b.events <- evt:
		default:
			b.log.Printf("redis broker: events buffer full, dropping %s event for conversation %q",
				evt.Change.Kind, evt.ConversationId)
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, evt Event) error {
	payload, err := encodeEvent(evt)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Events() <-chan Event {
	return b.events
}

func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func encodeEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

func decodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, err
	}
	if evt.ConversationId == "" {
		return Event{}, fmt.Errorf("event without conversation id")
	}
	return evt, nil
}
