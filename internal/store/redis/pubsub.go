// Package redis fans live thread events out to every server instance.
// Delivery is best effort; clients that need every step read them through the
// cursor endpoints.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	threadChannelPrefix = "thread:"
	// subscriberBuffer is how many events a slow subscriber may lag behind
	// before events are dropped for it.
	subscriberBuffer = 64
)

// PubSub publishes and subscribes to thread channels on one Redis client.
type PubSub struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

// Publish sends payload to channel. It returns once Redis accepted the
// message, whether or not anyone is listening.
func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish(%s): %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel until ctx ends or cleanup is called. Messages
// that arrive while the returned channel is full are dropped so one slow
// reader cannot stall the connection.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	// The first reply confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe(%s): %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go forward(ctx, channel, sub.Channel(), out)

	cleanup := func() {
		_ = sub.Close()
	}
	return out, cleanup, nil
}

func forward(ctx context.Context, channel string, in <-chan *redis.Message, out chan<- []byte) {
	defer close(out)

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			default:
				dropped++
				if dropped == 1 || dropped%subscriberBuffer == 0 {
					log.Warn().Str("channel", channel).Int("dropped", dropped).Msg("redis.PubSub: subscriber lagging, dropping events")
				}
			}
		}
	}
}

// ThreadChannel returns the Redis channel name for every event of a thread.
func ThreadChannel(threadID string) string {
	return threadChannelPrefix + threadID
}
