package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Patterns covering everything the engine publishes: per-execution
// channels and the per-workflow mirror.
var subscribePatterns = []string{"execution:*", "workflow:*"}

// Subscriber bridges Redis PubSub into the hub. Payloads are forwarded
// byte for byte; the fanout service never inspects event contents.
type Subscriber struct {
	redis *redis.Client
	hub   *Hub
	log   Logger
}

// NewSubscriber creates a subscriber feeding the given hub.
func NewSubscriber(redisClient *redis.Client, hub *Hub, log Logger) *Subscriber {
	return &Subscriber{
		redis: redisClient,
		hub:   hub,
		log:   log,
	}
}

// Start subscribes to the engine's event patterns and forwards messages
// until ctx is cancelled. The error return is only for subscription
// failures at startup; go-redis reconnects dropped subscriptions itself.
func (s *Subscriber) Start(ctx context.Context) error {
	pubsub := s.redis.PSubscribe(ctx, subscribePatterns...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to event channels: %w", err)
	}

	s.log.Info("subscribed to event channels", "patterns", subscribePatterns)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("event subscriber stopping")
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.hub.broadcast <- &Message{
				Channel: msg.Channel,
				Data:    []byte(msg.Payload),
			}
		}
	}
}
