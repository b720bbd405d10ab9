package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub. All topics share a single
// subscriber connection; a dedicated goroutine dispatches received messages
// to the per-topic handlers.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Bus = (*RedisBus)(nil)

func NewRedis(ctx context.Context, client *redis.Client, logger *slog.Logger) *RedisBus {
	b := &RedisBus{
		client:   client,
		pubsub:   client.Subscribe(ctx), // no channels yet; topics are added on demand
		logger:   logger.With(slog.String("component", "bus_redis")),
		handlers: make(map[string]Handler),
	}
	go b.receiveLoop()
	return b
}

// receiveLoop drains the shared subscriber connection until it is closed.
func (b *RedisBus) receiveLoop() {
	for msg := range b.pubsub.Channel() {
		b.mu.RLock()
		h, ok := b.handlers[msg.Channel]
		b.mu.RUnlock()
		if !ok {
			// Unsubscribe raced with an in-flight delivery; drop it.
			continue
		}
		h(msg.Channel, []byte(msg.Payload))
	}
	b.logger.Debug("Receive loop ended")
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	b.handlers[topic] = h
	b.mu.Unlock()

	if err := b.pubsub.Subscribe(ctx, topic); err != nil {
		b.mu.Lock()
		delete(b.handlers, topic)
		b.mu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()

	if err := b.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.pubsub.Close()
}
