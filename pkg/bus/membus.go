package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("bus is closed")

// MemoryBus is an in-process Bus. It backs single-node runs and tests;
// handlers are invoked synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// compile-time check to ensure MemoryBus implements Bus.
var _ Bus = (*MemoryBus)(nil)

func NewMemory() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	h, ok := b.handlers[topic]
	b.mu.RUnlock()

	if !ok {
		return nil // nobody listening; at-least-once does not mean at-least-one-subscriber
	}
	h(topic, payload)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[topic] = h
	return nil
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.handlers, topic)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]Handler)
	return nil
}
