package bus

import "context"

// Handler receives the raw payload published on a topic.
type Handler func(topic string, payload []byte)

// Bus is the shared pub/sub fabric between server processes. Delivery is
// at-least-once with no ordering guarantee across topics or subscribers;
// consumers must be idempotent.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers the handler for a topic. At most one handler is
	// active per topic.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
