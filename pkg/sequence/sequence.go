package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/go-relay/pkg/store"
)

// ErrUnavailable is returned when the shared counter store cannot be reached.
var ErrUnavailable = errors.New("sequence counter store unavailable")

// Generator assigns each message within a room a strictly increasing integer.
// The total order it defines is the only ordering guarantee messages get;
// displays sort by it on the consumer side.
type Generator struct {
	counter store.Counter
}

func New(counter store.Counter) *Generator {
	return &Generator{counter: counter}
}

func sequenceKey(roomID string) string {
	return "seq:room:" + roomID
}

// Next returns the next sequence number for roomID. When the counter store is
// unreachable the error propagates: a made-up fallback value could collide
// with a number handed out by another process, so the caller must reject the
// message instead.
func (g *Generator) Next(ctx context.Context, roomID string) (int64, error) {
	n, err := g.counter.Increment(ctx, sequenceKey(roomID))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}
