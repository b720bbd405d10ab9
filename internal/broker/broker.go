package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/identity"
)

// DeliverFunc hands an accepted payload to the local fan-out path. Exactly
// one handler is active per broker.
type DeliverFunc func(roomID string, payload []byte)

type Options struct {
	// DedupTTL is how long an envelope id is remembered. Zero means the
	// 60s default.
	DedupTTL time.Duration
	// DedupCap is the hard limit on remembered ids; past it the oldest
	// entries are evicted regardless of TTL. Zero means the 10000 default.
	DedupCap int
	// SweepInterval is the cadence of the TTL sweep. Zero means DedupTTL/2.
	SweepInterval time.Duration
}

const (
	defaultDedupTTL = 60 * time.Second
	defaultDedupCap = 10000
)

// Broker relays message envelopes between this process and the shared bus:
// outbound it wraps payloads and publishes them per room, inbound it filters
// self-echo and duplicates before invoking local delivery. The bus is
// at-least-once, so the dedup set is what makes consumption idempotent.
type Broker struct {
	identity identity.Identity
	bus      bus.Bus
	opts     Options
	logger   *slog.Logger

	started atomic.Bool
	deliver DeliverFunc

	dedupMu sync.Mutex
	dedup   map[string]time.Time
	// order holds ids in receipt order for cap eviction; it may lag behind
	// the map when the sweep removes entries first.
	order []string

	subMu sync.Mutex
	subs  map[string]struct{}
}

func New(id identity.Identity, b bus.Bus, opts Options, logger *slog.Logger) *Broker {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}
	if opts.DedupCap <= 0 {
		opts.DedupCap = defaultDedupCap
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.DedupTTL / 2
	}
	return &Broker{
		identity: id,
		bus:      b,
		opts:     opts,
		logger:   logger.With(slog.String("component", "broker")),
		dedup:    make(map[string]time.Time),
		subs:     make(map[string]struct{}),
	}
}

// Start registers the local delivery handler and begins the periodic dedup
// sweep. It must be called exactly once, before any room is subscribed.
func (b *Broker) Start(ctx context.Context, deliver DeliverFunc) error {
	if deliver == nil {
		return errors.New("broker: delivery handler is required")
	}
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("broker: already started")
	}
	b.deliver = deliver
	go b.sweepLoop(ctx)
	return nil
}

func roomTopic(roomID string) string {
	return "room:" + roomID
}

// Broadcast publishes payload to every process subscribed to roomID.
// excludeServer marks the server whose users already received the payload
// locally; empty means this one. Publishing is best-effort: local delivery
// happened independently, so a bus failure only costs remote delivery and is
// logged rather than returned.
func (b *Broker) Broadcast(ctx context.Context, roomID string, payload []byte, excludeServer string) {
	if excludeServer == "" {
		excludeServer = b.identity.String()
	}
	env := Envelope{
		ID:      b.identity.NewEnvelopeID(),
		Origin:  b.identity.String(),
		RoomID:  roomID,
		Exclude: excludeServer,
		SentAt:  time.Now().UnixMilli(),
		Payload: payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal envelope", slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	if err := b.bus.Publish(ctx, roomTopic(roomID), raw); err != nil {
		b.logger.Error("Publish failed, message stays local-only",
			slog.String("roomID", roomID),
			slog.String("envelopeID", env.ID),
			slog.Any("error", err),
		)
	}
}

// SubscribeRoom starts receiving roomID's envelopes from the bus. Subscribing
// an already-subscribed room is an anomaly worth logging but not an error.
func (b *Broker) SubscribeRoom(ctx context.Context, roomID string) error {
	b.subMu.Lock()
	if _, ok := b.subs[roomID]; ok {
		b.subMu.Unlock()
		b.logger.Warn("Duplicate room subscription ignored", slog.String("roomID", roomID))
		return nil
	}
	b.subs[roomID] = struct{}{}
	b.subMu.Unlock()

	if err := b.bus.Subscribe(ctx, roomTopic(roomID), b.onEnvelope); err != nil {
		// Keep the set in lockstep with the actual bus state.
		b.subMu.Lock()
		delete(b.subs, roomID)
		b.subMu.Unlock()
		return fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	b.logger.Debug("Room subscribed", slog.String("roomID", roomID))
	return nil
}

// UnsubscribeRoom is the symmetric no-op-with-anomaly operation.
func (b *Broker) UnsubscribeRoom(ctx context.Context, roomID string) error {
	b.subMu.Lock()
	if _, ok := b.subs[roomID]; !ok {
		b.subMu.Unlock()
		b.logger.Warn("Unsubscribe for room without subscription ignored", slog.String("roomID", roomID))
		return nil
	}
	delete(b.subs, roomID)
	b.subMu.Unlock()

	if err := b.bus.Unsubscribe(ctx, roomTopic(roomID)); err != nil {
		return fmt.Errorf("unsubscribe room %s: %w", roomID, err)
	}
	b.logger.Debug("Room unsubscribed", slog.String("roomID", roomID))
	return nil
}

// Rooms returns a snapshot of the rooms this process is subscribed to.
func (b *Broker) Rooms() []string {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	rooms := make([]string, 0, len(b.subs))
	for roomID := range b.subs {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// DedupSize reports how many envelope ids are currently remembered.
func (b *Broker) DedupSize() int {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	return len(b.dedup)
}

// onEnvelope is the bus-driven inbound path.
func (b *Broker) onEnvelope(topic string, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		b.logger.Warn("Dropping undecodable envelope", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if env.Exclude == b.identity.String() {
		// Our own publish looping back; those users already have it.
		return
	}
	if !b.markSeen(env.ID) {
		return
	}
	b.deliver(env.RoomID, env.Payload)
}

// markSeen records the envelope id and reports whether it was new. Recording
// before delivery keeps the at-most-once invariant even when the bus hands us
// the same envelope on two goroutines.
func (b *Broker) markSeen(id string) bool {
	now := time.Now()
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	if _, ok := b.dedup[id]; ok {
		return false
	}
	b.dedup[id] = now
	b.order = append(b.order, id)

	// Oldest receipt goes first once the hard cap is crossed, TTL or not.
	for len(b.dedup) > b.opts.DedupCap && len(b.order) > 0 {
		evict := b.order[0]
		b.order = b.order[1:]
		delete(b.dedup, evict)
	}
	return true
}

func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

// sweep drops dedup entries older than the TTL and compacts the receipt
// order so it cannot grow past the live set.
func (b *Broker) sweep(now time.Time) {
	cutoff := now.Add(-b.opts.DedupTTL)

	b.dedupMu.Lock()
	for id, seenAt := range b.dedup {
		if seenAt.Before(cutoff) {
			delete(b.dedup, id)
		}
	}
	live := b.order[:0]
	for _, id := range b.order {
		if _, ok := b.dedup[id]; ok {
			live = append(live, id)
		}
	}
	b.order = live
	b.dedupMu.Unlock()
}
