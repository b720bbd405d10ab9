package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/pkg/identity"
	"github.com/a-essam23/go-relay/pkg/store"
)

// Conn is the transport handle the registry tracks. Connection lifecycle is
// owned by the transport layer; the registry only sends, checks liveness and
// lets the connection limiter close the oldest handle when cycling.
type Conn interface {
	ID() uuid.UUID
	IsOpen() bool
	Send(payload []byte) error
	CreatedAt() time.Time
	Close(err error)
}

// MembershipOracle answers whether a user may receive a room's traffic. The
// oracle is the authority; the registry adds no membership state of its own.
type MembershipOracle interface {
	IsActiveMember(ctx context.Context, roomID, userID string) (bool, error)
}

// RoomSubscriptions is the broker surface the registry drives: it decides
// when this process needs a room's bus traffic at all.
type RoomSubscriptions interface {
	SubscribeRoom(ctx context.Context, roomID string) error
	UnsubscribeRoom(ctx context.Context, roomID string) error
	Rooms() []string
}

// Registry tracks which users have open connections on this process and fans
// incoming room traffic out to them. One instance per process.
type Registry struct {
	identity identity.Identity
	subs     RoomSubscriptions
	oracle   MembershipOracle
	interest *store.Interest
	logger   *slog.Logger

	mu    sync.RWMutex
	users map[string]map[uuid.UUID]Conn
	conns map[uuid.UUID]ownedConn
}

type ownedConn struct {
	userID string
	conn   Conn
}

func New(id identity.Identity, subs RoomSubscriptions, oracle MembershipOracle, interest *store.Interest, logger *slog.Logger) *Registry {
	return &Registry{
		identity: id,
		subs:     subs,
		oracle:   oracle,
		interest: interest,
		logger:   logger.With(slog.String("component", "registry")),
		users:    make(map[string]map[uuid.UUID]Conn),
		conns:    make(map[uuid.UUID]ownedConn),
	}
}

// AddConnection inserts the connection into the user's connection set,
// creating the set if absent. A user may hold many connections at once.
func (r *Registry) AddConnection(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if conns == nil {
		conns = make(map[uuid.UUID]Conn)
		r.users[userID] = conns
	}
	conns[conn.ID()] = conn
	r.conns[conn.ID()] = ownedConn{userID: userID, conn: conn}
	r.logger.Debug("Connection registered", slog.String("userID", userID), slog.String("connID", conn.ID().String()))
}

// RemoveConnection drops the connection and, when it was the last one on this
// whole process, tears down every room subscription: an idle process should
// not keep consuming bus traffic.
func (r *Registry) RemoveConnection(ctx context.Context, userID string, connID uuid.UUID) {
	r.mu.Lock()
	if conns, ok := r.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}
	delete(r.conns, connID)
	idle := len(r.users) == 0
	r.mu.Unlock()

	r.logger.Debug("Connection removed", slog.String("userID", userID), slog.String("connID", connID.String()))
	if idle {
		r.dropAllInterest(ctx)
	}
}

// dropAllInterest unsubscribes every room and clears this server's entry in
// the shared interest set.
func (r *Registry) dropAllInterest(ctx context.Context) {
	for _, roomID := range r.subs.Rooms() {
		if err := r.subs.UnsubscribeRoom(ctx, roomID); err != nil {
			r.logger.Error("Failed to unsubscribe idle room", slog.String("roomID", roomID), slog.Any("error", err))
		}
	}
	if err := r.interest.Clear(ctx, r.identity.String()); err != nil {
		r.logger.Error("Failed to clear server room interest", slog.Any("error", err))
	}
	r.logger.Info("No local connections left, dropped all room subscriptions")
}

// ClearStaleInterest drops interest records left behind by a previous run of
// this server identity. Run it once at startup, before serving: a leftover
// record makes the first joiner after a restart look like a repeat, and the
// room's bus subscription would never be established.
func (r *Registry) ClearStaleInterest(ctx context.Context) error {
	if err := r.interest.Clear(ctx, r.identity.String()); err != nil {
		return fmt.Errorf("clear stale room interest: %w", err)
	}
	return nil
}

// JoinRoom records this process's interest in roomID. The first local joiner
// triggers the bus subscription; later joiners ride along on it.
func (r *Registry) JoinRoom(ctx context.Context, userID, roomID string) error {
	first, err := r.interest.Add(ctx, r.identity.String(), roomID)
	if err != nil {
		return fmt.Errorf("record room interest: %w", err)
	}
	if !first {
		return nil
	}
	if err := r.subs.SubscribeRoom(ctx, roomID); err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	r.logger.Debug("First local joiner, room subscribed", slog.String("roomID", roomID), slog.String("userID", userID))
	return nil
}

type staleConn struct {
	userID string
	connID uuid.UUID
}

// DeliverLocal fans payload out to every locally-connected active member of
// roomID except excludeUserID. Sends happen against a stable snapshot;
// connections that are closed or fail to send are pruned after the pass so
// one bad socket never blocks the rest of the fan-out.
func (r *Registry) DeliverLocal(ctx context.Context, roomID string, payload []byte, excludeUserID string) {
	r.mu.RLock()
	snapshot := make(map[string][]Conn, len(r.users))
	for userID, conns := range r.users {
		if userID == excludeUserID {
			continue
		}
		list := make([]Conn, 0, len(conns))
		for _, c := range conns {
			list = append(list, c)
		}
		snapshot[userID] = list
	}
	r.mu.RUnlock()

	var stale []staleConn
	for userID, conns := range snapshot {
		member, err := r.oracle.IsActiveMember(ctx, roomID, userID)
		if err != nil {
			r.logger.Error("Membership check failed, skipping user",
				slog.String("userID", userID),
				slog.String("roomID", roomID),
				slog.Any("error", err),
			)
			continue
		}
		if !member {
			continue
		}
		for _, conn := range conns {
			if !conn.IsOpen() {
				stale = append(stale, staleConn{userID, conn.ID()})
				continue
			}
			if err := conn.Send(payload); err != nil {
				r.logger.Warn("Send failed, pruning connection",
					slog.String("userID", userID),
					slog.String("connID", conn.ID().String()),
					slog.Any("error", err),
				)
				stale = append(stale, staleConn{userID, conn.ID()})
			}
		}
	}

	for _, s := range stale {
		r.RemoveConnection(ctx, s.userID, s.connID)
	}
}

// IsUserOnlineLocally reports whether the user has at least one open
// connection on this process, pruning closed ones it comes across.
func (r *Registry) IsUserOnlineLocally(userID string) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	online := false
	var closed []uuid.UUID
	for id, c := range conns {
		if c.IsOpen() {
			online = true
		} else {
			closed = append(closed, id)
		}
	}
	for _, id := range closed {
		delete(conns, id)
		delete(r.conns, id)
	}
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	idle := len(r.users) == 0
	r.mu.Unlock()

	if !online && idle {
		r.dropAllInterest(context.Background())
	}
	return online
}

// Lookup resolves a connection id to its owning user and handle.
func (r *Registry) Lookup(connID uuid.UUID) (string, Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned, ok := r.conns[connID]
	return owned.userID, owned.conn, ok
}

// ConnectionCount reports how many connections the user currently holds here.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// OldestConnection returns the user's longest-lived connection, if any.
func (r *Registry) OldestConnection(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest Conn
	for _, conn := range r.users[userID] {
		if oldest == nil || conn.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// Connections returns a snapshot of every tracked connection, for shutdown.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Conn, 0, len(r.conns))
	for _, conns := range r.users {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	return all
}
