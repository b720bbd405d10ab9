package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/broker"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/message"
	"github.com/a-essam23/go-relay/pkg/sequence"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	id      uuid.UUID
	created time.Time
	sent    [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New(), created: time.Now()}
}

func (c *fakeConn) ID() uuid.UUID        { return c.id }
func (c *fakeConn) IsOpen() bool         { return true }
func (c *fakeConn) CreatedAt() time.Time { return c.created }
func (c *fakeConn) Close(err error)      {}

func (c *fakeConn) Send(payload []byte) error {
	c.sent = append(c.sent, payload)
	return nil
}

// frames decodes everything sent to the connection.
func (c *fakeConn) frames(t *testing.T) []router.ClientMessage {
	t.Helper()
	out := make([]router.ClientMessage, 0, len(c.sent))
	for _, raw := range c.sent {
		var msg router.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Failed to decode sent frame %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func countEvent(frames []router.ClientMessage, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func findEvent(t *testing.T, frames []router.ClientMessage, event string) router.ClientMessage {
	t.Helper()
	for _, f := range frames {
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("No %q frame among %d sent frames", event, len(frames))
	return router.ClientMessage{}
}

type failingCounter struct{}

func (failingCounter) Increment(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("connection refused")
}

type fixture struct {
	router     *router.EventRouter
	registry   *registry.Registry
	broker     *broker.Broker
	membership *store.Membership
}

// newFixture wires the full local delivery path on the in-memory bus and
// store: everything real except the websocket transport.
func newFixture(t *testing.T, counter store.Counter) *fixture {
	t.Helper()
	sets := memstore.New()
	if counter == nil {
		counter = sets
	}
	mb := bus.NewMemory()
	brk := broker.New("node-a", mb, broker.Options{}, discardLogger())
	membership := store.NewMembership(sets)
	interest := store.NewInterest(sets)
	reg := registry.New("node-a", brk, membership, interest, discardLogger())

	ctx := context.Background()
	err := brk.Start(ctx, func(roomID string, payload []byte) {
		reg.DeliverLocal(ctx, roomID, payload, "")
	})
	if err != nil {
		t.Fatalf("Broker start failed: %v", err)
	}

	rt := router.NewEventRouter(discardLogger(), reg, sequence.New(counter), brk, membership)
	return &fixture{router: rt, registry: reg, broker: brk, membership: membership}
}

func frame(t *testing.T, event string, payload string) []byte {
	t.Helper()
	raw, err := json.Marshal(router.ClientMessage{Event: event, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("Failed to marshal test frame: %v", err)
	}
	return raw
}

func TestJoinRoomSubscribesAndConfirms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.membership.AddMember(ctx, "room-1", "alice")

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomJoin, `{"roomId":"room-1"}`))

	frames := conn.frames(t)
	joined := findEvent(t, frames, router.EventRoomJoined)
	if got := string(joined.Payload); got != `{"roomId":"room-1"}` {
		t.Errorf("Unexpected joined payload %s", got)
	}

	welcome := findEvent(t, frames, router.EventRoomMessage)
	msg, err := message.Decode(welcome.Payload)
	if err != nil {
		t.Fatalf("Failed to decode welcome message: %v", err)
	}
	if msg.Kind != message.KindSystem || msg.RoomID != "room-1" {
		t.Errorf("Unexpected welcome message: %+v", msg)
	}

	rooms := f.broker.Rooms()
	if len(rooms) != 1 || rooms[0] != "room-1" {
		t.Errorf("Expected broker subscribed to room-1, got %v", rooms)
	}
}

func TestJoinRoomRejectsNonMember(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomJoin, `{"roomId":"room-1"}`))

	errFrame := findEvent(t, conn.frames(t), router.EventError)
	if code := errorCode(t, errFrame.Payload); code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %s", code)
	}
	if rooms := f.broker.Rooms(); len(rooms) != 0 {
		t.Errorf("Rejected join must not subscribe the room, got %v", rooms)
	}
}

func TestJoinRoomRequiresRoomID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomJoin, `{}`))

	errFrame := findEvent(t, conn.frames(t), router.EventError)
	if code := errorCode(t, errFrame.Payload); code != "INVALID_ARGUMENT" {
		t.Errorf("Expected INVALID_ARGUMENT, got %s", code)
	}
}

func TestRoomMessageIsSequencedAckedAndFannedOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.membership.AddMember(ctx, "room-1", "alice")
	f.membership.AddMember(ctx, "room-1", "bob")

	alice := newFakeConn()
	bob := newFakeConn()
	f.registry.AddConnection("alice", alice)
	f.registry.AddConnection("bob", bob)
	f.router.HandleMessage(ctx, alice.ID(), frame(t, router.EventRoomJoin, `{"roomId":"room-1"}`))
	f.router.HandleMessage(ctx, bob.ID(), frame(t, router.EventRoomJoin, `{"roomId":"room-1"}`))
	alice.sent = nil
	bob.sent = nil

	f.router.HandleMessage(ctx, alice.ID(), frame(t, router.EventRoomMessage, `{"roomId":"room-1","body":"hello"}`))

	// The broadcast loops back over the in-memory bus with this server
	// excluded, so bob must see the message exactly once.
	bobFrames := bob.frames(t)
	if got := countEvent(bobFrames, router.EventRoomMessage); got != 1 {
		t.Fatalf("Expected bob to receive the message exactly once, got %d", got)
	}
	msg, err := message.Decode(findEvent(t, bobFrames, router.EventRoomMessage).Payload)
	if err != nil {
		t.Fatalf("Failed to decode delivered message: %v", err)
	}
	if msg.Kind != message.KindText || msg.UserID != "alice" || msg.Seq != 1 || msg.Body != "hello" {
		t.Errorf("Unexpected delivered message: %+v", msg)
	}

	ack := findEvent(t, alice.frames(t), router.EventRoomAck)
	var ackBody struct {
		RoomID string `json:"roomId"`
		Seq    int64  `json:"seq"`
	}
	if err := json.Unmarshal(ack.Payload, &ackBody); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ackBody.RoomID != "room-1" || ackBody.Seq != 1 {
		t.Errorf("Unexpected ack: %+v", ackBody)
	}
}

func TestSequencesAdvancePerRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.membership.AddMember(ctx, "room-1", "alice")
	f.membership.AddMember(ctx, "room-2", "alice")

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomMessage, `{"roomId":"room-1","body":"a"}`))
	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomMessage, `{"roomId":"room-1","body":"b"}`))
	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomMessage, `{"roomId":"room-2","body":"c"}`))

	var seqs []int64
	for _, fr := range conn.frames(t) {
		if fr.Event != router.EventRoomAck {
			continue
		}
		var ack struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(fr.Payload, &ack); err != nil {
			t.Fatalf("Failed to decode ack: %v", err)
		}
		seqs = append(seqs, ack.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 1 {
		t.Errorf("Expected per-room sequences [1 2 1], got %v", seqs)
	}
}

func TestRoomMessageRejectedWhenCounterUnavailable(t *testing.T) {
	f := newFixture(t, failingCounter{})
	ctx := context.Background()
	f.membership.AddMember(ctx, "room-1", "alice")
	f.membership.AddMember(ctx, "room-1", "bob")

	alice := newFakeConn()
	bob := newFakeConn()
	f.registry.AddConnection("alice", alice)
	f.registry.AddConnection("bob", bob)

	f.router.HandleMessage(ctx, alice.ID(), frame(t, router.EventRoomMessage, `{"roomId":"room-1","body":"hello"}`))

	errFrame := findEvent(t, alice.frames(t), router.EventError)
	if code := errorCode(t, errFrame.Payload); code != "UNAVAILABLE" {
		t.Errorf("Expected UNAVAILABLE, got %s", code)
	}
	if got := countEvent(alice.frames(t), router.EventRoomAck); got != 0 {
		t.Error("Rejected message must not be acked")
	}
	if got := countEvent(bob.frames(t), router.EventRoomMessage); got != 0 {
		t.Error("Rejected message must not be delivered")
	}
}

func TestRoomMessageValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.membership.AddMember(ctx, "room-1", "alice")

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	cases := []struct {
		name    string
		payload string
	}{
		{"missing body", `{"roomId":"room-1"}`},
		{"missing room", `{"body":"hi"}`},
		{"blank body", `{"roomId":"room-1","body":"   "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn.sent = nil
			f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventRoomMessage, tc.payload))
			errFrame := findEvent(t, conn.frames(t), router.EventError)
			if code := errorCode(t, errFrame.Payload); code != "INVALID_ARGUMENT" {
				t.Errorf("Expected INVALID_ARGUMENT, got %s", code)
			}
		})
	}
}

func TestPresenceQueryReportsLocalState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventPresenceQuery, `{"userId":"bob"}`))
	f.router.HandleMessage(ctx, conn.ID(), frame(t, router.EventPresenceQuery, `{}`))

	frames := conn.frames(t)
	if got := countEvent(frames, router.EventPresenceState); got != 2 {
		t.Fatalf("Expected 2 presence frames, got %d", got)
	}

	bobState, err := message.Decode(frames[0].Payload)
	if err != nil {
		t.Fatalf("Failed to decode presence message: %v", err)
	}
	if bobState.UserID != "bob" || bobState.Online == nil || *bobState.Online {
		t.Errorf("Expected bob offline, got %+v", bobState)
	}

	selfState, err := message.Decode(frames[1].Payload)
	if err != nil {
		t.Fatalf("Failed to decode presence message: %v", err)
	}
	if selfState.UserID != "alice" || selfState.Online == nil || !*selfState.Online {
		t.Errorf("Expected alice online, got %+v", selfState)
	}
}

func TestUnknownEventAndMalformedFrames(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := newFakeConn()
	f.registry.AddConnection("alice", conn)

	f.router.HandleMessage(ctx, conn.ID(), frame(t, "room.rename", `{}`))
	f.router.HandleMessage(ctx, conn.ID(), []byte("not json"))

	if got := countEvent(conn.frames(t), router.EventError); got != 2 {
		t.Errorf("Expected 2 error frames, got %d", got)
	}
}

func TestFrameFromUnregisteredConnectionIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	// No panic, no state change.
	f.router.HandleMessage(context.Background(), uuid.New(), frame(t, router.EventRoomJoin, `{"roomId":"room-1"}`))
}

func errorCode(t *testing.T, payload json.RawMessage) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("Failed to decode error payload: %v", err)
	}
	return body.Code
}
