package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/pkg/message"
	"github.com/a-essam23/go-relay/pkg/sequence"
)

const maxBodyRunes = 2000

// Broadcaster is the broker surface the router uses on the send path.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, payload []byte, excludeServer string)
}

// EventRouter maps inbound client frames to registry/broker operations. It is
// the connection handler side of the delivery kernel: sequence first, local
// fan-out second, bus broadcast last.
type EventRouter struct {
	logger    *slog.Logger
	registry  *registry.Registry
	sequencer *sequence.Generator
	broker    Broadcaster
	oracle    registry.MembershipOracle
}

func NewEventRouter(logger *slog.Logger, reg *registry.Registry, seq *sequence.Generator, brk Broadcaster, oracle registry.MembershipOracle) *EventRouter {
	return &EventRouter{
		logger:    logger.With(slog.String("component", "event_router")),
		registry:  reg,
		sequencer: seq,
		broker:    brk,
		oracle:    oracle,
	}
}

// HandleMessage is installed as the transport's message callback.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	userID, conn, ok := r.registry.Lookup(connID)
	if !ok {
		r.logger.Warn("Frame from unregistered connection dropped", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client frame", slog.String("connID", connID.String()), slog.Any("error", err))
		r.sendError(conn, "INVALID_ARGUMENT", "malformed frame")
		return
	}

	switch clientMsg.Event {
	case EventRoomJoin:
		r.handleJoin(ctx, userID, conn, clientMsg.Payload)
	case EventRoomMessage:
		r.handleRoomMessage(ctx, userID, conn, clientMsg.Payload)
	case EventPresenceQuery:
		r.handlePresenceQuery(userID, conn, clientMsg.Payload)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		r.sendError(conn, "INVALID_ARGUMENT", "unsupported event type")
	}
}

func (r *EventRouter) handleJoin(ctx context.Context, userID string, conn registry.Conn, payload json.RawMessage) {
	roomID := strings.TrimSpace(gjson.GetBytes(payload, "roomId").String())
	if roomID == "" {
		r.sendError(conn, "INVALID_ARGUMENT", "roomId is required")
		return
	}

	member, err := r.oracle.IsActiveMember(ctx, roomID, userID)
	if err != nil {
		r.logger.Error("Membership check failed on join", slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
		r.sendError(conn, "UNAVAILABLE", "membership verification unavailable")
		return
	}
	if !member {
		r.sendError(conn, "FORBIDDEN", "membership required for room")
		return
	}

	if err := r.registry.JoinRoom(ctx, userID, roomID); err != nil {
		r.logger.Error("Failed to join room", slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
		r.sendError(conn, "UNAVAILABLE", "failed to join room")
		return
	}

	r.sendFrame(conn, EventRoomJoined, joinedPayload{RoomID: roomID})
	if welcome, err := message.System(roomID, "joined "+roomID).Encode(); err == nil {
		r.sendFrame(conn, EventRoomMessage, json.RawMessage(welcome))
	}
}

func (r *EventRouter) handleRoomMessage(ctx context.Context, userID string, conn registry.Conn, payload json.RawMessage) {
	roomID := strings.TrimSpace(gjson.GetBytes(payload, "roomId").String())
	body := strings.TrimSpace(gjson.GetBytes(payload, "body").String())
	if roomID == "" || body == "" {
		r.sendError(conn, "INVALID_ARGUMENT", "roomId and body are required")
		return
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		r.sendError(conn, "INVALID_ARGUMENT", "body too long")
		return
	}

	member, err := r.oracle.IsActiveMember(ctx, roomID, userID)
	if err != nil {
		r.logger.Error("Membership check failed on send", slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
		r.sendError(conn, "UNAVAILABLE", "membership verification unavailable")
		return
	}
	if !member {
		r.sendError(conn, "FORBIDDEN", "membership required for room")
		return
	}

	// The shared counter is the one failure that must reject the message:
	// inventing a sequence number here could collide with another process.
	seq, err := r.sequencer.Next(ctx, roomID)
	if err != nil {
		if errors.Is(err, sequence.ErrUnavailable) {
			r.logger.Error("Sequence store unavailable, rejecting message", slog.String("roomID", roomID), slog.Any("error", err))
			r.sendError(conn, "UNAVAILABLE", "message rejected: try again")
			return
		}
		r.logger.Error("Sequence assignment failed", slog.String("roomID", roomID), slog.Any("error", err))
		r.sendError(conn, "INTERNAL", "message rejected")
		return
	}

	encoded, err := message.Text(roomID, userID, seq, body).Encode()
	if err != nil {
		r.logger.Error("Failed to encode message", slog.String("roomID", roomID), slog.Any("error", err))
		r.sendError(conn, "INTERNAL", "message rejected")
		return
	}
	frame, err := json.Marshal(ClientMessage{Event: EventRoomMessage, Payload: encoded})
	if err != nil {
		r.logger.Error("Failed to marshal outbound frame", slog.Any("error", err))
		return
	}

	// Local users first, then the bus. The broadcast excludes this server so
	// our own envelope echo cannot double-deliver, and a publish failure
	// degrades to local-only delivery.
	r.registry.DeliverLocal(ctx, roomID, frame, "")
	r.broker.Broadcast(ctx, roomID, frame, "")

	r.sendFrame(conn, EventRoomAck, ackPayload{RoomID: roomID, Seq: seq})
}

func (r *EventRouter) handlePresenceQuery(userID string, conn registry.Conn, payload json.RawMessage) {
	target := strings.TrimSpace(gjson.GetBytes(payload, "userId").String())
	if target == "" {
		target = userID
	}
	online := r.registry.IsUserOnlineLocally(target)
	if state, err := message.Presence(target, online).Encode(); err == nil {
		r.sendFrame(conn, EventPresenceState, json.RawMessage(state))
	}
}

func (r *EventRouter) sendFrame(conn registry.Conn, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal frame payload", slog.String("event", event), slog.Any("error", err))
		return
	}
	frame, err := json.Marshal(ClientMessage{Event: event, Payload: raw})
	if err != nil {
		r.logger.Error("Failed to marshal frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	if err := conn.Send(frame); err != nil {
		r.logger.Warn("Failed to send frame", slog.String("event", event), slog.Any("error", err))
	}
}

func (r *EventRouter) sendError(conn registry.Conn, code, msg string) {
	r.sendFrame(conn, EventError, errorPayload{Code: code, Message: msg})
}
