package router

import "encoding/json"

// ClientMessage is the frame exchanged with clients in both directions.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-initiated events.
const (
	EventRoomJoin      = "room.join"
	EventRoomMessage   = "room.message"
	EventPresenceQuery = "presence.query"
)

// Server-initiated events.
const (
	EventRoomJoined    = "room.joined"
	EventRoomAck       = "room.ack"
	EventPresenceState = "presence.state"
	EventError         = "error"
)

type joinedPayload struct {
	RoomID string `json:"roomId"`
}

type ackPayload struct {
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
