// Package message defines the chat payload carried inside broker envelopes
// and client frames. The Kind field is the discriminant; it only matters at
// the serialization boundary, internal code never inspects payload bytes.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	KindText     = "text"
	KindSystem   = "system"
	KindPresence = "presence"
)

type Message struct {
	Kind   string    `json:"kind"`
	RoomID string    `json:"roomId,omitempty"`
	UserID string    `json:"userId,omitempty"`
	Seq    int64     `json:"seq,omitempty"`
	Body   string    `json:"body,omitempty"`
	SentAt time.Time `json:"sentAt"`
	Online *bool     `json:"online,omitempty"`
}

// Text is a user-authored room message carrying its sequence number.
func Text(roomID, userID string, seq int64, body string) Message {
	return Message{
		Kind:   KindText,
		RoomID: roomID,
		UserID: userID,
		Seq:    seq,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
}

// System is a server-authored notice scoped to a room.
func System(roomID, body string) Message {
	return Message{
		Kind:   KindSystem,
		RoomID: roomID,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
}

// Presence reports whether a user is online on the answering process.
func Presence(userID string, online bool) Message {
	return Message{
		Kind:   KindPresence,
		UserID: userID,
		Online: &online,
		SentAt: time.Now().UTC(),
	}
}

func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	return b, nil
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("decode message: missing kind")
	}
	return m, nil
}
