package broker

import (
	"encoding/json"
	"errors"
)

// Envelope wraps a chat payload with the routing and dedup metadata it needs
// to cross the bus. Immutable once constructed.
type Envelope struct {
	// ID is globally unique and doubles as the dedup key.
	ID string `json:"id"`
	// Origin is the identity of the publishing process.
	Origin string `json:"origin"`
	RoomID string `json:"roomId"`
	// Exclude names the server that already delivered the payload locally
	// before publishing, so it can drop its own echo.
	Exclude string `json:"exclude,omitempty"`
	// SentAt is the publish wall-clock time in unix milliseconds.
	SentAt int64 `json:"ts"`
	// Payload is opaque to the broker.
	Payload json.RawMessage `json:"payload"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.ID == "" || env.RoomID == "" {
		return Envelope{}, errors.New("envelope missing id or room")
	}
	return env, nil
}
