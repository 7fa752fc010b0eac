package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskery/chatrelay/internal/history"
)

// Wire event names. Clients and server exchange JSON envelopes of the form
// {"type": "<event>", "payload": {...}} over websocket text frames.
const (
	EventIdentify          = "identify"
	EventRoomJoin          = "room:join"
	EventRoomLeave         = "room:leave"
	EventMessageSend       = "message:send"
	EventRoomHistory       = "room:history"
	EventParticipantJoined = "participant:joined"
	EventParticipantLeft   = "participant:left"
	EventMessageReceived   = "message:received"
	EventError             = "error"
)

// Envelope is the outer frame for every protocol event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IdentifyPayload binds a stable user identity to the current transport.
type IdentifyPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// RoomPayload is shared by room:join, room:leave and the participant notices.
type RoomPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// SendPayload is a client's request to post a message to a room.
// Sender identity fields are advisory; the server attributes the message
// to the identity bound by the identify event.
type SendPayload struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderDisplayName"`
	Text       string `json:"text"`
}

// HistoryPayload is the bounded snapshot delivered to a joining client.
type HistoryPayload struct {
	RoomID   string            `json:"roomId"`
	Messages []history.Message `json:"messages"`
}

// ErrorPayload is delivered to a single client, never broadcast.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeEvent marshals an event into its wire form.
func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// mustEncodeEvent marshals an event whose payload is known to be
// marshalable (our own structs, no cycles or channels).
func mustEncodeEvent(eventType string, payload any) []byte {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// decodeEnvelope parses the outer frame of an inbound event.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed event frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("event frame missing type")
	}
	return env, nil
}

// validText reports whether text survives trimming. Empty and
// whitespace-only messages are rejected before persistence.
func validText(text string) bool {
	return strings.TrimSpace(text) != ""
}
