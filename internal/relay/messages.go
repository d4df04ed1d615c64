package relay

import (
	"encoding/json"
	"fmt"

	"github.com/lumenhealth/scribe/domain/entities"
)

// MessageType defines the type of a control message on the client leg.
type MessageType string

// Control protocol message types.
const (
	MessageTypeAuth          MessageType = "auth"
	MessageTypeAuthenticated MessageType = "authenticated"
	MessageTypeReady         MessageType = "ready"
	MessageTypePartial       MessageType = "partial"
	MessageTypeFinal         MessageType = "final"
	MessageTypeUtteranceEnd  MessageType = "utterance_end"
	MessageTypeStop          MessageType = "stop"
	MessageTypeDone          MessageType = "done"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeError         MessageType = "error"
)

// WebSocket close codes used by the relay.
const (
	CloseAuthTimeout      = 4001
	CloseAuthFailed       = 4002
	CloseOriginNotAllowed = 4003
)

// ClientMessage is a text-frame message received from the client.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	AccessToken string      `json:"access_token,omitempty"`
}

// ParseClientMessage decodes and minimally validates a client text frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	if msg.Type == MessageTypeAuth && msg.AccessToken == "" {
		return nil, fmt.Errorf("auth message missing access_token")
	}
	return &msg, nil
}

// ServerMessage is a text-frame message sent to the client. Fields are
// populated per message type; absent fields are omitted on the wire.
type ServerMessage struct {
	Type        MessageType            `json:"type"`
	Text        string                 `json:"text,omitempty"`
	SpeechFinal bool                   `json:"speech_final,omitempty"`
	Stats       *entities.SessionStats `json:"stats,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Encode marshals the message for a text frame. Marshalling these fixed
// structs cannot fail, so Encode swallows the impossible error.
func (m ServerMessage) Encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

// NewPartialMessage builds a provisional transcript message.
func NewPartialMessage(text string) ServerMessage {
	return ServerMessage{Type: MessageTypePartial, Text: text}
}

// NewFinalMessage builds a committed transcript message.
func NewFinalMessage(text string, speechFinal bool) ServerMessage {
	return ServerMessage{Type: MessageTypeFinal, Text: text, SpeechFinal: speechFinal}
}

// NewDoneMessage builds the end-of-session acknowledgment.
func NewDoneMessage(stats entities.SessionStats) ServerMessage {
	return ServerMessage{Type: MessageTypeDone, Stats: &stats}
}

// NewErrorMessage builds a user-facing error. The description must never
// contain transcript or audio content.
func NewErrorMessage(description string) ServerMessage {
	return ServerMessage{Type: MessageTypeError, Error: description}
}
