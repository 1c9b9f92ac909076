package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Action string

const (
	ActionBroadcast     Action = "broadcast"
	ActionShelterUpdate Action = "shelter_update"
	ActionAlert         Action = "alert"
	ActionPing          Action = "ping"
	ActionPong          Action = "pong"
	ActionError         Action = "error"
)

// TimestampLayout is the ISO-8601 layout used on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type Sender struct {
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role,omitempty"`
	ShelterID string `json:"shelterId,omitempty"`
}

// Request is an inbound frame from a client.
type Request struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Target *WireTarget     `json:"target,omitempty"`
}

// Message is the envelope exchanged in both directions. Outbound messages
// carry a sender and timestamp; error replies set Error.
type Message struct {
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Target    *WireTarget     `json:"target,omitempty"`
	Sender    *Sender         `json:"sender,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewMessage builds an envelope stamped with now. data may be nil, raw JSON
// or any value encoding/json accepts.
func NewMessage(action Action, data any, sender *Sender, now time.Time) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Action:    action,
		Data:      raw,
		Sender:    sender,
		Timestamp: Timestamp(now),
	}, nil
}

// ErrorMessage builds an error reply. The text is carried both top-level and
// as data.message.
func ErrorMessage(text string, now time.Time) Message {
	data, _ := json.Marshal(ErrorPayload{Message: text})
	return Message{
		Action:    ActionError,
		Data:      data,
		Error:     text,
		Timestamp: Timestamp(now),
	}
}

func PongMessage(now time.Time) Message {
	return Message{Action: ActionPong, Timestamp: Timestamp(now)}
}

func (m Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return b, nil
}

// ErrorText returns the carried error text, preferring the top-level field.
func (m Message) ErrorText() string {
	if m.Error != "" {
		return m.Error
	}
	var p ErrorPayload
	if len(m.Data) > 0 && json.Unmarshal(m.Data, &p) == nil {
		return p.Message
	}
	return ""
}

// HasData reports whether the frame carried a non-null data value.
func (m Message) HasData() bool {
	return len(m.Data) > 0 && string(m.Data) != "null"
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return b, nil
}
