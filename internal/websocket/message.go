package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

// Event types pushed to the dashboard feed. Inbound traffic is limited to
// ping; the feed is one-way.
const (
	TypePairSynced       MessageType = "pair_synced"
	TypeConflictDetected MessageType = "conflict_detected"
	TypeConflictResolved MessageType = "conflict_resolved"
	TypeMatchPending     MessageType = "match_pending"
	TypeCycleComplete    MessageType = "cycle_complete"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
