package relay

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeUserJoined   MessageType = "user-joined"
	MessageTypeUserLeft     MessageType = "user-left"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeUserJoined, MessageTypeUserLeft, MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	}
	return false
}

// Message is one relay event in a session's log.
//
// Seq is the per-session cursor: polls return messages with Seq strictly
// greater than the caller's cursor, in insertion order. ID is a globally
// unique correlation id for logs and debugging; it carries no ordering.
type Message struct {
	Seq       int64           `json:"id"`
	ID        string          `json:"messageId"`
	Type      MessageType     `json:"type"`
	From      string          `json:"fromUserId"`
	Target    string          `json:"targetUserId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// visibleTo reports whether m should be delivered to userID: senders never
// see their own messages, and targeted messages reach only the target.
func (m Message) visibleTo(userID string) bool {
	if m.From == userID {
		return false
	}
	if m.Target != "" && m.Target != userID {
		return false
	}
	return true
}

func (m Message) expiredAt(now time.Time, retention time.Duration) bool {
	return now.Sub(m.Timestamp) > retention
}

// presencePayload is the payload body of user-joined/user-left messages.
type presencePayload struct {
	UserID   string `json:"userId"`
	UserRole string `json:"userRole,omitempty"`
}

func presenceBody(userID, role string) json.RawMessage {
	b, _ := json.Marshal(presencePayload{UserID: userID, UserRole: role})
	return b
}
