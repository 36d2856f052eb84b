package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tutorbridge/signaling-relay/internal/relay"
)

// Actions understood by the polling API. The three relay actions double as
// the message types they produce.
const (
	actionJoin         = "join"
	actionLeave        = "leave"
	actionOffer        = "offer"
	actionAnswer       = "answer"
	actionICECandidate = "ice-candidate"
	actionPoll         = "poll"
	actionSession      = "session"
)

// signalRequest is the polling API's POST body. Exactly which fields are
// required depends on the action; payload fields pass through to the mailbox
// without inspection.
type signalRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserRole  string `json:"userRole"`
	From      string `json:"fromUserId"`
	Target    string `json:"targetUserId"`

	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// from returns the sender identity: fromUserId with userId as a fallback so
// both request dialects work.
func (r signalRequest) from() string {
	if r.From != "" {
		return r.From
	}
	return r.UserID
}

func (r signalRequest) payloadFor(action string) json.RawMessage {
	switch action {
	case actionOffer:
		return r.Offer
	case actionAnswer:
		return r.Answer
	case actionICECandidate:
		return r.Candidate
	}
	return nil
}

func relayTypeFor(action string) (relay.MessageType, bool) {
	switch action {
	case actionOffer:
		return relay.MessageTypeOffer, true
	case actionAnswer:
		return relay.MessageTypeAnswer, true
	case actionICECandidate:
		return relay.MessageTypeICECandidate, true
	}
	return "", false
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type joinResponse struct {
	Success      bool                         `json:"success"`
	SessionID    string                       `json:"sessionId"`
	Participants map[string]relay.Participant `json:"participants"`
}

type pollResponse struct {
	Success      bool                         `json:"success"`
	Messages     []relay.Message              `json:"messages"`
	Participants map[string]relay.Participant `json:"participants"`
}

type sessionResponse struct {
	Success      bool                         `json:"success"`
	SessionID    string                       `json:"sessionId"`
	Participants map[string]relay.Participant `json:"participants"`
	MessageCount int                          `json:"messageCount"`
}

// envelope is one WebSocket frame in either direction. Client frames carry
// type join/leave/offer/answer/ice-candidate; server frames additionally use
// joined (ack), message wrapping is not needed (relay.Message is sent as-is),
// and error.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserRole  string          `json:"userRole,omitempty"`
	Target    string          `json:"targetUserId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

const (
	envelopeTypeJoined = "joined"
	envelopeTypeError  = "error"
)

// serverEnvelope is a server-originated control frame (join ack or error).
type serverEnvelope struct {
	Type         string                       `json:"type"`
	SessionID    string                       `json:"sessionId,omitempty"`
	Participants map[string]relay.Participant `json:"participants,omitempty"`
	Code         string                       `json:"code,omitempty"`
	Message      string                       `json:"message,omitempty"`
}

// parseEnvelope strictly decodes a client frame and validates the fields the
// frame's type requires. Malformed frames are rejected, never silently
// dropped.
func parseEnvelope(data []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.validate(); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (e envelope) validate() error {
	switch e.Type {
	case actionJoin:
		if e.SessionID == "" {
			return fmt.Errorf("join missing sessionId")
		}
		if e.UserID == "" {
			return fmt.Errorf("join missing userId")
		}
	case actionLeave:
		// sessionId/userId default to the connection's identity.
	case actionOffer:
		if e.Offer == nil {
			return fmt.Errorf("offer missing offer payload")
		}
	case actionAnswer:
		if e.Answer == nil {
			return fmt.Errorf("answer missing answer payload")
		}
	case actionICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("ice-candidate missing candidate payload")
		}
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

func (e envelope) payload() json.RawMessage {
	switch e.Type {
	case actionOffer:
		return e.Offer
	case actionAnswer:
		return e.Answer
	case actionICECandidate:
		return e.Candidate
	}
	return nil
}
