package relay

import "errors"

var (
	// ErrInvalidRequest is returned when a required field (session id, user
	// id, payload) is missing or empty.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownMessageType is returned when a caller posts a message type
	// outside the recognized signaling vocabulary.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrSessionNotFound is returned by read and relay operations that name a
	// session which does not exist (or has already been reaped). Only Join
	// creates sessions.
	ErrSessionNotFound = errors.New("session not found")

	ErrTooManySessions = errors.New("too many sessions")
	ErrSessionFull     = errors.New("session full")
)
