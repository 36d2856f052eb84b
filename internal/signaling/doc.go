// Package signaling exposes the relay core over its two transports: the
// stateless HTTP polling API (POST/GET /signal) and the persistent WebSocket
// API (GET /ws). Both speak the same session/mailbox semantics, so clients on
// different transports can signal each other within one session.
package signaling
