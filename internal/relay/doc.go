// Package relay implements the transport-agnostic signaling core: a registry
// of named sessions, each owning a participant presence set and an ordered,
// time-bounded message log.
//
// Both front ends (the HTTP polling API and the WebSocket API) drive the same
// Registry, so a polling client and a socket client in the same session relay
// messages to each other through one log. Delivery is best-effort within the
// retention window; the relay never interprets offer/answer/candidate
// payloads.
package relay
