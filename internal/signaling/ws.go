package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tutorbridge/signaling-relay/internal/httpserver"
	"github.com/tutorbridge/signaling-relay/internal/metrics"
	"github.com/tutorbridge/signaling-relay/internal/ratelimit"
	"github.com/tutorbridge/signaling-relay/internal/relay"
)

// Error codes carried in error envelopes before the connection is closed.
const (
	wsCodeBadMessage  = "bad_message"
	wsCodeNotJoined   = "not_joined"
	wsCodeRateLimited = "rate_limited"
	wsCodeRejected    = "rejected"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return httpserver.OriginAllowed(origin, s.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		srv:     s,
		conn:    conn,
		id:      uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(s.clock, int64(s.messagesPerSecond), int64(s.messagesPerSecond)),
		done:    make(chan struct{}),
	}
	s.registry.Metrics().Inc(metrics.WSConnectionsOpened)
	c.run()
}

// wsConn is one WebSocket client. The read loop owns all inbound dispatch;
// outbound frames from the subscriber and the ping ticker go through writeMu.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	id      string
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	// Set once by the join handler, read by the loop afterwards.
	sessionID string
	userID    string
	sub       *relay.Subscriber

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		if c.sessionID != "" {
			c.srv.registry.Touch(c.sessionID, c.userID)
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Debug("websocket read ended", "conn", c.id, "error", err)
			}
			return
		}
		c.resetReadDeadline()

		if msgType != websocket.TextMessage {
			c.fail(wsCodeBadMessage, "only text frames are accepted")
			return
		}
		if !c.limiter.Allow(1) {
			c.srv.registry.Metrics().Inc(metrics.DropReasonRateLimited)
			c.fail(wsCodeRateLimited, "message rate limit exceeded")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			c.srv.registry.Metrics().Inc(metrics.DropReasonBadMessage)
			c.fail(wsCodeBadMessage, err.Error())
			return
		}

		if err := c.dispatch(env); err != nil {
			return
		}
	}
}

func (c *wsConn) dispatch(env envelope) error {
	switch env.Type {
	case actionJoin:
		return c.handleJoin(env)
	case actionLeave:
		c.closeNormal()
		return errors.New("left")
	case actionOffer, actionAnswer, actionICECandidate:
		return c.handleRelay(env)
	default:
		// validate() rejects everything else before dispatch.
		c.fail(wsCodeBadMessage, fmt.Sprintf("unsupported message type %q", env.Type))
		return errors.New("bad type")
	}
}

func (c *wsConn) handleJoin(env envelope) error {
	if c.sub != nil {
		if env.SessionID == c.sessionID && env.UserID == c.userID {
			// Duplicate join from the same identity refreshes presence.
			c.srv.registry.Touch(c.sessionID, c.userID)
			return nil
		}
		c.fail(wsCodeRejected, "connection is already joined to a session")
		return errors.New("identity switch")
	}

	snap, cursor, err := c.srv.registry.Join(env.SessionID, env.UserID, env.UserRole)
	if err != nil {
		c.failRelayError(err)
		return err
	}
	sub, err := c.srv.registry.Subscribe(env.SessionID, env.UserID, cursor)
	if err != nil {
		c.srv.registry.Leave(env.SessionID, env.UserID)
		c.failRelayError(err)
		return err
	}

	c.sessionID = env.SessionID
	c.userID = env.UserID
	c.sub = sub

	if err := c.writeJSON(serverEnvelope{
		Type:         envelopeTypeJoined,
		SessionID:    snap.SessionID,
		Participants: snap.Participants,
	}); err != nil {
		return err
	}

	go c.writeLoop(sub)
	return nil
}

func (c *wsConn) handleRelay(env envelope) error {
	if c.sub == nil {
		c.fail(wsCodeNotJoined, "join a session before sending signaling messages")
		return errors.New("not joined")
	}
	if env.SessionID != "" && env.SessionID != c.sessionID {
		c.fail(wsCodeRejected, "sessionId does not match this connection")
		return errors.New("session mismatch")
	}
	typ, _ := relayTypeFor(env.Type)

	c.srv.registry.Touch(c.sessionID, c.userID)
	if _, err := c.srv.registry.Post(c.sessionID, typ, c.userID, env.Target, env.payload()); err != nil {
		c.failRelayError(err)
		return err
	}
	return nil
}

// writeLoop forwards mailbox messages to the client and keeps the connection
// alive with pings. A closed subscriber channel means the session was reaped.
func (c *wsConn) writeLoop(sub *relay.Subscriber) {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "session closed")
				return
			}
			if err := c.writeJSON(msg); err != nil {
				c.closeConn()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.closeConn()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail reports a protocol error to the client and closes the connection.
// Errors are always explicit so a misbehaving client can see why it was cut.
func (c *wsConn) fail(code, message string) {
	_ = c.writeJSON(serverEnvelope{Type: envelopeTypeError, Code: code, Message: message})
	c.closeWith(websocket.ClosePolicyViolation, code)
}

func (c *wsConn) failRelayError(err error) {
	switch {
	case errors.Is(err, relay.ErrTooManySessions), errors.Is(err, relay.ErrSessionFull):
		c.fail(wsCodeRejected, err.Error())
	case errors.Is(err, relay.ErrSessionNotFound):
		c.fail(wsCodeRejected, "session not found")
	default:
		c.fail(wsCodeBadMessage, err.Error())
	}
}

func (c *wsConn) closeNormal() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	c.closeConn()
}

func (c *wsConn) closeConn() {
	_ = c.conn.Close()
}

// teardown runs exactly once when the read loop exits, whether the client
// left cleanly, went silent past the idle deadline, or dropped mid-frame.
func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Close()
			c.srv.registry.Leave(c.sessionID, c.userID)
			c.srv.log.Info("websocket participant disconnected",
				"conn", c.id, "session", c.sessionID, "user", c.userID)
		}
		_ = c.conn.Close()
		c.srv.registry.Metrics().Inc(metrics.WSConnectionsClosed)
	})
}

func (c *wsConn) resetReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
}
