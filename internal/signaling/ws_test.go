package signaling

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorbridge/signaling-relay/internal/relay"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL(ts), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return out
}

// readUntilType drains frames until it finds one of the wanted type. Frames of
// other types are expected chatter (presence broadcasts and the join ack).
func readUntilType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == typ {
			return frame
		}
	}
	t.Fatalf("no %q frame before deadline", typ)
	return nil
}

func joinWS(t *testing.T, conn *websocket.Conn, sessionID, userID, role string) map[string]any {
	t.Helper()
	sendFrame(t, conn, `{"type":"join","sessionId":"`+sessionID+`","userId":"`+userID+`","userRole":"`+role+`"}`)
	ack := readUntilType(t, conn, "joined")
	return ack
}

// The Sec-WebSocket-Accept value is SHA-1 over the client key concatenated
// with the GUID 258EAFA5-E914-47DA-95CA-C5AB0DC85B11, base64 encoded. RFC 6455
// publishes a worked example; the upgrade must reproduce it exactly.
func TestWebSocketHandshakeAcceptKey(t *testing.T) {
	ts, _ := newTestTransport(t)

	addr := ts.Listener.Addr().String()
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer raw.Close()

	req := strings.Join([]string{
		"GET /ws HTTP/1.1",
		"Host: " + addr,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
		"", "",
	}, "\r\n")
	if _, err := raw.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(raw), nil)
	if err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("Sec-WebSocket-Accept = %q, want %q", got, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	}
	if got := resp.Header.Get("Upgrade"); !strings.EqualFold(got, "websocket") {
		t.Fatalf("Upgrade = %q", got)
	}
}

func TestWebSocketJoinAndPresence(t *testing.T) {
	ts, _ := newTestTransport(t)

	tutor := dialWS(t, ts)
	ack := joinWS(t, tutor, "room1", "tutor1", "tutor")
	if ack["sessionId"] != "room1" {
		t.Fatalf("join ack sessionId = %v", ack["sessionId"])
	}
	participants := ack["participants"].(map[string]any)
	tutorEntry, ok := participants["tutor1"].(map[string]any)
	if !ok {
		t.Fatalf("join ack participants = %v", participants)
	}
	if tutorEntry["userRole"] != "tutor" {
		t.Fatalf("join ack participant role = %v, want tutor", tutorEntry["userRole"])
	}

	student := dialWS(t, ts)
	ack = joinWS(t, student, "room1", "student1", "student")
	if len(ack["participants"].(map[string]any)) != 2 {
		t.Fatalf("student ack participants = %v", ack["participants"])
	}

	// The tutor hears the student arrive; the student is introduced to the
	// tutor via a targeted replay.
	joined := readUntilType(t, tutor, "user-joined")
	if joined["fromUserId"] != "student1" {
		t.Fatalf("tutor saw join from %v, want student1", joined["fromUserId"])
	}
	intro := readUntilType(t, student, "user-joined")
	payload := intro["payload"].(map[string]any)
	if payload["userId"] != "tutor1" {
		t.Fatalf("student introduction payload = %v", payload)
	}
}

func TestWebSocketTargetedRelay(t *testing.T) {
	ts, _ := newTestTransport(t)

	a := dialWS(t, ts)
	joinWS(t, a, "room1", "a", "tutor")
	b := dialWS(t, ts)
	joinWS(t, b, "room1", "b", "student")
	c := dialWS(t, ts)
	joinWS(t, c, "room1", "c", "student")

	sendFrame(t, a, `{"type":"offer","targetUserId":"b","offer":{"sdp":"v=0 a"}}`)

	offer := readUntilType(t, b, "offer")
	if offer["fromUserId"] != "a" || offer["targetUserId"] != "b" {
		t.Fatalf("offer routing = %v", offer)
	}

	// c must only ever see presence traffic, never the targeted offer.
	c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			break
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err == nil && frame["type"] == "offer" {
			t.Fatalf("bystander received targeted offer: %s", data)
		}
	}
}

func TestWebSocketDisconnectEmitsUserLeft(t *testing.T) {
	ts, reg := newTestTransport(t)

	a := dialWS(t, ts)
	joinWS(t, a, "room1", "a", "tutor")
	b := dialWS(t, ts)
	joinWS(t, b, "room1", "b", "student")
	readUntilType(t, a, "user-joined")

	// Abrupt close, no close frame. The server's read loop notices and tears
	// the participant down.
	b.Close()

	left := readUntilType(t, a, "user-left")
	if left["payload"].(map[string]any)["userId"] != "b" {
		t.Fatalf("user-left payload = %v", left["payload"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := reg.Snapshot("room1")
		if ok {
			if _, present := snap.Participants["b"]; !present {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("b still in session after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `this is not json`, wsCodeBadMessage},
		{"unknown type", `{"type":"chat","sessionId":"room1"}`, wsCodeBadMessage},
		{"offer before join", `{"type":"offer","offer":{"sdp":"v=0"}}`, wsCodeNotJoined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, _ := newTestTransport(t)
			conn := dialWS(t, ts)
			sendFrame(t, conn, tc.frame)

			frame := readFrame(t, conn)
			if frame["type"] != "error" {
				t.Fatalf("frame type = %v, want error", frame["type"])
			}
			if frame["code"] != tc.code {
				t.Fatalf("error code = %v, want %v", frame["code"], tc.code)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Fatal("connection still open after protocol error")
			}
		})
	}
}

func TestWebSocketRateLimitCloses(t *testing.T) {
	reg := relay.NewRegistry(relay.Config{}, nil, nil)
	srv := NewServer(Config{Registry: reg, MessagesPerSecond: 1})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts)
	joinWS(t, conn, "room1", "a", "tutor")

	// The second frame inside the same second exceeds the bucket.
	sendFrame(t, conn, `{"type":"ice-candidate","candidate":{"candidate":"c"}}`)
	frame := readUntilType(t, conn, "error")
	if frame["code"] != wsCodeRateLimited {
		t.Fatalf("error code = %v, want %v", frame["code"], wsCodeRateLimited)
	}
}

func TestWebSocketAndPollingInterop(t *testing.T) {
	ts, _ := newTestTransport(t)

	wsClient := dialWS(t, ts)
	joinWS(t, wsClient, "room1", "socketuser", "tutor")

	// A polling client joins and answers over plain HTTP.
	postSignal(t, ts, `{"action":"join","sessionId":"room1","userId":"polluser","userRole":"student"}`)
	postSignal(t, ts, `{"action":"answer","sessionId":"room1","fromUserId":"polluser","targetUserId":"socketuser","answer":{"sdp":"v=0 b"}}`)

	answer := readUntilType(t, wsClient, "answer")
	if answer["fromUserId"] != "polluser" {
		t.Fatalf("answer from %v, want polluser", answer["fromUserId"])
	}

	// Traffic sent on the socket surfaces in the polling client's mailbox.
	sendFrame(t, wsClient, `{"type":"ice-candidate","targetUserId":"polluser","candidate":{"candidate":"cand"}}`)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := getSignal(t, ts, "action=poll&sessionId=room1&userId=polluser&lastMessageId=0")
		found := false
		for _, raw := range body["messages"].([]any) {
			if raw.(map[string]any)["type"] == "ice-candidate" {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("polling client never saw the socket's candidate")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
