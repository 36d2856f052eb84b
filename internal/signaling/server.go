package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tutorbridge/signaling-relay/internal/ratelimit"
	"github.com/tutorbridge/signaling-relay/internal/relay"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *relay.Registry

	// AllowedOrigins restricts WebSocket upgrades when non-empty. The polling
	// API's CORS policy is enforced by the outer httpserver middleware.
	AllowedOrigins []string

	// WebSocket inbound hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration

	Logger *slog.Logger
	Clock  ratelimit.Clock
}

// Server implements both signaling transports on top of one relay.Registry.
//
// Endpoints:
//   - POST /signal            : action=join|leave|offer|answer|ice-candidate
//   - GET  /signal            : action=poll|session
//   - GET  /ws                : WebSocket with the same action vocabulary
type Server struct {
	registry *relay.Registry

	allowedOrigins    []string
	maxMessageBytes   int64
	messagesPerSecond int
	idleTimeout       time.Duration
	pingInterval      time.Duration

	log   *slog.Logger
	clock ratelimit.Clock
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry:          cfg.Registry,
		allowedOrigins:    cfg.AllowedOrigins,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,
		log:               cfg.Logger,
		clock:             cfg.Clock,
	}
	if s.registry == nil {
		s.registry = relay.NewRegistry(relay.Config{}, nil, nil)
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.messagesPerSecond <= 0 {
		s.messagesPerSecond = 50
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 20 * time.Second
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSignalPost(w, r)
	case http.MethodGet:
		s.handleSignalGet(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSignalPost(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action := req.Action
	if action == "" {
		action = r.URL.Query().Get("action")
	}

	switch action {
	case actionJoin:
		s.handleJoin(w, req)
	case actionLeave:
		s.handleLeave(w, req)
	case actionOffer, actionAnswer, actionICECandidate:
		s.handleRelay(w, action, req)
	case "":
		writeError(w, http.StatusBadRequest, "missing action")
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(action))
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, req signalRequest) {
	snap, _, err := s.registry.Join(req.SessionID, req.UserID, req.UserRole)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		Success:      true,
		SessionID:    snap.SessionID,
		Participants: snap.Participants,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, req signalRequest) {
	if req.SessionID == "" || req.from() == "" {
		writeError(w, http.StatusBadRequest, "missing sessionId or userId")
		return
	}
	s.registry.Leave(req.SessionID, req.from())
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleRelay(w http.ResponseWriter, action string, req signalRequest) {
	typ, ok := relayTypeFor(action)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(action))
		return
	}
	payload := req.payloadFor(action)
	if payload == nil {
		writeError(w, http.StatusBadRequest, "missing "+action+" payload")
		return
	}

	from := req.from()
	s.registry.Touch(req.SessionID, from)
	if _, err := s.registry.Post(req.SessionID, typ, from, req.Target, payload); err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleSignalGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch action := q.Get("action"); action {
	case actionPoll:
		s.handlePoll(w, r)
	case actionSession:
		s.handleSession(w, r)
	case "":
		writeError(w, http.StatusBadRequest, "missing action")
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(action))
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	userID := q.Get("userId")

	var since int64
	if raw := q.Get("lastMessageId"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid lastMessageId")
			return
		}
		since = n
	}

	msgs, snap, err := s.registry.Poll(sessionID, userID, since)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	if msgs == nil {
		msgs = []relay.Message{}
	}
	writeJSON(w, http.StatusOK, pollResponse{
		Success:      true,
		Messages:     msgs,
		Participants: snap.Participants,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing sessionId")
		return
	}
	snap, ok := s.registry.Snapshot(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:      true,
		SessionID:    snap.SessionID,
		Participants: snap.Participants,
		MessageCount: snap.MessageCount,
	})
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest), errors.Is(err, relay.ErrUnknownMessageType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, relay.ErrTooManySessions), errors.Is(err, relay.ErrSessionFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
