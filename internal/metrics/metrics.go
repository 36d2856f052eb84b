package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; they
// are exposed as the `event` label of a single Prometheus counter.
const (
	SessionsCreated = "sessions_created"
	SessionsReaped  = "sessions_reaped"

	ParticipantsJoined  = "participants_joined"
	ParticipantsLeft    = "participants_left"
	ParticipantsEvicted = "participants_evicted"

	MessagesPosted  = "messages_posted"
	MessagesExpired = "messages_expired"

	// MessagesDroppedSlowSubscriber counts push deliveries skipped because a
	// WebSocket subscriber's buffer was full. Delivery is best-effort within
	// the retention window, so this is a drop counter rather than an error.
	MessagesDroppedSlowSubscriber = "messages_dropped_slow_subscriber"

	WSConnectionsOpened = "ws_connections_opened"
	WSConnectionsClosed = "ws_connections_closed"

	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
	DropReasonSessionFull     = "session_full"
	DropReasonBadMessage      = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to be scraped via the Prometheus text handler; this
// type keeps the core logic testable without a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
