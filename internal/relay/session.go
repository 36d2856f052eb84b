package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorbridge/signaling-relay/internal/metrics"
)

// Participant is one user's presence record within a session.
type Participant struct {
	UserID   string    `json:"userId"`
	Role     string    `json:"userRole"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// SessionSnapshot is a read-only view of a session's presence and log size.
type SessionSnapshot struct {
	SessionID    string                 `json:"sessionId"`
	Participants map[string]Participant `json:"participants"`
	MessageCount int                    `json:"messageCount"`
}

// session owns all mutable state for one signaling session. Every mutation
// happens under mu; sessions are independent of each other.
type session struct {
	id string

	mu           sync.Mutex
	gone         bool // set once the reaper has removed this session
	participants map[string]*Participant
	log          []Message
	nextSeq      int64
	emptySince   time.Time // non-zero while the participant set is empty
	subs         map[*Subscriber]struct{}
}

func newSessionState(id string, now time.Time) *session {
	return &session{
		id:           id,
		participants: make(map[string]*Participant),
		subs:         make(map[*Subscriber]struct{}),
		emptySince:   now,
	}
}

func (s *session) snapshotLocked() SessionSnapshot {
	out := SessionSnapshot{
		SessionID:    s.id,
		Participants: make(map[string]Participant, len(s.participants)),
		MessageCount: len(s.log),
	}
	for id, p := range s.participants {
		out.Participants[id] = *p
	}
	return out
}

// appendLocked assigns the next sequence number, stores the message, and
// pushes it to matching subscribers. Expired messages are pruned first so log
// growth stays bounded by write traffic.
func (s *session) appendLocked(r *Registry, now time.Time, typ MessageType, from, target string, payload []byte) Message {
	s.pruneExpiredLocked(r, now)

	s.nextSeq++
	m := Message{
		Seq:       s.nextSeq,
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		Target:    target,
		Payload:   payload,
		Timestamp: now,
	}
	s.log = append(s.log, m)
	r.metrics.Inc(metrics.MessagesPosted)

	for sub := range s.subs {
		if !m.visibleTo(sub.userID) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			r.metrics.Inc(metrics.MessagesDroppedSlowSubscriber)
		}
	}
	return m
}

func (s *session) pruneExpiredLocked(r *Registry, now time.Time) {
	cut := 0
	for cut < len(s.log) && s.log[cut].expiredAt(now, r.cfg.MessageRetention) {
		cut++
	}
	if cut == 0 {
		return
	}
	s.log = append([]Message(nil), s.log[cut:]...)
	r.metrics.Add(metrics.MessagesExpired, uint64(cut))
}

// evictIdleLocked removes participants whose last activity is older than the
// idle timeout and announces each removal as a user-left broadcast.
func (s *session) evictIdleLocked(r *Registry, now time.Time) {
	for id, p := range s.participants {
		if now.Sub(p.LastSeen) <= r.cfg.ParticipantIdleTimeout {
			continue
		}
		delete(s.participants, id)
		r.metrics.Inc(metrics.ParticipantsEvicted)
		s.appendLocked(r, now, MessageTypeUserLeft, p.UserID, "", presenceBody(p.UserID, p.Role))
	}
	if len(s.participants) == 0 && s.emptySince.IsZero() {
		s.emptySince = now
	}
}

func (s *session) expiredLocked(now time.Time, grace time.Duration) bool {
	return len(s.participants) == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) > grace
}

// closeSubscribersLocked detaches and closes every subscriber. Safe against
// concurrent appends because both run under mu.
func (s *session) closeSubscribersLocked() {
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.closeChannel()
	}
}
