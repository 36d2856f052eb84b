package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tutorbridge/signaling-relay/internal/metrics"
	"github.com/tutorbridge/signaling-relay/internal/ratelimit"
)

// Registry is the single authority for session existence. It maps session
// identifiers (opaque strings chosen by clients) to live session state.
type Registry struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(cfg Config, m *metrics.Metrics, clock ratelimit.Clock) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		cfg:      cfg.WithDefaults(),
		metrics:  m,
		clock:    clock,
		sessions: make(map[string]*session),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// getOrCreate returns the live session for id, creating it if absent.
func (r *Registry) getOrCreate(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.metrics.Inc(metrics.DropReasonTooManySessions)
		return nil, ErrTooManySessions
	}
	sess := newSessionState(id, r.clock.Now())
	r.sessions[id] = sess
	r.metrics.Inc(metrics.SessionsCreated)
	return sess, nil
}

func (r *Registry) get(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Join upserts (sessionID, userID) into the session's participant set,
// creating the session if needed. A duplicate join overwrites the previous
// entry rather than appending.
//
// Join also writes the two-way introductions into the message log: a
// user-joined broadcast announcing the newcomer, and one targeted user-joined
// per pre-existing participant so the newcomer can discover who was already
// there. The returned cursor is the log position just before those
// introductions; polling or subscribing from it yields exactly the
// introductions plus anything later.
func (r *Registry) Join(sessionID, userID, role string) (SessionSnapshot, int64, error) {
	if sessionID == "" {
		return SessionSnapshot{}, 0, fmt.Errorf("%w: missing sessionId", ErrInvalidRequest)
	}
	if userID == "" {
		return SessionSnapshot{}, 0, fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}

	for {
		sess, err := r.getOrCreate(sessionID)
		if err != nil {
			return SessionSnapshot{}, 0, err
		}

		sess.mu.Lock()
		if sess.gone {
			// Lost a race with the reaper; the id is free again.
			sess.mu.Unlock()
			continue
		}

		_, rejoin := sess.participants[userID]
		if !rejoin && r.cfg.MaxParticipantsPerSession > 0 && len(sess.participants) >= r.cfg.MaxParticipantsPerSession {
			sess.mu.Unlock()
			r.metrics.Inc(metrics.DropReasonSessionFull)
			return SessionSnapshot{}, 0, ErrSessionFull
		}

		now := r.clock.Now()
		cursor := sess.nextSeq

		existing := make([]*Participant, 0, len(sess.participants))
		for id, p := range sess.participants {
			if id != userID {
				existing = append(existing, p)
			}
		}

		sess.participants[userID] = &Participant{
			UserID:   userID,
			Role:     role,
			JoinedAt: now,
			LastSeen: now,
		}
		sess.emptySince = time.Time{}

		sess.appendLocked(r, now, MessageTypeUserJoined, userID, "", presenceBody(userID, role))
		for _, p := range existing {
			sess.appendLocked(r, now, MessageTypeUserJoined, p.UserID, userID, presenceBody(p.UserID, p.Role))
		}

		snap := sess.snapshotLocked()
		sess.mu.Unlock()

		r.metrics.Inc(metrics.ParticipantsJoined)
		return snap, cursor, nil
	}
}

// Leave removes the participant and broadcasts user-left. Leaving a session
// or participant that does not exist is a no-op.
func (r *Registry) Leave(sessionID, userID string) {
	sess, ok := r.get(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	p, ok := sess.participants[userID]
	if !ok {
		return
	}
	delete(sess.participants, userID)
	r.metrics.Inc(metrics.ParticipantsLeft)
	sess.appendLocked(r, r.clock.Now(), MessageTypeUserLeft, p.UserID, "", presenceBody(p.UserID, p.Role))

	if len(sess.participants) == 0 {
		sess.emptySince = r.clock.Now()
	}
}

// Touch refreshes the participant's last-seen timestamp. It reports whether
// the participant was present.
func (r *Registry) Touch(sessionID, userID string) bool {
	sess, ok := r.get(sessionID)
	if !ok {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	p, ok := sess.participants[userID]
	if !ok {
		return false
	}
	p.LastSeen = r.clock.Now()
	return true
}

// Snapshot returns the session's presence and message count, evicting idle
// participants first (the opportunistic half of the presence reaper).
func (r *Registry) Snapshot(sessionID string) (SessionSnapshot, bool) {
	sess, ok := r.get(sessionID)
	if !ok {
		return SessionSnapshot{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.evictIdleLocked(r, r.clock.Now())
	return sess.snapshotLocked(), true
}

// Post appends a relay message. The payload passes through opaquely; the
// relay never inspects SDP or ICE candidate contents. Posting into a session
// with zero participants still succeeds (the message simply expires unread),
// but the session itself must exist.
func (r *Registry) Post(sessionID string, typ MessageType, from, target string, payload json.RawMessage) (Message, error) {
	if sessionID == "" {
		return Message{}, fmt.Errorf("%w: missing sessionId", ErrInvalidRequest)
	}
	if from == "" {
		return Message{}, fmt.Errorf("%w: missing fromUserId", ErrInvalidRequest)
	}
	if !typ.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}

	sess, ok := r.get(sessionID)
	if !ok {
		return Message{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := r.clock.Now()
	if p, ok := sess.participants[from]; ok {
		p.LastSeen = now
	}
	return sess.appendLocked(r, now, typ, from, target, payload), nil
}

// Poll returns, in insertion order, the messages newer than the caller's
// cursor that are addressed to userID (broadcast or targeted at them,
// excluding their own), plus a live participant snapshot so polling clients
// can reconcile presence even if they missed a join/leave event.
func (r *Registry) Poll(sessionID, userID string, since int64) ([]Message, SessionSnapshot, error) {
	if sessionID == "" {
		return nil, SessionSnapshot{}, fmt.Errorf("%w: missing sessionId", ErrInvalidRequest)
	}
	if userID == "" {
		return nil, SessionSnapshot{}, fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}

	sess, ok := r.get(sessionID)
	if !ok {
		return nil, SessionSnapshot{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := r.clock.Now()
	if p, ok := sess.participants[userID]; ok {
		p.LastSeen = now
	}

	var out []Message
	for _, m := range sess.log {
		if m.Seq <= since || !m.visibleTo(userID) || m.expiredAt(now, r.cfg.MessageRetention) {
			continue
		}
		out = append(out, m)
	}
	return out, sess.snapshotLocked(), nil
}

// Subscribe attaches a push subscriber for userID, first replaying the
// backlog newer than since through the same visibility filter as Poll. The
// replay and attach happen atomically under the session lock, so a message is
// delivered either from the backlog or live, never both.
func (r *Registry) Subscribe(sessionID, userID string, since int64) (*Subscriber, error) {
	sess, ok := r.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.gone {
		return nil, ErrSessionNotFound
	}

	sub := &Subscriber{
		userID: userID,
		sess:   sess,
		ch:     make(chan Message, r.cfg.SubscriberBuffer),
	}

	now := r.clock.Now()
	for _, m := range sess.log {
		if m.Seq <= since || !m.visibleTo(userID) || m.expiredAt(now, r.cfg.MessageRetention) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			r.metrics.Inc(metrics.MessagesDroppedSlowSubscriber)
		}
	}
	sess.subs[sub] = struct{}{}
	return sub, nil
}

// Sweep runs one reaper pass: evict idle participants, drop expired
// messages, and delete sessions that have been empty past the grace period.
// Subscribers of a deleted session are closed so socket transports shut the
// connection down.
func (r *Registry) Sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	live := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		live = append(live, sess)
	}
	r.mu.Unlock()

	for _, sess := range live {
		sess.mu.Lock()
		sess.evictIdleLocked(r, now)
		sess.pruneExpiredLocked(r, now)
		expired := sess.expiredLocked(now, r.cfg.SessionGracePeriod)
		if expired {
			sess.gone = true
			sess.closeSubscribersLocked()
		}
		sess.mu.Unlock()

		if !expired {
			continue
		}
		r.mu.Lock()
		if r.sessions[sess.id] == sess {
			delete(r.sessions, sess.id)
		}
		r.mu.Unlock()
		r.metrics.Inc(metrics.SessionsReaped)
	}
}
