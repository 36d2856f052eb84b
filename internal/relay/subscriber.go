package relay

import "sync"

// Subscriber receives push delivery of the messages a poll by the same user
// would return. The WebSocket transport owns one per connection.
//
// The channel is closed when the subscriber is closed or when the session is
// reaped; receivers should treat channel close as "session gone".
type Subscriber struct {
	userID string
	sess   *session
	ch     chan Message
	once   sync.Once
}

// C is the delivery channel. Messages arrive in log order.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Close detaches the subscriber and closes its channel. Safe to call more
// than once and concurrently with session writes.
func (s *Subscriber) Close() {
	s.sess.mu.Lock()
	delete(s.sess.subs, s)
	s.closeChannel()
	s.sess.mu.Unlock()
}

// closeChannel must run under the session lock so it cannot race a push in
// appendLocked.
func (s *Subscriber) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
