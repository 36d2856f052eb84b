package relay

import "time"

type Config struct {
	// ParticipantIdleTimeout is how long a participant may go without any
	// join/relay/poll/pong activity before presence eviction.
	ParticipantIdleTimeout time.Duration

	// MessageRetention bounds how long relay messages stay readable. Older
	// messages are dropped regardless of delivery status.
	MessageRetention time.Duration

	// SessionGracePeriod is how long an empty session survives before the
	// reaper deletes it.
	SessionGracePeriod time.Duration

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int

	// MaxParticipantsPerSession caps the participant set per session. Zero
	// means unlimited.
	MaxParticipantsPerSession int

	// SubscriberBuffer is the per-subscriber push channel depth. Messages to a
	// subscriber whose buffer is full are dropped (delivery is best-effort).
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		ParticipantIdleTimeout: 30 * time.Second,
		MessageRetention:       5 * time.Minute,
		SessionGracePeriod:     60 * time.Second,
		SubscriberBuffer:       64,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults. MaxSessions and MaxParticipantsPerSession stay as-is: zero means
// unlimited.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ParticipantIdleTimeout <= 0 {
		c.ParticipantIdleTimeout = d.ParticipantIdleTimeout
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = d.MessageRetention
	}
	if c.SessionGracePeriod <= 0 {
		c.SessionGracePeriod = d.SessionGracePeriod
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}
