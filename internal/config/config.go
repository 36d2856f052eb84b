package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/tutorbridge/signaling-relay/internal/relay"
)

const (
	envVarListenAddr      = "SIGNALING_RELAY_LISTEN_ADDR"
	envVarLogFormat       = "SIGNALING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNALING_RELAY_LOG_LEVEL"
	envVarLogFile         = "SIGNALING_RELAY_LOG_FILE"
	envVarShutdownTimeout = "SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Core presence/retention knobs.
	envVarParticipantIdleTimeout    = "PARTICIPANT_IDLE_TIMEOUT"
	envVarMessageRetention          = "MESSAGE_RETENTION"
	envVarSessionGracePeriod        = "SESSION_GRACE_PERIOD"
	envVarReaperInterval            = "REAPER_INTERVAL"
	envVarMaxSessions               = "MAX_SESSIONS"
	envVarMaxParticipantsPerSession = "MAX_PARTICIPANTS_PER_SESSION"

	// WebSocket transport hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout                 = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "SIGNALING_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultParticipantIdleTimeout = 30 * time.Second
	DefaultMessageRetention       = 5 * time.Minute
	DefaultSessionGracePeriod     = 60 * time.Second
	DefaultReaperInterval         = 10 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 20 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         string
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts browser origins when non-empty. An empty list
	// (the default) leaves CORS fully open; identity verification is the host
	// application's responsibility either way.
	AllowedOrigins []string

	ParticipantIdleTimeout    time.Duration
	MessageRetention          time.Duration
	SessionGracePeriod        time.Duration
	ReaperInterval            time.Duration
	MaxSessions               int
	MaxParticipantsPerSession int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration
}

// RelayConfig maps the relevant knobs onto the signaling core's config.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		ParticipantIdleTimeout:    c.ParticipantIdleTimeout,
		MessageRetention:          c.MessageRetention,
		SessionGracePeriod:        c.SessionGracePeriod,
		MaxSessions:               c.MaxSessions,
		MaxParticipantsPerSession: c.MaxParticipantsPerSession,
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		LogFile:         envOrDefault(lookup, envVarLogFile, ""),
		ShutdownTimeout: DefaultShutdownTimeout,

		ParticipantIdleTimeout: DefaultParticipantIdleTimeout,
		MessageRetention:       DefaultMessageRetention,
		SessionGracePeriod:     DefaultSessionGracePeriod,
		ReaperInterval:         DefaultReaperInterval,

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		WSIdleTimeout:                 DefaultWSIdleTimeout,
		WSPingInterval:                DefaultWSPingInterval,
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText))); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info")); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, "")); err != nil {
		return Config{}, err
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarParticipantIdleTimeout, &cfg.ParticipantIdleTimeout},
		{envVarMessageRetention, &cfg.MessageRetention},
		{envVarSessionGracePeriod, &cfg.SessionGracePeriod},
		{envVarReaperInterval, &cfg.ReaperInterval},
		{envVarWSIdleTimeout, &cfg.WSIdleTimeout},
		{envVarWSPingInterval, &cfg.WSPingInterval},
	} {
		if err := envDuration(lookup, d.name, d.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.MaxSessions, err = envIntOrDefault(lookup, envVarMaxSessions, 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxParticipantsPerSession, err = envIntOrDefault(lookup, envVarMaxParticipantsPerSession, 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)

	fs := flag.NewFlagSet("signaling-relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address (overrides "+envVarListenAddr+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NewLogger builds the process logger. With LogFile set, output goes through
// a size-rotated file instead of stdout.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), name, def string) string {
	if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envDuration(lookup func(string) (string, bool), name string, dst *time.Duration) error {
	raw, ok := lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

func envIntOrDefault(lookup func(string) (string, bool), name string, def int) (int, error) {
	raw, ok := lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return n, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected text or json)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

// parseAllowedOrigins accepts a comma-separated origin list. "*" (or an empty
// value) keeps the relay open to any origin.
func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		o := strings.TrimSpace(part)
		if o == "" {
			continue
		}
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return nil, fmt.Errorf("invalid %s entry %q (expected scheme://host[:port] or *)", envVarAllowedOrigins, o)
		}
		if o == "*" {
			return nil, nil
		}
		out = append(out, strings.TrimSuffix(strings.ToLower(o), "/"))
	}
	return out, nil
}
