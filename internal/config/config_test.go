package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel=%v, want info", cfg.LogLevel)
	}
	if cfg.ParticipantIdleTimeout != 30*time.Second {
		t.Errorf("ParticipantIdleTimeout=%v, want 30s", cfg.ParticipantIdleTimeout)
	}
	if cfg.MessageRetention != 5*time.Minute {
		t.Errorf("MessageRetention=%v, want 5m", cfg.MessageRetention)
	}
	if cfg.MaxSessions != 0 || cfg.MaxParticipantsPerSession != 0 {
		t.Errorf("quotas should default to unlimited: %+v", cfg)
	}
	if cfg.AllowedOrigins != nil {
		t.Errorf("AllowedOrigins=%v, want open", cfg.AllowedOrigins)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"SIGNALING_RELAY_LISTEN_ADDR": "0.0.0.0:9090",
		"SIGNALING_RELAY_LOG_FORMAT":  "json",
		"SIGNALING_RELAY_LOG_LEVEL":   "debug",
		"PARTICIPANT_IDLE_TIMEOUT":    "45s",
		"MESSAGE_RETENTION":           "2m",
		"SESSION_GRACE_PERIOD":        "5s",
		"MAX_SESSIONS":                "10",
		"ALLOWED_ORIGINS":             "https://app.example.com, http://localhost:3000",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Errorf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log config: %+v", cfg)
	}
	if cfg.ParticipantIdleTimeout != 45*time.Second {
		t.Errorf("ParticipantIdleTimeout=%v", cfg.ParticipantIdleTimeout)
	}
	if cfg.MessageRetention != 2*time.Minute {
		t.Errorf("MessageRetention=%v", cfg.MessageRetention)
	}
	if cfg.MaxSessions != 10 {
		t.Errorf("MaxSessions=%d", cfg.MaxSessions)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"SIGNALING_RELAY_LISTEN_ADDR": "0.0.0.0:9090",
	}), []string{"-listen-addr", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []map[string]string{
		{"SIGNALING_RELAY_LOG_FORMAT": "xml"},
		{"SIGNALING_RELAY_LOG_LEVEL": "loud"},
		{"PARTICIPANT_IDLE_TIMEOUT": "soon"},
		{"MAX_SESSIONS": "many"},
		{"ALLOWED_ORIGINS": "ftp://example.com"},
	}
	for _, env := range cases {
		if _, err := load(lookupFrom(env), nil); err == nil {
			t.Errorf("load with %v: expected error", env)
		}
	}
}

func TestLoad_WildcardOriginsMeanOpen(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"ALLOWED_ORIGINS": "*"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AllowedOrigins != nil {
		t.Errorf("AllowedOrigins=%v, want nil (open)", cfg.AllowedOrigins)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%s) returned nil", format)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
