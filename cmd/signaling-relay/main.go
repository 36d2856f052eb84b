package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/tutorbridge/signaling-relay/internal/config"
	"github.com/tutorbridge/signaling-relay/internal/httpserver"
	"github.com/tutorbridge/signaling-relay/internal/metrics"
	"github.com/tutorbridge/signaling-relay/internal/relay"
	"github.com/tutorbridge/signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"participant_idle_timeout", cfg.ParticipantIdleTimeout,
		"message_retention", cfg.MessageRetention,
		"session_grace_period", cfg.SessionGracePeriod,
		"reaper_interval", cfg.ReaperInterval,
		"max_sessions", cfg.MaxSessions,
		"max_participants_per_session", cfg.MaxParticipantsPerSession,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	registry := relay.NewRegistry(cfg.RelayConfig(), m, nil)

	sig := signaling.NewServer(signaling.Config{
		Registry:          registry,
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:       cfg.WSIdleTimeout,
		PingInterval:      cfg.WSPingInterval,
		Logger:            logger,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := relay.NewReaper(registry, cfg.ReaperInterval, logger)
	go reaper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	// The relay trusts whatever session and user identifiers clients present.
	// Authentication belongs to the application that embeds it.
	logger.Warn("signaling identities are client-asserted; deploy behind an authenticating frontend")
	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("ALLOWED_ORIGINS is unset; browser clients from any origin may connect")
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
