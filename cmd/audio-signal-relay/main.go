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

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting audio-signal-relay",
		"listen_addr", cfg.ListenAddr(),
		"mode", cfg.Mode,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"idle_timeout", cfg.IdleTimeout,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"static_dir", cfg.StaticDir,
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	registry := signaling.NewRegistry(signaling.RegistryConfig{
		Logger:               logger,
		Metrics:              m,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		IdleTimeout:          cfg.IdleTimeout,
		IdleSweepInterval:    cfg.IdleSweepInterval,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Peers:   registry,
		Metrics: m,
	})
	sig := signaling.NewServer(signaling.Config{
		Registry:        registry,
		Logger:          logger,
		Metrics:         m,
		MaxMessageBytes: cfg.MaxMessageBytes,
		CheckOrigin:     srv.Origins().CheckOrigin,
	})
	sig.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Peers get a going-away close before the listener drains; hijacked
	// WebSocket connections are not tracked by http.Server.Shutdown.
	sig.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped", "total_connections", registry.Stats().TotalConnections, "total_messages", registry.Stats().TotalMessages)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
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
