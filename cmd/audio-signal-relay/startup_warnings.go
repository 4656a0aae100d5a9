package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: ALLOWED_ORIGINS contains '*' while --mode=prod (any website can open /ws)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup warning: MAX_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup warning: MAX_MESSAGE_BYTES is very large (SDP payloads are a few KiB)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	// Pongs refresh activity, so a peer is only swept if it missed at least
	// one heartbeat.
	if cfg.IdleTimeout <= cfg.HeartbeatInterval {
		logger.Warn("startup warning: IDLE_TIMEOUT <= HEARTBEAT_INTERVAL disconnects quiet but healthy peers",
			"warning_code", "idle_timeout_below_heartbeat",
			"idle_timeout", cfg.IdleTimeout,
			"heartbeat_interval", cfg.HeartbeatInterval,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
