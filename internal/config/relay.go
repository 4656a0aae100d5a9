package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarPort                 = "PORT"
	envVarHost                 = "HOST"
	envVarShutdownTimeout      = "SHUTDOWN_TIMEOUT"
	envVarHeartbeatInterval    = "HEARTBEAT_INTERVAL"
	envVarIdleTimeout          = "IDLE_TIMEOUT"
	envVarIdleSweepInterval    = "IDLE_SWEEP_INTERVAL"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"
	envVarStaticDir            = "STATIC_DIR"

	DefaultPort                 = 8080
	DefaultHost                 = "0.0.0.0"
	DefaultShutdown             = 15 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultIdleSweepInterval    = 30 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 0
	DefaultAllowedOrigins       = "*"
)

// RelayConfig configures cmd/audio-signal-relay.
type RelayConfig struct {
	Logging

	Host            string
	Port            int
	ShutdownTimeout time.Duration

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration

	// MaxMessageBytes caps a single inbound signaling message.
	MaxMessageBytes int64
	// MaxMessagesPerSecond limits inbound messages per peer. <= 0 disables the
	// limit.
	MaxMessagesPerSecond int

	AllowedOrigins []string
	// StaticDir, when set, is served at "/".
	StaticDir string
}

// ListenAddr returns the host:port the relay binds to.
func (c RelayConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	host := envOrDefault(lookup, envVarHost, DefaultHost)
	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return RelayConfig{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return RelayConfig{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return RelayConfig{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, DefaultIdleTimeout)
	if err != nil {
		return RelayConfig{}, err
	}
	idleSweepInterval, err := envDurationOrDefault(lookup, envVarIdleSweepInterval, DefaultIdleSweepInterval)
	if err != nil {
		return RelayConfig{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return RelayConfig{}, err
	}

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	staticDir := envOrDefault(lookup, envVarStaticDir, "")

	fs := flag.NewFlagSet("audio-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	resolveLogging := loggingFlags(fs, lookup)

	fs.StringVar(&host, "host", host, "Listen host (env "+envVarHost+")")
	fs.IntVar(&port, "port", port, "Listen port (env "+envVarPort+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Ping interval for peer connections (env "+envVarHeartbeatInterval+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close peers with no activity for this long (env "+envVarIdleTimeout+")")
	fs.DurationVar(&idleSweepInterval, "idle-sweep-interval", idleSweepInterval, "How often to sweep for idle peers (env "+envVarIdleSweepInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound messages per second per peer, 0 = unlimited (env "+envVarMaxMessagesPerSecond+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated CORS origins, * for any (env "+envVarAllowedOrigins+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served at / (empty = disabled; env "+envVarStaticDir+")")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	logging, err := resolveLogging()
	if err != nil {
		return RelayConfig{}, err
	}

	if port <= 0 || port > 65535 {
		return RelayConfig{}, fmt.Errorf("invalid port %d (expected 1-65535)", port)
	}
	if heartbeatInterval <= 0 {
		return RelayConfig{}, fmt.Errorf("heartbeat interval must be > 0")
	}
	if idleTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("idle timeout must be > 0")
	}
	if idleSweepInterval <= 0 {
		return RelayConfig{}, fmt.Errorf("idle sweep interval must be > 0")
	}
	if maxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("max message bytes must be > 0")
	}

	allowedOrigins := splitCommaSeparated(allowedOriginsStr)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{DefaultAllowedOrigins}
	}

	return RelayConfig{
		Logging:              logging,
		Host:                 host,
		Port:                 port,
		ShutdownTimeout:      shutdownTimeout,
		HeartbeatInterval:    heartbeatInterval,
		IdleTimeout:          idleTimeout,
		IdleSweepInterval:    idleSweepInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		AllowedOrigins:       allowedOrigins,
		StaticDir:            staticDir,
	}, nil
}
