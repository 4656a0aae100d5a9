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
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/negotiator"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/pipeline"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/sigclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/supervisor"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/webrtcpeer"
)

const eventQueue = 64

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
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

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.AgentConfig, logger *slog.Logger) error {
	dialURL, err := cfg.SignalingDialURL()
	if err != nil {
		return err
	}

	logger.Info("starting audio-bridge-agent",
		"signaling_url", cfg.SignalingURL,
		"peer_id", cfg.PeerID,
		"capture_device", cfg.CaptureDevice,
		"playback_device", cfg.PlaybackDevice,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"ice_servers", describeICEServers(cfg.ICEServers),
	)

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if cfg.MetricsListenAddr != "" {
		shutdownMetrics, err := serveMetrics(cfg.MetricsListenAddr, m, logger)
		if err != nil {
			return err
		}
		defer shutdownMetrics()
	}

	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.APIOptions{Logger: logger})
	if err != nil {
		return err
	}

	// Without an encoder the agent still answers and plays browser audio.
	track, err := webrtcpeer.NewOutboundTrack(cfg.SampleRate, cfg.Channels)
	if err != nil {
		logger.Warn("outbound audio disabled", "err", err)
		track = nil
	}

	playback, err := pipeline.NewPlayback(pipeline.PlaybackConfig{
		Path:       cfg.AplayBin,
		Device:     cfg.PlaybackDevice,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	captureCfg := pipeline.CaptureConfig{
		Path:       cfg.ArecordBin,
		Device:     cfg.CaptureDevice,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Logger:     logger,
		Metrics:    m,
	}
	if track != nil {
		captureCfg.Sink = track
	}
	capture, err := pipeline.NewCapture(captureCfg)
	if err != nil {
		return err
	}

	client := sigclient.New(sigclient.Config{
		URL:            dialURL,
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Metrics:        m,
	})

	events := make(chan webrtcpeer.Event, eventQueue)
	neg := negotiator.New(negotiator.Config{
		Factory: func() (negotiator.Engine, error) {
			peer, err := webrtcpeer.NewPeer(api, webrtcpeer.PeerConfig{
				ICEServers: cfg.ICEServers,
				Track:      track,
				SampleRate: cfg.SampleRate,
				Channels:   cfg.Channels,
				OnPCM: func(pcm []byte) {
					if err := playback.WritePCM(pcm); err != nil {
						logger.Debug("playback write failed", "err", err)
					}
				},
				Events:  events,
				Logger:  logger,
				Metrics: m,
			})
			if err != nil {
				return nil, err
			}
			return peer, nil
		},
		Sender:               client,
		ICEGatherTimeout:     cfg.ICEGatherTimeout,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		Logger:               logger,
		Metrics:              m,
	})

	sup := supervisor.New(supervisor.Config{
		Negotiator: neg,
		Signaling:  client,
		Capture:    capture,
		Playback:   playback,
		Events:     events,
		Logger:     logger,
		Metrics:    m,
	})
	return sup.Run(ctx)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
