// Command bridge-server-go runs the signaling relay together with an
// in-process agent for browser E2E tests. The agent sends a 440Hz tone
// instead of reading a microphone and counts the PCM it receives instead of
// playing it. It prints "READY <port>" once the relay accepts connections.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/negotiator"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/sigclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/supervisor"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/webrtcpeer"
)

const (
	sampleRate = 48000
	channels   = 1
	toneHz     = 440
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	peerID := envOrDefault("PEER_ID", "raspi-1")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if os.Getenv("QUIET") != "" {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	relayCfg := config.RelayConfig{
		Logging:           config.Logging{Mode: config.ModeDev, LogFormat: config.LogFormatText, LogLevel: slog.LevelInfo},
		Host:              bindHost,
		ShutdownTimeout:   2 * time.Second,
		HeartbeatInterval: config.DefaultHeartbeatInterval,
		IdleTimeout:       config.DefaultIdleTimeout,
		IdleSweepInterval: config.DefaultIdleSweepInterval,
		MaxMessageBytes:   config.DefaultMaxMessageBytes,
		// Accept all origins for E2E.
		AllowedOrigins: []string{"*"},
	}

	m := metrics.New()
	registry := signaling.NewRegistry(signaling.RegistryConfig{
		Logger:            logger,
		Metrics:           m,
		HeartbeatInterval: relayCfg.HeartbeatInterval,
		IdleTimeout:       relayCfg.IdleTimeout,
		IdleSweepInterval: relayCfg.IdleSweepInterval,
	})
	srv := httpserver.New(relayCfg, logger, httpserver.BuildInfo{Commit: "e2e"}, httpserver.Deps{Peers: registry, Metrics: m})
	sig := signaling.NewServer(signaling.Config{
		Registry:        registry,
		Logger:          logger,
		Metrics:         m,
		MaxMessageBytes: relayCfg.MaxMessageBytes,
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

	actualPort := ln.Addr().(*net.TCPAddr).Port

	agentDone := make(chan error, 1)
	go func() {
		agentDone <- runAgent(ctx, logger, m, fmt.Sprintf("ws://127.0.0.1:%d/ws?id=%s", actualPort, peerID))
	}()

	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
	case err := <-agentDone:
		if err != nil {
			fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		}
		stop()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	sig.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), relayCfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-errCh
}

func runAgent(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, url string) error {
	api, err := webrtcpeer.NewAPI(config.AgentConfig{}, webrtcpeer.APIOptions{Logger: logger})
	if err != nil {
		return err
	}
	track, err := webrtcpeer.NewOutboundTrack(sampleRate, channels)
	if err != nil {
		return err
	}

	playback := &countingPlayback{log: logger}
	capture := &toneCapture{sink: track}

	client := sigclient.New(sigclient.Config{URL: url, Logger: logger, Metrics: m})
	events := make(chan webrtcpeer.Event, 64)
	neg := negotiator.New(negotiator.Config{
		Factory: func() (negotiator.Engine, error) {
			peer, err := webrtcpeer.NewPeer(api, webrtcpeer.PeerConfig{
				Track:      track,
				SampleRate: sampleRate,
				Channels:   channels,
				OnPCM:      playback.write,
				Events:     events,
				Logger:     logger,
				Metrics:    m,
			})
			if err != nil {
				return nil, err
			}
			return peer, nil
		},
		Sender:  client,
		Logger:  logger,
		Metrics: m,
	})

	return supervisor.New(supervisor.Config{
		Negotiator: neg,
		Signaling:  client,
		Capture:    capture,
		Playback:   playback,
		Events:     events,
		Logger:     logger,
		Metrics:    m,
	}).Run(ctx)
}

// toneCapture produces 10ms frames of a sine tone in real time.
type toneCapture struct {
	sink interface{ WriteFrame(audio.Frame) error }

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *toneCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

func (c *toneCapture) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	samples := audio.CaptureFrameSamples(sampleRate)
	ticker := time.NewTicker(audio.CaptureFrameMillis * time.Millisecond)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * toneHz / sampleRate
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pcm := make([]int16, samples*channels)
		for i := 0; i < samples; i++ {
			v := int16(math.Sin(phase) * 8000)
			for ch := 0; ch < channels; ch++ {
				pcm[i*channels+ch] = v
			}
			phase += step
		}
		phase = math.Mod(phase, 2*math.Pi)
		_ = c.sink.WriteFrame(audio.Frame{
			SampleRate:  sampleRate,
			Channels:    channels,
			SampleCount: samples,
			Payload:     audio.SamplesToBytes(pcm),
		})
	}
}

func (c *toneCapture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *toneCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// countingPlayback discards inbound PCM and logs a running total once per
// second of audio.
type countingPlayback struct {
	log     *slog.Logger
	running atomic.Bool
	bytes   atomic.Uint64
}

func (p *countingPlayback) Start(context.Context) error {
	p.running.Store(true)
	return nil
}

func (p *countingPlayback) Stop() { p.running.Store(false) }

func (p *countingPlayback) Running() bool { return p.running.Load() }

func (p *countingPlayback) write(pcm []byte) {
	const perSecond = sampleRate * channels * audio.BytesPerSample
	before := p.bytes.Load()
	after := p.bytes.Add(uint64(len(pcm)))
	if before/perSecond != after/perSecond {
		p.log.Info("received browser audio", "seconds", after/perSecond)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
