// Package supervisor owns the agent's single session: it feeds relay messages
// to the negotiator, reacts to engine events, restarts the audio pipelines
// after a connection failure, and runs the shutdown sequence.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/negotiator"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/webrtcpeer"
)

const (
	DefaultFailureStopDelay = 2000 * time.Millisecond
	DefaultRestartDelay     = 1000 * time.Millisecond
)

// Pipeline is a capture or playback pipeline.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// Signaling is the agent's relay connection.
type Signaling interface {
	Run(ctx context.Context) error
	Messages() <-chan signaling.Message
	Close() error
}

type Config struct {
	Negotiator *negotiator.Negotiator
	Signaling  Signaling
	Capture    Pipeline
	Playback   Pipeline
	// Events carries engine callbacks. Events without a Peer apply to the
	// current session.
	Events <-chan webrtcpeer.Event

	// FailureStopDelay is the wait between a failed connection and stopping
	// the pipelines; RestartDelay the further wait before capture restarts.
	FailureStopDelay time.Duration
	RestartDelay     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	After   func(time.Duration) <-chan time.Time
}

type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	after func(time.Duration) <-chan time.Time

	shuttingDown atomic.Bool

	// Restart timers; nil when not armed.
	stopTimer  <-chan time.Time
	startTimer <-chan time.Time
}

func New(cfg Config) *Supervisor {
	if cfg.FailureStopDelay <= 0 {
		cfg.FailureStopDelay = DefaultFailureStopDelay
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Supervisor{
		cfg:   cfg,
		log:   log.With("component", "supervisor"),
		after: after,
	}
}

// ShuttingDown reports whether the shutdown sequence has started.
func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown.Load() }

// Run starts capture, connects signaling and runs the orchestration loop
// until ctx is done. The shutdown sequence always runs before Run returns.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startCapture(ctx)

	sigDone := make(chan error, 1)
	go func() { sigDone <- s.cfg.Signaling.Run(ctx) }()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
			s.log.Error("orchestration loop panicked", "panic", r)
		}
		s.shutdown()
		cancel()
		<-sigDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sigDone:
			sigDone <- err
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("signaling stopped: %w", err)
		case msg := <-s.cfg.Signaling.Messages():
			s.handleMessage(ctx, msg)
		case ev := <-s.cfg.Events:
			s.handleEvent(ctx, ev)
		case <-s.stopTimer:
			s.stopTimer = nil
			s.stopPipelines()
			s.startTimer = s.after(s.cfg.RestartDelay)
		case <-s.startTimer:
			s.startTimer = nil
			s.startCapture(ctx)
		}
	}
}

func (s *Supervisor) handleMessage(ctx context.Context, msg signaling.Message) {
	if s.shuttingDown.Load() {
		return
	}
	n := s.cfg.Negotiator
	if msg.Type == signaling.TypeOffer {
		// A new offer after a finished or different session starts over.
		if n.RemotePeerID() != "" && (n.RemotePeerID() != msg.From || n.State() >= negotiator.StateAnswerSent) {
			s.log.Info("new offer, replacing session", "remote_peer_id", msg.From, "previous", n.RemotePeerID(), "state", n.State())
			if err := n.Replace(); err != nil {
				s.log.Warn("closing previous session failed", "err", err)
			}
		}
		s.startCapture(ctx)
	}
	if err := n.Handle(ctx, msg); err != nil {
		s.log.Warn("signaling message failed", "type", msg.Type, "from", msg.From, "err", err)
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev webrtcpeer.Event) {
	n := s.cfg.Negotiator
	if ev.Peer != nil {
		eng, err := n.Engine()
		if err != nil || eng != negotiator.Engine(ev.Peer) {
			s.log.Debug("ignoring event from closed session", "kind", ev.Kind)
			return
		}
	}

	switch ev.Kind {
	case webrtcpeer.EventLocalCandidate:
		if ev.Candidate == nil {
			return
		}
		if _, err := n.SendLocalCandidate(*ev.Candidate); err != nil {
			s.log.Debug("local candidate not sent", "err", err)
		}
	case webrtcpeer.EventConnectionState:
		n.SetConnectionState(ev.State)
		if ev.State == webrtc.PeerConnectionStateFailed && !s.shuttingDown.Load() {
			s.scheduleRestart()
		}
	case webrtcpeer.EventICEConnectionState:
		if ev.ICEState == webrtc.ICEConnectionStateFailed {
			s.log.Warn("ice failed, waiting for the remote peer to restart ice")
		}
	case webrtcpeer.EventTrackStarted:
		if s.shuttingDown.Load() || s.cfg.Playback == nil || s.cfg.Playback.Running() {
			return
		}
		if err := s.cfg.Playback.Start(ctx); err != nil {
			s.log.Error("failed to start playback", "err", err)
		}
	case webrtcpeer.EventTrackEnded:
		if s.cfg.Playback != nil {
			s.cfg.Playback.Stop()
		}
	}
}

func (s *Supervisor) scheduleRestart() {
	if s.stopTimer != nil || s.startTimer != nil {
		return
	}
	s.cfg.Metrics.Inc(metrics.PipelineRestartsScheduled)
	s.log.Warn("peer connection failed, restarting audio", "in", s.cfg.FailureStopDelay)
	s.stopTimer = s.after(s.cfg.FailureStopDelay)
}

// stopPipelines stops both pipelines and drops the failed session so the
// next offer starts from a fresh engine.
func (s *Supervisor) stopPipelines() {
	if s.shuttingDown.Load() {
		return
	}
	s.cfg.Capture.Stop()
	if s.cfg.Playback != nil {
		s.cfg.Playback.Stop()
	}
	if err := s.cfg.Negotiator.Reset(); err != nil {
		s.log.Warn("closing failed session", "err", err)
	}
}

func (s *Supervisor) startCapture(ctx context.Context) {
	if s.shuttingDown.Load() || s.cfg.Capture.Running() {
		return
	}
	if err := s.cfg.Capture.Start(ctx); err != nil {
		s.log.Error("failed to start capture", "err", err)
	}
}

func (s *Supervisor) shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("shutting down")
	s.stopTimer, s.startTimer = nil, nil

	s.cfg.Capture.Stop()
	if s.cfg.Playback != nil {
		s.cfg.Playback.Stop()
	}
	if err := s.cfg.Negotiator.Shutdown(); err != nil {
		s.log.Warn("closing session failed", "err", err)
	}
	if err := s.cfg.Signaling.Close(); err != nil {
		s.log.Debug("closing signaling failed", "err", err)
	}
	s.log.Info("shutdown complete")
}
