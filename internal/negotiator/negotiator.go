// Package negotiator drives the answering side of a non-trickle WebRTC
// offer/answer exchange over the signaling relay.
//
// A Negotiator is not safe for concurrent use. The agent's supervisor loop is
// its only caller.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
)

const DefaultICEGatherTimeout = 15 * time.Second

var (
	ErrNoSession     = errors.New("no negotiation session")
	ErrShuttingDown  = errors.New("negotiator shutting down")
	ErrUnexpectedMsg = errors.New("unexpected signaling message")
)

type State int

const (
	StateIdle State = iota
	StateOfferReceived
	StateAnsweringICEGathering
	StateAnswerSent
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferReceived:
		return "offer_received"
	case StateAnsweringICEGathering:
		return "answering_ice_gathering"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Engine is the subset of a peer connection the negotiator drives.
type Engine interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	// GatheringComplete must be obtained before SetLocalDescription; the
	// returned channel is closed once ICE gathering finishes.
	GatheringComplete() <-chan struct{}
	Close() error
}

// EngineFactory creates the engine for a new session.
type EngineFactory func() (Engine, error)

// Sender delivers messages to the relay.
type Sender interface {
	Send(msg signaling.Message) error
	Connected() bool
}

type Config struct {
	Factory EngineFactory
	Sender  Sender

	ICEGatherTimeout time.Duration
	// MaxPendingCandidates bounds candidates queued before a remote
	// description exists. <= 0 means unbounded; when full the oldest entry
	// is dropped.
	MaxPendingCandidates int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// After replaces time.After for the gathering wait.
	After func(time.Duration) <-chan time.Time
}

type Negotiator struct {
	cfg   Config
	log   *slog.Logger
	after func(time.Duration) <-chan time.Time

	state        State
	engine       Engine
	remotePeerID string
	pending      []webrtc.ICECandidateInit
	// lateApplied holds candidates applied after the answer was sent. A
	// re-offer replaces the session, and Replace hands them to the next one.
	lateApplied  []webrtc.ICECandidateInit
	shuttingDown bool
}

func New(cfg Config) *Negotiator {
	if cfg.ICEGatherTimeout <= 0 {
		cfg.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Negotiator{
		cfg:   cfg,
		log:   log.With("component", "negotiator"),
		after: after,
	}
}

func (n *Negotiator) State() State { return n.state }

func (n *Negotiator) RemotePeerID() string { return n.remotePeerID }

func (n *Negotiator) PendingCandidates() int { return len(n.pending) }

// Engine returns the current session's engine, or ErrNoSession.
func (n *Negotiator) Engine() (Engine, error) {
	if n.engine == nil {
		return nil, ErrNoSession
	}
	return n.engine, nil
}

// Handle dispatches a decoded relay message. System messages are logged and
// otherwise ignored.
func (n *Negotiator) Handle(ctx context.Context, msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeOffer:
		return n.HandleOffer(ctx, msg)
	case signaling.TypeCandidate:
		return n.HandleCandidate(msg)
	case signaling.TypeSystem:
		n.log.Info("system message", "event", msg.Event, "id", msg.ID, "to", msg.To, "reason", msg.Reason)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMsg, msg.Type)
	}
}

// HandleOffer answers an offer. The answer is sent only after the local
// description is set and gathering has completed or the gathering timeout
// elapsed.
func (n *Negotiator) HandleOffer(ctx context.Context, msg signaling.Message) error {
	if n.shuttingDown {
		return ErrShuttingDown
	}
	if msg.SDP == nil {
		return fmt.Errorf("%w: offer without sdp", signaling.ErrInvalidPayload)
	}
	n.remotePeerID = msg.From
	n.lateApplied = nil
	n.state = StateOfferReceived
	n.log.Info("offer received", "remote_peer_id", n.remotePeerID)

	if n.engine == nil {
		engine, err := n.cfg.Factory()
		if err != nil {
			return n.failOffer(fmt.Errorf("create engine: %w", err))
		}
		n.engine = engine
	}

	if err := n.engine.SetRemoteDescription(*msg.SDP); err != nil {
		return n.failOffer(fmt.Errorf("set remote description: %w", err))
	}
	n.drainPending()

	answer, err := n.engine.CreateAnswer()
	if err != nil {
		return n.failOffer(fmt.Errorf("create answer: %w", err))
	}
	gathered := n.engine.GatheringComplete()
	if err := n.engine.SetLocalDescription(answer); err != nil {
		return n.failOffer(fmt.Errorf("set local description: %w", err))
	}

	n.state = StateAnsweringICEGathering
	select {
	case <-gathered:
	case <-n.after(n.cfg.ICEGatherTimeout):
		n.cfg.Metrics.Inc(metrics.ICEGatherTimeouts)
		n.log.Warn("ice gathering timed out, answering with candidates so far", "timeout", n.cfg.ICEGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if n.shuttingDown {
		return ErrShuttingDown
	}

	local := n.engine.LocalDescription()
	if local == nil {
		return n.failOffer(errors.New("missing local description"))
	}
	if err := n.cfg.Sender.Send(signaling.Message{
		Type: signaling.TypeAnswer,
		To:   n.remotePeerID,
		SDP:  local,
	}); err != nil {
		return n.failOffer(fmt.Errorf("send answer: %w", err))
	}

	n.state = StateAnswerSent
	n.cfg.Metrics.Inc(metrics.OffersHandled)
	n.cfg.Metrics.Inc(metrics.AnswersSent)
	n.log.Info("answer sent", "remote_peer_id", n.remotePeerID)
	return nil
}

func (n *Negotiator) failOffer(err error) error {
	n.cfg.Metrics.Inc(metrics.OffersFailed)
	return err
}

// HandleCandidate applies a remote candidate, or queues it until the offer
// has been applied. Candidates from a peer other than the current session's
// are queued for the session that peer's offer will create.
func (n *Negotiator) HandleCandidate(msg signaling.Message) error {
	if n.shuttingDown {
		return ErrShuttingDown
	}
	if msg.Candidate == nil {
		return fmt.Errorf("%w: candidate without candidate", signaling.ErrInvalidPayload)
	}
	otherPeer := msg.From != "" && n.remotePeerID != "" && msg.From != n.remotePeerID
	if n.engine == nil || n.engine.RemoteDescription() == nil || otherPeer {
		n.queue(*msg.Candidate)
		return nil
	}
	if err := n.engine.AddICECandidate(*msg.Candidate); err != nil {
		n.cfg.Metrics.Inc(metrics.CandidatesFailed)
		return fmt.Errorf("add ice candidate: %w", err)
	}
	n.cfg.Metrics.Inc(metrics.CandidatesApplied)
	if n.state >= StateAnswerSent {
		n.lateApplied = append(n.lateApplied, *msg.Candidate)
	}
	return nil
}

func (n *Negotiator) queue(c webrtc.ICECandidateInit) {
	if limit := n.cfg.MaxPendingCandidates; limit > 0 && len(n.pending) >= limit {
		n.pending = n.pending[1:]
		n.cfg.Metrics.Inc(metrics.CandidatesDropped)
	}
	n.pending = append(n.pending, c)
	n.cfg.Metrics.Inc(metrics.CandidatesQueued)
	n.log.Debug("queued remote candidate until the offer arrives", "pending", len(n.pending))
}

func (n *Negotiator) drainPending() {
	if len(n.pending) == 0 {
		return
	}
	n.log.Info("applying queued candidates", "count", len(n.pending))
	for _, c := range n.pending {
		if err := n.engine.AddICECandidate(c); err != nil {
			n.cfg.Metrics.Inc(metrics.CandidatesFailed)
			n.log.Warn("failed to apply queued candidate", "err", err)
			continue
		}
		n.cfg.Metrics.Inc(metrics.CandidatesApplied)
	}
	n.pending = nil
}

// SendLocalCandidate relays a locally gathered candidate. It reports whether
// the candidate was sent. Candidates are skipped while the relay is
// disconnected or the negotiator is shutting down, and fail with
// ErrNoSession before any offer named the remote peer.
func (n *Negotiator) SendLocalCandidate(c webrtc.ICECandidateInit) (bool, error) {
	if n.shuttingDown || !n.cfg.Sender.Connected() {
		return false, nil
	}
	if n.remotePeerID == "" {
		return false, ErrNoSession
	}
	cand := c
	if err := n.cfg.Sender.Send(signaling.Message{
		Type:      signaling.TypeCandidate,
		To:        n.remotePeerID,
		Candidate: &cand,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// SetConnectionState mirrors the engine's connection state.
func (n *Negotiator) SetConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.state = StateConnected
	case webrtc.PeerConnectionStateFailed:
		n.state = StateFailed
		n.cfg.Metrics.Inc(metrics.PeerConnectionFailures)
	case webrtc.PeerConnectionStateClosed:
		n.state = StateClosed
	}
}

// Reset closes the current engine and forgets the session so the next offer
// starts from scratch.
func (n *Negotiator) Reset() error {
	var err error
	if n.engine != nil {
		err = n.engine.Close()
		n.engine = nil
	}
	n.remotePeerID = ""
	n.pending = nil
	n.lateApplied = nil
	if !n.shuttingDown {
		n.state = StateIdle
	}
	return err
}

// Replace closes the current engine for a new offer. Queued candidates and
// candidates applied after the answer are kept, in arrival order per peer,
// and applied once the new offer's remote description is set; candidates
// that do not belong to it fail and are skipped.
func (n *Negotiator) Replace() error {
	carried := make([]webrtc.ICECandidateInit, 0, len(n.lateApplied)+len(n.pending))
	carried = append(carried, n.lateApplied...)
	carried = append(carried, n.pending...)
	err := n.Reset()
	for _, c := range carried {
		n.queue(c)
	}
	return err
}

// Shutdown closes the session and rejects further messages.
func (n *Negotiator) Shutdown() error {
	n.shuttingDown = true
	err := n.Reset()
	n.state = StateClosed
	return err
}
