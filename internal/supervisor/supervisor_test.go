package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/negotiator"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/webrtcpeer"
)

type fakePipeline struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (p *fakePipeline) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.starts++
	return nil
}

func (p *fakePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.stops++
	}
	p.running = false
}

func (p *fakePipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePipeline) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

var errSignalingClosed = errors.New("closed")

type fakeSignaling struct {
	msgs      chan signaling.Message
	closed    chan struct{}
	closeOnce sync.Once
	sent      chan signaling.Message
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		msgs:   make(chan signaling.Message),
		closed: make(chan struct{}),
		sent:   make(chan signaling.Message, 16),
	}
}

func (s *fakeSignaling) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errSignalingClosed
	}
}

func (s *fakeSignaling) Messages() <-chan signaling.Message { return s.msgs }

func (s *fakeSignaling) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSignaling) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSignaling) Send(msg signaling.Message) error {
	s.sent <- msg
	return nil
}

func (s *fakeSignaling) Connected() bool { return true }

type fakeEngine struct {
	remote *webrtc.SessionDescription
	local  *webrtc.SessionDescription
	closed atomic.Bool

	mu      sync.Mutex
	applied []string
}

func (e *fakeEngine) SetRemoteDescription(d webrtc.SessionDescription) error {
	e.remote = &d
	return nil
}
func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	e.applied = append(e.applied, c.Candidate)
	e.mu.Unlock()
	return nil
}
func (e *fakeEngine) appliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}
func (e *fakeEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}
func (e *fakeEngine) SetLocalDescription(d webrtc.SessionDescription) error {
	e.local = &d
	return nil
}
func (e *fakeEngine) LocalDescription() *webrtc.SessionDescription  { return e.local }
func (e *fakeEngine) RemoteDescription() *webrtc.SessionDescription { return e.remote }
func (e *fakeEngine) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type timerRequest struct {
	d  time.Duration
	ch chan time.Time
}

type harness struct {
	sup      *Supervisor
	sig      *fakeSignaling
	capture  *fakePipeline
	playback *fakePipeline
	events   chan webrtcpeer.Event
	timers   chan timerRequest
	metrics  *metrics.Metrics

	mu      sync.Mutex
	engines []*fakeEngine

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, factory negotiator.EngineFactory) *harness {
	t.Helper()
	h := &harness{
		sig:      newFakeSignaling(),
		capture:  &fakePipeline{},
		playback: &fakePipeline{},
		events:   make(chan webrtcpeer.Event),
		timers:   make(chan timerRequest, 4),
		metrics:  metrics.New(),
		done:     make(chan error, 1),
	}
	if factory == nil {
		factory = func() (negotiator.Engine, error) {
			e := &fakeEngine{}
			h.mu.Lock()
			h.engines = append(h.engines, e)
			h.mu.Unlock()
			return e, nil
		}
	}
	n := negotiator.New(negotiator.Config{Factory: factory, Sender: h.sig})
	h.sup = New(Config{
		Negotiator: n,
		Signaling:  h.sig,
		Capture:    h.capture,
		Playback:   h.playback,
		Events:     h.events,
		Metrics:    h.metrics,
		After: func(d time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			h.timers <- timerRequest{d: d, ch: ch}
			return ch
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) engine(t *testing.T, i int) *fakeEngine {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.engines) {
		t.Fatalf("engine %d not created (have %d)", i, len(h.engines))
	}
	return h.engines[i]
}

func (h *harness) nextTimer(t *testing.T) timerRequest {
	t.Helper()
	select {
	case req := <-h.timers:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("no timer armed")
		return timerRequest{}
	}
}

func (h *harness) nextSent(t *testing.T) signaling.Message {
	t.Helper()
	select {
	case msg := <-h.sig.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing sent to the relay")
		return signaling.Message{}
	}
}

func (h *harness) offer(t *testing.T, from string) signaling.Message {
	t.Helper()
	h.sig.msgs <- signaling.Message{
		Type: signaling.TypeOffer,
		From: from,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"},
	}
	return h.nextSent(t)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorStartsCaptureAndShutsDown(t *testing.T) {
	h := newHarness(t, nil)
	eventually(t, "capture start", h.capture.Running)

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	if h.capture.Running() || !h.sig.isClosed() || !h.sup.ShuttingDown() {
		t.Fatalf("capture=%v signalingClosed=%v shuttingDown=%v", h.capture.Running(), h.sig.isClosed(), h.sup.ShuttingDown())
	}
	if h.sup.cfg.Negotiator.State() != negotiator.StateClosed {
		t.Fatalf("negotiator state=%v", h.sup.cfg.Negotiator.State())
	}
}

func TestSupervisorAnswersOfferAndRelaysCandidates(t *testing.T) {
	h := newHarness(t, nil)

	answer := h.offer(t, "browser-7")
	if answer.Type != signaling.TypeAnswer || answer.To != "browser-7" {
		t.Fatalf("answer=%+v", answer)
	}

	h.events <- webrtcpeer.Event{
		Kind:      webrtcpeer.EventLocalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"},
	}
	cand := h.nextSent(t)
	if cand.Type != signaling.TypeCandidate || cand.To != "browser-7" || cand.Candidate == nil {
		t.Fatalf("candidate=%+v", cand)
	}
}

func TestSupervisorRestartsPipelinesAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(t, "browser-7")

	h.events <- webrtcpeer.Event{Kind: webrtcpeer.EventTrackStarted}
	eventually(t, "playback start", h.playback.Running)

	h.events <- webrtcpeer.Event{Kind: webrtcpeer.EventConnectionState, State: webrtc.PeerConnectionStateFailed}
	stop := h.nextTimer(t)
	if stop.d != 2000*time.Millisecond {
		t.Fatalf("stop delay=%v, want 2s", stop.d)
	}
	if !h.capture.Running() {
		t.Fatalf("capture stopped before the delay elapsed")
	}

	stop.ch <- time.Now()
	start := h.nextTimer(t)
	if start.d != 1000*time.Millisecond {
		t.Fatalf("start delay=%v, want 1s", start.d)
	}
	if h.capture.Running() || h.playback.Running() {
		t.Fatalf("capture=%v playback=%v after stop", h.capture.Running(), h.playback.Running())
	}
	if !h.engine(t, 0).closed.Load() {
		t.Fatalf("failed session not closed")
	}

	start.ch <- time.Now()
	eventually(t, "capture restart", h.capture.Running)
	if starts, _ := h.capture.counts(); starts != 2 {
		t.Fatalf("capture starts=%d, want 2", starts)
	}
	if h.playback.Running() {
		t.Fatalf("playback restarted eagerly")
	}
	if h.metrics.Get(metrics.PipelineRestartsScheduled) != 1 {
		t.Fatalf("%s=%d", metrics.PipelineRestartsScheduled, h.metrics.Get(metrics.PipelineRestartsScheduled))
	}

	// The next offer builds a new engine.
	h.offer(t, "browser-7")
	h.engine(t, 1)
}

func TestSupervisorStopsPlaybackWhenTrackEnds(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(t, "browser-7")

	h.events <- webrtcpeer.Event{Kind: webrtcpeer.EventTrackStarted}
	eventually(t, "playback start", h.playback.Running)
	h.events <- webrtcpeer.Event{Kind: webrtcpeer.EventTrackEnded}
	eventually(t, "playback stop", func() bool { return !h.playback.Running() })
}

func TestSupervisorReplacesSessionOnNewOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(t, "browser-7")
	answer := h.offer(t, "browser-8")
	if answer.To != "browser-8" {
		t.Fatalf("answer to %q, want browser-8", answer.To)
	}
	if !h.engine(t, 0).closed.Load() {
		t.Fatalf("previous session not closed")
	}
	h.engine(t, 1)
}

func TestSupervisorCandidateBeforeReofferReachesNewSession(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(t, "browser-7")

	h.sig.msgs <- signaling.Message{
		Type:      signaling.TypeCandidate,
		From:      "browser-7",
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:9 1 udp 1 10.0.0.9 6000 typ host"},
	}
	answer := h.offer(t, "browser-7")
	if answer.Type != signaling.TypeAnswer || answer.To != "browser-7" {
		t.Fatalf("answer=%+v", answer)
	}

	if !h.engine(t, 0).closed.Load() {
		t.Fatalf("previous session not closed")
	}
	got := h.engine(t, 1).appliedCandidates()
	if len(got) != 1 || got[0] != "candidate:9 1 udp 1 10.0.0.9 6000 typ host" {
		t.Fatalf("new session candidates=%v", got)
	}
}

func TestSupervisorPanicRunsShutdown(t *testing.T) {
	h := newHarness(t, func() (negotiator.Engine, error) { panic("boom") })
	h.sig.msgs <- signaling.Message{
		Type: signaling.TypeOffer,
		From: "browser-7",
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"},
	}
	select {
	case err := <-h.done:
		if err == nil {
			t.Fatalf("expected error from panic")
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after panic")
	}
	if !h.sig.isClosed() || h.capture.Running() {
		t.Fatalf("shutdown did not run: signalingClosed=%v capture=%v", h.sig.isClosed(), h.capture.Running())
	}
}
