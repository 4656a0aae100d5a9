package metrics

import "sync"

// Relay events.
const (
	PeersRegistered  = "peers_registered"
	PeersReplaced    = "peers_replaced"
	PeersRejected    = "peers_rejected"
	PeersIdleClosed  = "peers_idle_closed"
	PeersPingFailed  = "peers_ping_failed"
	MessagesRouted   = "messages_routed"
	MessagesInvalid  = "messages_invalid"
	PeerUnavailable  = "peer_unavailable"
	DeliveryFailed   = "delivery_failed"
	DropRateLimited  = "rate_limited"
	SystemSendFailed = "system_send_failed"
)

// Agent events.
const (
	SignalingConnects         = "signaling_connects"
	SignalingDialFailures     = "signaling_dial_failures"
	OffersHandled             = "offers_handled"
	OffersFailed              = "offers_failed"
	AnswersSent               = "answers_sent"
	ICEGatherTimeouts         = "ice_gather_timeouts"
	CandidatesQueued          = "candidates_queued"
	CandidatesApplied         = "candidates_applied"
	CandidatesFailed          = "candidates_failed"
	CandidatesDropped         = "candidates_dropped"
	PeerConnectionFailures    = "peer_connection_failures"
	CaptureFramesSent         = "capture_frames_sent"
	CaptureFramesFailed       = "capture_frames_failed"
	CapturePartialBytes       = "capture_partial_bytes_dropped"
	CaptureRestarts           = "capture_restarts"
	PlaybackFramesWritten     = "playback_frames_written"
	PlaybackInputRefused      = "playback_input_refused"
	PlaybackBackpressure      = "playback_backpressure"
	PlaybackStalls            = "playback_stalls"
	PlaybackRestarts          = "playback_restarts"
	InboundDecodeErrors       = "inbound_decode_errors"
	PipelineRestartsScheduled = "pipeline_restarts_scheduled"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards all updates.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
