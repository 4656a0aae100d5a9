package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/negotiator"
)

// maxOpusFrameMillis is the longest frame an Opus packet can carry.
const maxOpusFrameMillis = 120

type EventKind int

const (
	EventLocalCandidate EventKind = iota
	EventConnectionState
	EventICEConnectionState
	EventTrackStarted
	EventTrackEnded
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local_candidate"
	case EventConnectionState:
		return "connection_state"
	case EventICEConnectionState:
		return "ice_connection_state"
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	default:
		return "unknown"
	}
}

// Event is emitted from pion callbacks to the agent's orchestration loop.
// Peer identifies the session so events from a closed session can be
// ignored.
type Event struct {
	Peer *Peer
	Kind EventKind

	Candidate *webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
	ICEState  webrtc.ICEConnectionState
}

type PeerConfig struct {
	ICEServers []webrtc.ICEServer

	// Track is attached when set; otherwise a sendrecv audio transceiver is
	// added so the browser's audio is still received.
	Track *OutboundTrack

	// SampleRate and Channels describe the PCM handed to OnPCM.
	SampleRate int
	Channels   int
	// OnPCM receives decoded inbound audio. It runs on the RTP reader
	// goroutine.
	OnPCM func(pcm []byte)

	// Events must be drained by the caller. Local candidates are dropped
	// when it is full; other events wait until delivered or the peer is
	// closed.
	Events chan<- Event

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Peer is one answering peer connection. It implements negotiator.Engine.
type Peer struct {
	pc  *webrtc.PeerConnection
	cfg PeerConfig
	log *slog.Logger

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ negotiator.Engine = (*Peer)(nil)

func NewPeer(api *webrtc.API, cfg PeerConfig) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{
		pc:     pc,
		cfg:    cfg,
		log:    log.With("component", "webrtc"),
		closed: make(chan struct{}),
	}

	if cfg.Track != nil {
		sender, err := pc.AddTrack(cfg.Track.Local())
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		p.wg.Add(1)
		go p.drainRTCP(sender)
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.emitCandidate(Event{Peer: p, Kind: EventLocalCandidate, Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state changed", "state", state.String())
		p.emit(Event{Peer: p, Kind: EventConnectionState, State: state})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ice connection state changed", "state", state.String())
		p.emit(Event{Peer: p, Kind: EventICEConnectionState, ICEState: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.onTrack(track)
	})

	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription { return p.pc.LocalDescription() }

func (p *Peer) RemoteDescription() *webrtc.SessionDescription { return p.pc.RemoteDescription() }

func (p *Peer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

// Close closes the peer connection and waits for its reader goroutines.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closed)
		p.mu.Unlock()
		err = p.pc.Close()
		p.wg.Wait()
	})
	return err
}

func (p *Peer) emit(ev Event) {
	if p.cfg.Events == nil {
		return
	}
	select {
	case p.cfg.Events <- ev:
	case <-p.closed:
	}
}

func (p *Peer) emitCandidate(ev Event) {
	if p.cfg.Events == nil {
		return
	}
	select {
	case p.cfg.Events <- ev:
	case <-p.closed:
	default:
		p.log.Warn("event queue full, dropping local candidate")
	}
}

// drainRTCP keeps the sender's interceptors running.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) onTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	p.log.Info("remote track",
		"kind", track.Kind().String(),
		"codec", codec.MimeType,
		"clock_rate", codec.ClockRate,
		"channels", codec.Channels,
	)
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		p.log.Warn("ignoring non-opus audio track", "codec", codec.MimeType)
		return
	}

	dec, err := opus.NewDecoder(p.cfg.SampleRate, p.cfg.Channels)
	if err != nil {
		p.log.Error("failed to create opus decoder", "err", err)
		return
	}

	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return
	default:
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.emit(Event{Peer: p, Kind: EventTrackStarted})
	go p.readTrack(track, dec)
}

// readTrack decodes inbound RTP until the track ends.
func (p *Peer) readTrack(track *webrtc.TrackRemote, dec *opus.Decoder) {
	defer p.wg.Done()
	defer p.emit(Event{Peer: p, Kind: EventTrackEnded})

	pcm := make([]int16, p.cfg.SampleRate*maxOpusFrameMillis/1000*p.cfg.Channels)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-p.closed:
				default:
					p.log.Warn("inbound track read failed", "err", err)
				}
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			p.cfg.Metrics.Inc(metrics.InboundDecodeErrors)
			p.log.Debug("opus decode failed", "err", err, "payload_len", len(pkt.Payload))
			continue
		}
		if n == 0 || p.cfg.OnPCM == nil {
			continue
		}
		p.cfg.OnPCM(audio.SamplesToBytes(pcm[:n*p.cfg.Channels]))
	}
}
