package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalingURL         = "SIGNALING_URL"
	envVarPeerID               = "PEER_ID"
	envVarArecordDevice        = "ARECORD_DEV"
	envVarSpeakerDevice        = "SPEAKER_DEV"
	envVarUseSTUN              = "USE_STUN"
	envVarSampleRate           = "SAMPLE_RATE"
	envVarChannels             = "CHANNELS"
	envVarReconnectDelay       = "RECONNECT_DELAY"
	envVarICEGatherTimeout     = "ICE_GATHER_TIMEOUT"
	envVarConnectTimeout       = "CONNECT_TIMEOUT"
	envVarMaxPendingCandidates = "MAX_PENDING_CANDIDATES"
	envVarArecordBin           = "ARECORD_BIN"
	envVarAplayBin             = "APLAY_BIN"
	envVarMetricsListenAddr    = "METRICS_LISTEN_ADDR"
	envVarWebRTCUDPPortMin     = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax     = "WEBRTC_UDP_PORT_MAX"

	DefaultSignalingURL     = "ws://192.168.1.20:8080/ws"
	DefaultPeerID           = "raspi-1"
	DefaultArecordDevice    = "plughw:2,0"
	DefaultSpeakerDevice    = "plughw:2,0"
	DefaultSampleRate       = 48000
	DefaultChannels         = 1
	DefaultReconnectDelay   = 1500 * time.Millisecond
	DefaultICEGatherTimeout = 15 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultArecordBin       = "arecord"
	DefaultAplayBin         = "aplay"
)

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// AgentConfig configures cmd/audio-bridge-agent.
type AgentConfig struct {
	Logging

	SignalingURL string
	PeerID       string

	CaptureDevice  string
	PlaybackDevice string
	ArecordBin     string
	AplayBin       string
	SampleRate     int
	Channels       int

	UseSTUN    bool
	ICEServers []webrtc.ICEServer

	ReconnectDelay   time.Duration
	ConnectTimeout   time.Duration
	ICEGatherTimeout time.Duration

	// MaxPendingCandidates bounds the candidates buffered before an offer
	// arrives. <= 0 means unbounded.
	MaxPendingCandidates int

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// MetricsListenAddr, when set, exposes /metrics on this address.
	MetricsListenAddr string
}

// SignalingDialURL returns SignalingURL with the peer id set as the "id"
// query parameter.
func (c AgentConfig) SignalingDialURL() (string, error) {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", envVarSignalingURL, err)
	}
	q := u.Query()
	q.Set("id", c.PeerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func LoadAgent(args []string) (AgentConfig, error) {
	return loadAgent(os.LookupEnv, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (AgentConfig, error) {
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	peerID := envOrDefault(lookup, envVarPeerID, DefaultPeerID)
	captureDevice := envOrDefault(lookup, envVarArecordDevice, DefaultArecordDevice)
	// An explicitly empty SPEAKER_DEV means "use the ALSA default device".
	playbackDevice := DefaultSpeakerDevice
	if raw, ok := lookup(envVarSpeakerDevice); ok {
		playbackDevice = strings.TrimSpace(raw)
	}
	arecordBin := envOrDefault(lookup, envVarArecordBin, DefaultArecordBin)
	aplayBin := envOrDefault(lookup, envVarAplayBin, DefaultAplayBin)
	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")
	metricsListenAddr := envOrDefault(lookup, envVarMetricsListenAddr, "")

	// USE_STUN=1 in existing deployments; true/false also parse.
	useSTUN, err := envBoolOrDefault(lookup, envVarUseSTUN, false)
	if err != nil {
		return AgentConfig{}, err
	}

	sampleRate, err := envIntOrDefault(lookup, envVarSampleRate, DefaultSampleRate)
	if err != nil {
		return AgentConfig{}, err
	}
	channels, err := envIntOrDefault(lookup, envVarChannels, DefaultChannels)
	if err != nil {
		return AgentConfig{}, err
	}
	reconnectDelay, err := envMillisOrDefault(lookup, envVarReconnectDelay, DefaultReconnectDelay)
	if err != nil {
		return AgentConfig{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatherTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return AgentConfig{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return AgentConfig{}, err
	}
	maxPendingCandidates, err := envIntOrDefault(lookup, envVarMaxPendingCandidates, 0)
	if err != nil {
		return AgentConfig{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}

	fs := flag.NewFlagSet("audio-bridge-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	resolveLogging := loggingFlags(fs, lookup)

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&peerID, "peer-id", peerID, "Peer id announced to the relay (env "+envVarPeerID+")")
	fs.StringVar(&captureDevice, "capture-device", captureDevice, "ALSA capture device (env "+envVarArecordDevice+")")
	fs.StringVar(&playbackDevice, "playback-device", playbackDevice, "ALSA playback device, empty for default (env "+envVarSpeakerDevice+")")
	fs.StringVar(&arecordBin, "arecord-bin", arecordBin, "Capture program (env "+envVarArecordBin+")")
	fs.StringVar(&aplayBin, "aplay-bin", aplayBin, "Playback program (env "+envVarAplayBin+")")
	fs.BoolVar(&useSTUN, "use-stun", useSTUN, "Use public STUN servers (env "+envVarUseSTUN+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config, overrides --use-stun (env "+envVarICEServersJSON+")")
	fs.IntVar(&sampleRate, "sample-rate", sampleRate, "PCM sample rate in Hz (env "+envVarSampleRate+")")
	fs.IntVar(&channels, "channels", channels, "PCM channel count (env "+envVarChannels+")")
	fs.DurationVar(&reconnectDelay, "reconnect-delay", reconnectDelay, "Delay before reconnecting to the relay (env "+envVarReconnectDelay+", milliseconds)")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Max time for a single relay connection attempt (env "+envVarConnectTimeout+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before answering (env "+envVarICEGatherTimeout+")")
	fs.IntVar(&maxPendingCandidates, "max-pending-candidates", maxPendingCandidates, "Max candidates buffered before an offer, 0 = unbounded (env "+envVarMaxPendingCandidates+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&metricsListenAddr, "metrics-listen-addr", metricsListenAddr, "Address for the /metrics endpoint, empty = disabled (env "+envVarMetricsListenAddr+")")

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	logging, err := resolveLogging()
	if err != nil {
		return AgentConfig{}, err
	}

	peerID = strings.TrimSpace(peerID)
	if !peerIDPattern.MatchString(peerID) {
		return AgentConfig{}, fmt.Errorf("invalid peer id %q (expected [A-Za-z0-9_-]+)", peerID)
	}
	u, err := url.Parse(signalingURL)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid signaling url %q: %w", signalingURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return AgentConfig{}, fmt.Errorf("invalid signaling url %q (expected ws:// or wss://)", signalingURL)
	}
	if sampleRate <= 0 {
		return AgentConfig{}, fmt.Errorf("sample rate must be > 0")
	}
	if channels != 1 && channels != 2 {
		return AgentConfig{}, fmt.Errorf("channels must be 1 or 2, got %d", channels)
	}
	if reconnectDelay < 0 || connectTimeout <= 0 || iceGatherTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("timeouts must be > 0")
	}

	var portRange *UDPPortRange
	if (portMin == 0) != (portMax == 0) {
		return AgentConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if portMin != 0 {
		if portMin > 65535 || portMax > 65535 || portMin > portMax {
			return AgentConfig{}, fmt.Errorf("invalid webrtc udp port range %d-%d", portMin, portMax)
		}
		portRange = &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	iceServers, err := resolveICEServers(iceServersJSON, useSTUN)
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		Logging:              logging,
		SignalingURL:         signalingURL,
		PeerID:               peerID,
		CaptureDevice:        captureDevice,
		PlaybackDevice:       playbackDevice,
		ArecordBin:           arecordBin,
		AplayBin:             aplayBin,
		SampleRate:           sampleRate,
		Channels:             channels,
		UseSTUN:              useSTUN,
		ICEServers:           iceServers,
		ReconnectDelay:       reconnectDelay,
		ConnectTimeout:       connectTimeout,
		ICEGatherTimeout:     iceGatherTimeout,
		MaxPendingCandidates: maxPendingCandidates,
		WebRTCUDPPortRange:   portRange,
		MetricsListenAddr:    metricsListenAddr,
	}, nil
}
