// Package webrtcpeer adapts pion/webrtc to the agent: API construction, the
// answering peer connection driven by the negotiator, and the Opus audio
// tracks in both directions.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
)

type APIOptions struct {
	Logger *slog.Logger
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

// NewAPI builds the pion API used for every session of the agent.
func NewAPI(cfg config.AgentConfig, opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewLoggerFactory(opts.Logger)
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.AgentConfig) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}
