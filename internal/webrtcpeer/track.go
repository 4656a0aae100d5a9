package webrtcpeer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
)

const (
	outboundTrackID  = "audio"
	outboundStreamID = "audio-bridge"

	// maxOpusPacketBytes is the largest packet libopus produces for a
	// single frame.
	maxOpusPacketBytes = 1275
)

// OutboundTrack encodes captured PCM frames to Opus and writes them to every
// peer connection the track is attached to. One track lives for the whole
// agent process, so capture keeps writing to it across sessions.
type OutboundTrack struct {
	local      *webrtc.TrackLocalStaticSample
	sampleRate int
	channels   int

	mu  sync.Mutex
	enc *opus.Encoder
	buf []byte
}

func NewOutboundTrack(sampleRate, channels int) (*OutboundTrack, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		outboundTrackID,
		outboundStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create outbound track: %w", err)
	}
	return &OutboundTrack{
		local:      local,
		sampleRate: sampleRate,
		channels:   channels,
		enc:        enc,
		buf:        make([]byte, maxOpusPacketBytes),
	}, nil
}

func (t *OutboundTrack) Local() *webrtc.TrackLocalStaticSample { return t.local }

// WriteFrame implements pipeline.FrameSink. Frames that do not match the
// track's format are rejected.
func (t *OutboundTrack) WriteFrame(f audio.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.SampleRate != t.sampleRate || f.Channels != t.channels {
		return fmt.Errorf("%w: got %dHz/%dch, track is %dHz/%dch",
			audio.ErrInvalidFrame, f.SampleRate, f.Channels, t.sampleRate, t.channels)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.enc.Encode(f.Samples(), t.buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, t.buf[:n])
	return t.local.WriteSample(media.Sample{
		Data:     data,
		Duration: time.Duration(f.SampleCount) * time.Second / time.Duration(f.SampleRate),
	})
}
