// Package audio holds the PCM framing used by the capture and playback
// pipelines. All PCM is interleaved signed 16-bit little endian.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	BitDepth       = 16
	BytesPerSample = BitDepth / 8

	// CaptureFrameMillis is the duration of one outbound frame.
	CaptureFrameMillis = 10
	// PlaybackFrameMillis is the duration of one write to the playback sink.
	PlaybackFrameMillis = 20
)

var ErrInvalidFrame = errors.New("invalid audio frame")

// Frame is one block of PCM samples.
type Frame struct {
	SampleRate  int
	Channels    int
	SampleCount int // per channel
	Payload     []byte
}

// Validate checks len(Payload) == SampleCount*Channels*2.
func (f Frame) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.SampleCount <= 0 {
		return fmt.Errorf("%w: rate=%d channels=%d samples=%d", ErrInvalidFrame, f.SampleRate, f.Channels, f.SampleCount)
	}
	if want := f.SampleCount * f.Channels * BytesPerSample; len(f.Payload) != want {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidFrame, len(f.Payload), want)
	}
	return nil
}

// Samples decodes the payload into interleaved int16 samples.
func (f Frame) Samples() []int16 {
	return BytesToSamples(f.Payload)
}

// CaptureFrameSamples is round(sampleRate * 10ms), per channel.
func CaptureFrameSamples(sampleRate int) int {
	return int(math.Round(float64(sampleRate) * CaptureFrameMillis / 1000))
}

// PlaybackFrameBytes is floor(sampleRate * 20ms) * channels * 2.
func PlaybackFrameBytes(sampleRate, channels int) int {
	return sampleRate * PlaybackFrameMillis / 1000 * channels * BytesPerSample
}

func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
