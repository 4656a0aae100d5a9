package audio

import "fmt"

// Reframer slices raw capture chunks into fixed 10ms frames.
//
// Each chunk is framed on its own: a trailing slice shorter than one frame is
// discarded and never carried into the next chunk.
type Reframer struct {
	sampleRate   int
	channels     int
	frameSamples int
	frameBytes   int
}

func NewReframer(sampleRate, channels int) (*Reframer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid capture format %d Hz x %d", sampleRate, channels)
	}
	samples := CaptureFrameSamples(sampleRate)
	if samples <= 0 {
		return nil, fmt.Errorf("sample rate %d too low for a %dms frame", sampleRate, CaptureFrameMillis)
	}
	return &Reframer{
		sampleRate:   sampleRate,
		channels:     channels,
		frameSamples: samples,
		frameBytes:   samples * channels * BytesPerSample,
	}, nil
}

// FrameBytes is the payload size of every frame produced.
func (r *Reframer) FrameBytes() int { return r.frameBytes }

// Split returns the whole frames contained in chunk, in order, and the number
// of trailing bytes dropped. Frames do not alias chunk.
func (r *Reframer) Split(chunk []byte) ([]Frame, int) {
	n := len(chunk) / r.frameBytes
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, r.frameBytes)
		copy(payload, chunk[i*r.frameBytes:(i+1)*r.frameBytes])
		frames = append(frames, Frame{
			SampleRate:  r.sampleRate,
			Channels:    r.channels,
			SampleCount: r.frameSamples,
			Payload:     payload,
		})
	}
	return frames, len(chunk) - n*r.frameBytes
}
