package audio

import "fmt"

// Accumulator re-chunks variable sized PCM into fixed 20ms writes. Bytes and
// their order are preserved; a remainder smaller than one frame is kept until
// more data arrives.
type Accumulator struct {
	frameBytes int
	buf        []byte
}

func NewAccumulator(sampleRate, channels int) (*Accumulator, error) {
	frameBytes := PlaybackFrameBytes(sampleRate, channels)
	if frameBytes <= 0 {
		return nil, fmt.Errorf("invalid playback format %d Hz x %d", sampleRate, channels)
	}
	return &Accumulator{frameBytes: frameBytes}, nil
}

func (a *Accumulator) FrameBytes() int { return a.frameBytes }

// Push appends pcm and returns every complete frame now available.
func (a *Accumulator) Push(pcm []byte) [][]byte {
	a.buf = append(a.buf, pcm...)
	if len(a.buf) < a.frameBytes {
		return nil
	}
	n := len(a.buf) / a.frameBytes
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, a.frameBytes)
		copy(frame, a.buf[i*a.frameBytes:])
		out = append(out, frame)
	}
	rest := copy(a.buf, a.buf[n*a.frameBytes:])
	a.buf = a.buf[:rest]
	return out
}

// Unshift puts frames returned by Push back in front of the buffered
// remainder, in order, so a later Push emits them again.
func (a *Accumulator) Unshift(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	buf := make([]byte, 0, n+len(a.buf))
	for _, f := range frames {
		buf = append(buf, f...)
	}
	a.buf = append(buf, a.buf...)
}

// Pending is the number of buffered bytes not yet emitted.
func (a *Accumulator) Pending() int { return len(a.buf) }

// Reset discards any buffered remainder.
func (a *Accumulator) Reset() { a.buf = a.buf[:0] }
