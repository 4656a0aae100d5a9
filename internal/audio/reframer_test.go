package audio

import (
	"bytes"
	"testing"
)

func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestReframerDropsTrailingPartial(t *testing.T) {
	r, err := NewReframer(48000, 1)
	if err != nil {
		t.Fatalf("NewReframer: %v", err)
	}
	if r.FrameBytes() != 960 {
		t.Fatalf("FrameBytes=%d, want 960", r.FrameBytes())
	}

	chunk := ramp(2500)
	frames, dropped := r.Split(chunk)
	if len(frames) != 2 || dropped != 580 {
		t.Fatalf("frames=%d dropped=%d, want 2/580", len(frames), dropped)
	}
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(f.Payload, chunk[i*960:(i+1)*960]) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}

	// The dropped tail is not carried into the next chunk.
	frames, dropped = r.Split(ramp(960))
	if len(frames) != 1 || dropped != 0 || frames[0].Payload[0] != 0 {
		t.Fatalf("frames=%d dropped=%d", len(frames), dropped)
	}
}

func TestReframerShortChunk(t *testing.T) {
	r, _ := NewReframer(48000, 2)
	frames, dropped := r.Split(ramp(100))
	if len(frames) != 0 || dropped != 100 {
		t.Fatalf("frames=%d dropped=%d, want 0/100", len(frames), dropped)
	}
}

func TestReframerFramesDoNotAliasChunk(t *testing.T) {
	r, _ := NewReframer(8000, 1)
	chunk := ramp(r.FrameBytes())
	frames, _ := r.Split(chunk)
	chunk[0] = 0xAA
	if frames[0].Payload[0] == 0xAA {
		t.Fatalf("frame payload aliases the input chunk")
	}
}

func TestNewReframerRejectsInvalidFormat(t *testing.T) {
	if _, err := NewReframer(0, 1); err == nil {
		t.Fatalf("expected error for zero rate")
	}
	if _, err := NewReframer(48000, 0); err == nil {
		t.Fatalf("expected error for zero channels")
	}
}
