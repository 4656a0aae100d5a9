package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type recordingSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *recordingSink) WriteFrame(f audio.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// scriptedAfter fires immediately for the first n calls and never after
// that. Every requested delay is reported on the returned channel.
func scriptedAfter(n int) (func(time.Duration) <-chan time.Time, <-chan time.Duration) {
	delays := make(chan time.Duration, 16)
	var mu sync.Mutex
	calls := 0
	return func(d time.Duration) <-chan time.Time {
		delays <- d
		mu.Lock()
		calls++
		fire := calls <= n
		mu.Unlock()
		if !fire {
			return nil
		}
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}, delays
}

func nextDelay(t *testing.T, delays <-chan time.Duration) time.Duration {
	t.Helper()
	select {
	case d := <-delays:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for restart")
		return 0
	}
}

func TestCaptureArgs(t *testing.T) {
	c, err := NewCapture(CaptureConfig{Device: "plughw:2,0", SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	got := strings.Join(c.Args(), " ")
	want := "-f S16_LE -r 48000 -c 1 -D plughw:2,0 -t raw --period-size=480 --buffer-size=1920 -"
	if got != want {
		t.Fatalf("args=%q, want %q", got, want)
	}
}

func TestPlaybackArgs(t *testing.T) {
	p, err := NewPlayback(PlaybackConfig{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("NewPlayback: %v", err)
	}
	if got, want := strings.Join(p.Args(), " "), "-f S16_LE -r 48000 -c 2 -B 1200000 -F 60000"; got != want {
		t.Fatalf("args=%q, want %q", got, want)
	}

	p, _ = NewPlayback(PlaybackConfig{Device: "hw:1", SampleRate: 48000, Channels: 1})
	if args := p.Args(); args[len(args)-2] != "-D" || args[len(args)-1] != "hw:1" {
		t.Fatalf("args=%v", args)
	}
}

func TestCaptureFramesAndRestartsAfterNonZeroExit(t *testing.T) {
	m := metrics.New()
	sink := &recordingSink{}
	after, delays := scriptedAfter(1)
	c, err := NewCapture(CaptureConfig{
		Path:       writeScript(t, "head -c 2500 /dev/zero\nexit 3"),
		SampleRate: 48000,
		Channels:   1,
		Sink:       sink,
		Metrics:    m,
		After:      after,
	})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if d := nextDelay(t, delays); d != DefaultExitRestartDelay {
		t.Fatalf("first restart delay=%v, want %v", d, DefaultExitRestartDelay)
	}
	if d := nextDelay(t, delays); d != DefaultExitRestartDelay {
		t.Fatalf("second restart delay=%v, want %v", d, DefaultExitRestartDelay)
	}

	if got := sink.count(); got != 4 {
		t.Fatalf("frames=%d, want 4", got)
	}
	if got := m.Get(metrics.CapturePartialBytes); got != 2*580 {
		t.Fatalf("%s=%d, want %d", metrics.CapturePartialBytes, got, 2*580)
	}
	if got := m.Get(metrics.CaptureRestarts); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.CaptureRestarts, got)
	}
}

func TestCaptureSpawnFailureUsesSpawnDelay(t *testing.T) {
	after, delays := scriptedAfter(0)
	c, err := NewCapture(CaptureConfig{
		Path:       filepath.Join(t.TempDir(), "missing-arecord"),
		SampleRate: 48000,
		Channels:   1,
		After:      after,
	})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	_ = c.Start(context.Background())
	defer c.Stop()

	if d := nextDelay(t, delays); d != DefaultSpawnRestartDelay {
		t.Fatalf("delay=%v, want %v", d, DefaultSpawnRestartDelay)
	}
}

func TestCaptureCleanExitIsNotRestarted(t *testing.T) {
	m := metrics.New()
	after, delays := scriptedAfter(0)
	starts := filepath.Join(t.TempDir(), "starts")
	c, _ := NewCapture(CaptureConfig{
		Path:       writeScript(t, "echo x >> '"+starts+"'; exit 0"),
		SampleRate: 48000,
		Channels:   1,
		Metrics:    m,
		After:      after,
	})
	_ = c.Start(context.Background())

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("capture loop did not exit")
	}
	if c.Running() {
		t.Fatalf("still Running after the program exited")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := os.ReadFile(starts); strings.Count(string(got), "x") == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got, _ := os.ReadFile(starts); strings.Count(string(got), "x") != 2 {
		t.Fatalf("Start after a clean exit did not launch the program again")
	}
	c.Stop()

	select {
	case d := <-delays:
		t.Fatalf("unexpected restart after %v", d)
	default:
	}
	if m.Get(metrics.CaptureRestarts) != 0 {
		t.Fatalf("unexpected restart count")
	}
}

func TestCaptureStopTerminatesProgram(t *testing.T) {
	c, _ := NewCapture(CaptureConfig{
		Path:       writeScript(t, "exec sleep 30"),
		SampleRate: 48000,
		Channels:   1,
	})
	_ = c.Start(context.Background())
	if !c.Running() {
		t.Fatalf("expected Running after Start")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if c.Running() {
		t.Fatalf("expected not Running after Stop")
	}
}

func TestPlaybackWritesFixedFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.raw")
	m := metrics.New()
	p, err := NewPlayback(PlaybackConfig{
		Path:       writeScript(t, "cat > '"+out+"'"),
		SampleRate: 48000,
		Channels:   1,
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("NewPlayback: %v", err)
	}
	if err := p.WritePCM(make([]byte, 10)); !errors.Is(err, ErrStopped) {
		t.Fatalf("WritePCM before Start err=%v, want ErrStopped", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	pcm := make([]byte, 2*1920+100)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := p.WritePCM(pcm[:1000]); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if err := p.WritePCM(pcm[1000:]); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		got, _ = os.ReadFile(out)
		if len(got) >= 2*1920 && m.Get(metrics.PlaybackFramesWritten) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2*1920 {
		t.Fatalf("program received %d bytes, want %d", len(got), 2*1920)
	}
	if !bytes.Equal(got, pcm[:2*1920]) {
		t.Fatalf("program received reordered or altered bytes")
	}
	if m.Get(metrics.PlaybackFramesWritten) != 2 {
		t.Fatalf("%s=%d, want 2", metrics.PlaybackFramesWritten, m.Get(metrics.PlaybackFramesWritten))
	}
}

func TestPlaybackBackpressureKeepsAcceptedBytes(t *testing.T) {
	m := metrics.New()
	p, _ := NewPlayback(PlaybackConfig{SampleRate: 8000, Channels: 1, QueueFrames: 1, Metrics: m})
	p.running = true
	frameBytes := p.acc.FrameBytes()

	pcm := make([]byte, 3*frameBytes+7)
	for i := range pcm {
		pcm[i] = byte(i * 7)
	}
	if err := p.WritePCM(pcm); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if !p.detached {
		t.Fatalf("expected detach when the queue is full")
	}
	if got := m.Get(metrics.PlaybackBackpressure); got != 1 {
		t.Fatalf("backpressure=%d, want 1", got)
	}
	if got, want := len(p.queue)*frameBytes+p.acc.Pending(), len(pcm); got != want {
		t.Fatalf("queued+buffered=%d bytes, want %d", got, want)
	}

	if err := p.WritePCM(make([]byte, frameBytes)); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("WritePCM while detached err=%v, want ErrBackpressure", err)
	}
	if got := m.Get(metrics.PlaybackInputRefused); got != 1 {
		t.Fatalf("refused=%d, want 1", got)
	}

	var played []byte
	for i := 0; i < 3; i++ {
		select {
		case frame := <-p.queue:
			played = append(played, frame...)
		default:
			t.Fatalf("queue empty after %d frames", i)
		}
		p.reattachIfDrained()
	}
	if p.detached {
		t.Fatalf("expected reattach once buffered frames fit")
	}
	if p.acc.Pending() != 7 {
		t.Fatalf("pending=%d, want 7", p.acc.Pending())
	}
	if !bytes.Equal(played, pcm[:3*frameBytes]) {
		t.Fatalf("played frames differ from accepted pcm")
	}

	if err := p.WritePCM(make([]byte, frameBytes-7)); err != nil {
		t.Fatalf("WritePCM after reattach: %v", err)
	}
	if len(p.queue) != 1 {
		t.Fatalf("queue len=%d, want 1 after reattach", len(p.queue))
	}
	if tail := <-p.queue; !bytes.Equal(tail[:7], pcm[3*frameBytes:]) {
		t.Fatalf("buffered remainder was not written first")
	}
}

func TestPlaybackCleanExitAllowsRestart(t *testing.T) {
	starts := filepath.Join(t.TempDir(), "starts")
	p, err := NewPlayback(PlaybackConfig{
		Path:       writeScript(t, "echo x >> '"+starts+"'; exit 0"),
		SampleRate: 48000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("NewPlayback: %v", err)
	}
	defer p.Stop()

	for round := 1; round <= 2; round++ {
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for p.Running() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if p.Running() {
			t.Fatalf("round %d: still Running after the program exited", round)
		}
		if err := p.WritePCM(make([]byte, 3840)); !errors.Is(err, ErrStopped) {
			t.Fatalf("round %d: WritePCM err=%v, want ErrStopped", round, err)
		}
		got, _ := os.ReadFile(starts)
		if n := strings.Count(string(got), "x"); n != round {
			t.Fatalf("program started %d times, want %d", n, round)
		}
	}
}

func TestPlaybackStallReportedOncePerEpisode(t *testing.T) {
	now := time.Unix(1000, 0)
	m := metrics.New()
	p, _ := NewPlayback(PlaybackConfig{
		SampleRate: 48000,
		Channels:   1,
		Metrics:    m,
		Now:        func() time.Time { return now },
	})
	p.running = true
	p.lastData = now

	now = now.Add(4 * time.Second)
	if p.checkStall() {
		t.Fatalf("stall reported before threshold")
	}
	now = now.Add(2 * time.Second)
	if !p.checkStall() {
		t.Fatalf("expected stall after 6s without data")
	}
	now = now.Add(2 * time.Second)
	if p.checkStall() {
		t.Fatalf("stall reported twice in one episode")
	}

	_ = p.WritePCM(make([]byte, 10))
	now = now.Add(6 * time.Second)
	if !p.checkStall() {
		t.Fatalf("expected a new stall episode after data resumed and stopped again")
	}
	if got := m.Get(metrics.PlaybackStalls); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.PlaybackStalls, got)
	}
}

func TestStderrFilterSuppressesNoise(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	f := newStderrFilter(log, "aplay", "aplay:", "ALSA lib")

	_, _ = f.Write([]byte("ALSA lib pcm.c:8545: underrun\naplay: xrun!!!\nreal prob"))
	_, _ = f.Write([]byte("lem here\n"))

	out := buf.String()
	if strings.Contains(out, "underrun") || strings.Contains(out, "xrun") {
		t.Fatalf("suppressed lines were logged: %s", out)
	}
	if !strings.Contains(out, "real problem here") {
		t.Fatalf("expected unsuppressed line to be logged, got %s", out)
	}
}

func TestExitStatus(t *testing.T) {
	if code, signaled := exitStatus(nil); code != 0 || signaled {
		t.Fatalf("nil: code=%d signaled=%v", code, signaled)
	}
	err := exec.Command("/bin/sh", "-c", "exit 3").Run()
	if code, signaled := exitStatus(err); code != 3 || signaled {
		t.Fatalf("exit 3: code=%d signaled=%v", code, signaled)
	}
	err = exec.Command("/bin/sh", "-c", "kill -TERM $$").Run()
	if _, signaled := exitStatus(err); !signaled {
		t.Fatalf("expected signaled for %v", err)
	}
}
