package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
)

// captureQueueDepth is the number of raw chunks buffered between the stdout
// reader and the framing loop (half a second of 10ms reads).
const captureQueueDepth = 50

// FrameSink receives outbound frames. The WebRTC outbound track implements
// it.
type FrameSink interface {
	WriteFrame(f audio.Frame) error
}

type CaptureConfig struct {
	// Path is the capture program, arecord by default.
	Path       string
	Device     string
	SampleRate int
	Channels   int

	Sink FrameSink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Restart RestartPolicy

	// After replaces time.After for restart delays.
	After func(time.Duration) <-chan time.Time
}

// Capture reads raw PCM from the capture program and submits 10ms frames to
// the sink. The program is respawned after unexpected exits until Stop.
type Capture struct {
	cfg      CaptureConfig
	log      *slog.Logger
	reframer *audio.Reframer
	sup      supervisor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.Path == "" {
		cfg.Path = "arecord"
	}
	reframer, err := audio.NewReframer(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}
	cfg.Restart = cfg.Restart.withDefaults()
	log := loggerOrDefault(cfg.Logger).With("pipeline", "capture")
	return &Capture{
		cfg:      cfg,
		log:      log,
		reframer: reframer,
		sup: supervisor{
			name:          "arecord",
			log:           log,
			metrics:       cfg.Metrics,
			restartMetric: metrics.CaptureRestarts,
			policy:        cfg.Restart,
			after:         defaultAfter(cfg.After),
		},
	}, nil
}

// Args returns the capture program's arguments.
func (c *Capture) Args() []string {
	return []string{
		"-f", "S16_LE",
		"-r", strconv.Itoa(c.cfg.SampleRate),
		"-c", strconv.Itoa(c.cfg.Channels),
		"-D", c.cfg.Device,
		"-t", "raw",
		"--period-size=480",
		"--buffer-size=1920",
		"-",
	}
}

// Start launches the capture loop. It is a no-op if already running.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	c.log.Info("starting capture", "path", c.cfg.Path, "args", c.Args())
	go func() {
		defer close(done)
		c.sup.run(runCtx, c.runOnce)
		cancel()
		c.exited(done)
	}()
	return nil
}

// exited clears the running state after the program stopped on its own.
func (c *Capture) exited(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.cancel, c.done = nil, nil
	c.log.Info("capture program exited, waiting for next start")
}

// Stop terminates the capture program and waits for the loop to exit.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("capture stopped")
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Capture) runOnce(ctx context.Context) (bool, error) {
	cmd := newCommand(ctx, c.cfg.Path, c.Args(), newStderrFilter(c.log, "arecord", "arecord:"))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, err
	}

	chunks := make(chan []byte, captureQueueDepth)
	go func() {
		defer close(chunks)
		c.readChunks(stdout, chunks)
	}()
	for chunk := range chunks {
		c.deliver(chunk)
	}
	return true, cmd.Wait()
}

// readChunks reads frame-aligned chunks until EOF. A short final read is
// still delivered so the framing loop can account for it.
func (c *Capture) readChunks(r io.Reader, out chan<- []byte) {
	size := c.reframer.FrameBytes()
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			out <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.log.Debug("capture read failed", "err", err)
			}
			return
		}
	}
}

func (c *Capture) deliver(chunk []byte) {
	frames, dropped := c.reframer.Split(chunk)
	if dropped > 0 {
		c.cfg.Metrics.Add(metrics.CapturePartialBytes, uint64(dropped))
	}
	for _, f := range frames {
		if c.cfg.Sink == nil {
			continue
		}
		if err := c.cfg.Sink.WriteFrame(f); err != nil {
			c.cfg.Metrics.Inc(metrics.CaptureFramesFailed)
			c.log.Debug("failed to submit frame", "err", err)
			continue
		}
		c.cfg.Metrics.Inc(metrics.CaptureFramesSent)
	}
}
