package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
)

const (
	DefaultPlaybackQueueFrames = 50
	DefaultStallCheckInterval  = 2 * time.Second
	DefaultStallThreshold      = 5 * time.Second
)

type PlaybackConfig struct {
	// Path is the playback program, aplay by default.
	Path string
	// Device is passed with -D when non-empty; empty selects the ALSA default.
	Device     string
	SampleRate int
	Channels   int

	// QueueFrames bounds the 20ms frames waiting for the playback program.
	QueueFrames int

	StallCheckInterval time.Duration
	StallThreshold     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Restart RestartPolicy
	After   func(time.Duration) <-chan time.Time
	Now     func() time.Time
}

// Playback feeds decoded inbound PCM to the playback program in fixed 20ms
// writes.
//
// When the program falls behind and the queue fills, the pipeline detaches:
// frames that did not fit stay buffered, and new PCM is refused until the
// writer has drained the queue. A program that exits cleanly leaves the
// pipeline stopped so the next Start spawns it again.
type Playback struct {
	cfg   PlaybackConfig
	log   *slog.Logger
	sup   supervisor
	queue chan []byte

	mu       sync.Mutex
	acc      *audio.Accumulator
	running  bool
	detached bool
	lastData time.Time
	stalled  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.Path == "" {
		cfg.Path = "aplay"
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultPlaybackQueueFrames
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = DefaultStallCheckInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultStallThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	acc, err := audio.NewAccumulator(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}
	cfg.Restart = cfg.Restart.withDefaults()
	log := loggerOrDefault(cfg.Logger).With("pipeline", "playback")
	return &Playback{
		cfg:   cfg,
		log:   log,
		queue: make(chan []byte, cfg.QueueFrames),
		acc:   acc,
		sup: supervisor{
			name:          "aplay",
			log:           log,
			metrics:       cfg.Metrics,
			restartMetric: metrics.PlaybackRestarts,
			policy:        cfg.Restart,
			after:         defaultAfter(cfg.After),
		},
	}, nil
}

// Args returns the playback program's arguments.
func (p *Playback) Args() []string {
	args := []string{
		"-f", "S16_LE",
		"-r", strconv.Itoa(p.cfg.SampleRate),
		"-c", strconv.Itoa(p.cfg.Channels),
		"-B", "1200000",
		"-F", "60000",
	}
	if p.cfg.Device != "" {
		args = append(args, "-D", p.cfg.Device)
	}
	return args
}

// Start launches the playback program and the stall monitor. It is a no-op
// if already running.
func (p *Playback) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.running = true
	p.detached = false
	p.stalled = false
	p.lastData = p.cfg.Now()
	p.cancel = cancel
	p.done = done

	p.log.Info("starting playback", "path", p.cfg.Path, "args", p.Args())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.sup.run(runCtx, p.runOnce)
		cancel()
		p.exited(done)
	}()
	go func() {
		defer wg.Done()
		p.monitorStalls(runCtx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop terminates the playback program, discards buffered audio and waits
// for the pipeline goroutines to exit.
func (p *Playback) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.acc.Reset()
	p.mu.Unlock()

	cancel()
	<-done
	p.drainQueue()
	p.log.Info("playback stopped")
}

// exited clears the running state after the program stopped on its own.
// It does nothing if Stop or a newer Start already owns the state.
func (p *Playback) exited(done chan struct{}) {
	p.mu.Lock()
	if !p.running || p.done != done {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.detached = false
	p.cancel, p.done = nil, nil
	p.acc.Reset()
	p.mu.Unlock()

	p.drainQueue()
	p.log.Info("playback program exited, waiting for next start")
}

func (p *Playback) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WritePCM accepts decoded interleaved PCM of any length. Complete 20ms
// frames are queued for the playback program; the remainder is kept. While
// detached it refuses pcm with ErrBackpressure.
func (p *Playback) WritePCM(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrStopped
	}
	p.lastData = p.cfg.Now()
	if p.stalled {
		p.stalled = false
		p.log.Info("playback data resumed")
	}
	if p.detached {
		p.cfg.Metrics.Inc(metrics.PlaybackInputRefused)
		return ErrBackpressure
	}

	if !p.enqueueLocked(p.acc.Push(pcm)) {
		p.detached = true
		p.cfg.Metrics.Inc(metrics.PlaybackBackpressure)
		p.log.Debug("playback queue full, detaching until drained", "buffered_bytes", p.acc.Pending())
	}
	return nil
}

// enqueueLocked queues frames in order. Frames that do not fit go back to
// the accumulator and false is returned.
func (p *Playback) enqueueLocked(frames [][]byte) bool {
	for i, frame := range frames {
		select {
		case p.queue <- frame:
		default:
			p.acc.Unshift(frames[i:])
			return false
		}
	}
	return true
}

// reattachIfDrained moves buffered frames into an empty queue and accepts
// new PCM again once they all fit.
func (p *Playback) reattachIfDrained() {
	if len(p.queue) != 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.detached {
		return
	}
	if p.enqueueLocked(p.acc.Push(nil)) {
		p.detached = false
		p.log.Debug("playback queue drained, reattached")
	}
}

func (p *Playback) drainQueue() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func (p *Playback) runOnce(ctx context.Context) (bool, error) {
	cmd := newCommand(ctx, p.cfg.Path, p.Args(), newStderrFilter(p.log, "aplay", "aplay:", "ALSA lib"))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, err
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	return true, p.writeFrames(ctx, stdin, exited)
}

// writeFrames copies queued frames to the program until it exits or ctx is
// done, and returns the program's exit result.
func (p *Playback) writeFrames(ctx context.Context, w io.WriteCloser, exited <-chan error) error {
	for {
		select {
		case err := <-exited:
			return err
		case <-ctx.Done():
			_ = w.Close()
			return <-exited
		case frame := <-p.queue:
			if _, err := w.Write(frame); err != nil {
				p.log.Debug("playback write failed", "err", err)
				return <-exited
			}
			p.cfg.Metrics.Inc(metrics.PlaybackFramesWritten)
			p.reattachIfDrained()
		}
	}
}

func (p *Playback) monitorStalls(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkStall()
		}
	}
}

// checkStall reports a stall once per episode of missing inbound data.
func (p *Playback) checkStall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stalled {
		return false
	}
	silence := p.cfg.Now().Sub(p.lastData)
	if silence <= p.cfg.StallThreshold {
		return false
	}
	p.stalled = true
	p.cfg.Metrics.Inc(metrics.PlaybackStalls)
	p.log.Warn("no inbound audio", "silence", silence)
	return true
}
