// Package pipeline runs the external capture and playback programs and moves
// PCM between them and the WebRTC engine.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
)

const (
	DefaultExitRestartDelay  = 1 * time.Second
	DefaultSpawnRestartDelay = 2 * time.Second

	// processWaitDelay bounds how long Wait blocks on pipe I/O after the
	// process has been asked to stop.
	processWaitDelay = 2 * time.Second
)

// ErrStopped is returned when PCM is offered to a pipeline that is not
// running.
var ErrStopped = errors.New("pipeline stopped")

// ErrBackpressure is returned by Playback.WritePCM while the pipeline is
// detached waiting for the playback program to catch up.
var ErrBackpressure = errors.New("playback backpressure")

// RestartPolicy controls respawning of an external program.
type RestartPolicy struct {
	// ExitDelay applies after a non-zero exit.
	ExitDelay time.Duration
	// SpawnDelay applies when the program could not be started.
	SpawnDelay time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.ExitDelay <= 0 {
		p.ExitDelay = DefaultExitRestartDelay
	}
	if p.SpawnDelay <= 0 {
		p.SpawnDelay = DefaultSpawnRestartDelay
	}
	return p
}

// newCommand builds a command that receives SIGTERM when ctx is done, the
// same way the programs are stopped interactively.
func newCommand(ctx context.Context, path string, args []string, stderr *stderrFilter) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = processWaitDelay
	cmd.Stderr = stderr
	return cmd
}

// exitStatus classifies the result of cmd.Wait. A process terminated by a
// signal reports signaled=true and is not restarted.
func exitStatus(err error) (code int, signaled bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == -1 {
			return -1, true
		}
		return exitErr.ExitCode(), false
	}
	return -1, false
}

// runOnceFunc starts one instance of the program and blocks until it exits.
// When started is false, err explains why the program never ran; otherwise
// err is the result of Wait.
type runOnceFunc func(ctx context.Context) (started bool, err error)

type supervisor struct {
	name          string
	log           *slog.Logger
	metrics       *metrics.Metrics
	restartMetric string
	policy        RestartPolicy
	after         func(time.Duration) <-chan time.Time
}

// run restarts the program until ctx is done or it exits cleanly.
func (s supervisor) run(ctx context.Context, runOnce runOnceFunc) {
	for {
		started, waitErr := runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if !started {
			s.log.Error("failed to start "+s.name, "err", waitErr, "retry_in", s.policy.SpawnDelay)
			delay = s.policy.SpawnDelay
		} else {
			code, signaled := exitStatus(waitErr)
			switch {
			case signaled:
				s.log.Info(s.name+" terminated by signal", "err", waitErr)
				return
			case code == 0 && waitErr == nil:
				s.log.Info(s.name + " exited")
				return
			}
			s.log.Warn(s.name+" exited unexpectedly", "code", code, "err", waitErr, "retry_in", s.policy.ExitDelay)
			delay = s.policy.ExitDelay
		}

		s.metrics.Inc(s.restartMetric)
		select {
		case <-ctx.Done():
			return
		case <-s.after(delay):
		}
	}
}

// stderrFilter forwards a program's stderr to the logger line by line,
// dropping lines that contain any of the suppressed markers.
type stderrFilter struct {
	log      *slog.Logger
	name     string
	suppress []string

	mu  sync.Mutex
	buf []byte
}

func newStderrFilter(log *slog.Logger, name string, suppress ...string) *stderrFilter {
	return &stderrFilter{log: log, name: name, suppress: suppress}
}

func (f *stderrFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		f.emit(string(f.buf[:i]))
		f.buf = f.buf[i+1:]
	}
	// A program that never prints a newline must not grow the buffer forever.
	if len(f.buf) > 4096 {
		f.emit(string(f.buf))
		f.buf = f.buf[:0]
	}
	return len(p), nil
}

func (f *stderrFilter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	for _, s := range f.suppress {
		if strings.Contains(line, s) {
			return
		}
	}
	f.log.Warn(f.name+" stderr", "line", line)
}

func defaultAfter(after func(time.Duration) <-chan time.Time) func(time.Duration) <-chan time.Time {
	if after == nil {
		return time.After
	}
	return after
}

func loggerOrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
