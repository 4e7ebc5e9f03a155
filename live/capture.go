package live

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// ProcState is the lifecycle of a capture subprocess as we observe it.
type ProcState int32

const (
	ProcSpawned ProcState = iota
	ProcRunning
	ProcExited
	ProcKilled
)

func (s ProcState) String() string {
	switch s {
	case ProcSpawned:
		return "spawned"
	case ProcRunning:
		return "running"
	case ProcExited:
		return "exited"
	case ProcKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// CaptureHandle is an owned handle to a running capture subprocess. The
// recorder never touches os/exec directly: it signals through the handle and
// waits on Done, which yields the exit error exactly once.
type CaptureHandle interface {
	// Done is closed after the process exits; it carries the exit error.
	Done() <-chan error
	// Signal requests termination. graceful sends SIGTERM so the container
	// format is closed out; otherwise the process is killed outright.
	Signal(graceful bool) error
	State() ProcState
}

// CaptureRunner spawns a capture subprocess writing streamURL to outputPath.
type CaptureRunner interface {
	Start(ctx context.Context, streamURL, outputPath string) (CaptureHandle, error)
}

// FFmpegRunner captures with ffmpeg in stream-copy mode. The reconnect flags
// ride out short edge-node hiccups without ending the segment.
type FFmpegRunner struct {
	Path string // ffmpeg binary, default "ffmpeg"
}

func (r *FFmpegRunner) bin() string {
	if r.Path != "" {
		return r.Path
	}
	return "ffmpeg"
}

func (r *FFmpegRunner) Start(ctx context.Context, streamURL, outputPath string) (CaptureHandle, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-headers", "Referer: https://live.bilibili.com/\r\n",
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-rw_timeout", "10000000",
		"-i", streamURL,
		"-c", "copy",
		"-y", outputPath,
	}
	cmd := exec.CommandContext(ctx, r.bin(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	h := &processHandle{cmd: cmd, done: make(chan error, 1)}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	h.setState(ProcRunning)
	go func() {
		err := cmd.Wait()
		h.setState(ProcExited)
		if err != nil && stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, tail(stderr.Bytes(), 512))
		}
		h.done <- err
		close(h.done)
	}()
	slog.Debug("capture subprocess started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("output", outputPath))
	return h, nil
}

type processHandle struct {
	cmd   *exec.Cmd
	state atomic.Int32
	done  chan error

	killOnce sync.Once
}

func (h *processHandle) Done() <-chan error { return h.done }

func (h *processHandle) State() ProcState { return ProcState(h.state.Load()) }

func (h *processHandle) setState(s ProcState) { h.state.Store(int32(s)) }

func (h *processHandle) Signal(graceful bool) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if graceful {
		return h.cmd.Process.Signal(syscall.SIGTERM)
	}
	var err error
	h.killOnce.Do(func() {
		h.setState(ProcKilled)
		err = h.cmd.Process.Kill()
	})
	return err
}

// tail returns the last n bytes of b as a trimmed string, for error wrapping.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
