package capture

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upstream"
)

const stderrTailLines = 20

// Handle owns one running capture process.
type Handle struct {
	cmd       *exec.Cmd
	path      string
	quality   upstream.Quality
	requested upstream.Quality
	startedAt time.Time
	logger    *slog.Logger
	stderr    *tailBuffer

	exited  chan struct{} // closed once Wait returns
	waitErr error

	done     chan struct{} // closed once the capture has ended for any reason
	doneErr  error
	doneOnce sync.Once

	stopping atomic.Bool
	forced   atomic.Bool
	stopOnce sync.Once
	stopped  ExitStatus
}

func spawn(name string, args []string, out string, q, requested upstream.Quality) (*Handle, error) {
	h := &Handle{
		path:      out,
		quality:   q,
		requested: requested,
		stderr:    &tailBuffer{max: stderrTailLines},
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    slog.Default(),
	}
	cmd := exec.Command(name, args...)
	cmd.Stderr = h.stderr
	// orphaned children holding stderr must not block Wait forever
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h.cmd = cmd
	h.startedAt = time.Now()
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

func (h *Handle) Quality() upstream.Quality   { return h.quality }
func (h *Handle) Requested() upstream.Quality { return h.requested }
func (h *Handle) Path() string                { return h.path }
func (h *Handle) StartedAt() time.Time        { return h.startedAt }
func (h *Handle) Stderr() string              { return h.stderr.String() }

// Pid returns the process id, or 0 before start.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed when the capture ends: the process exited, or the output
// stalled and the handle stopped it.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is valid after Done is closed. It is nil for a normal end of stream,
// ErrStalled for a dead stream, or an *ExitError.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.doneErr
	default:
		return nil
	}
}

func (h *Handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.doneErr = err
		close(h.done)
	})
}

// exitStatus must only be called after exited is closed.
func (h *Handle) exitStatus() ExitStatus {
	st := ExitStatus{
		Stopped: h.stopping.Load(),
		Forced:  h.forced.Load(),
		Stderr:  h.stderr.String(),
	}
	var ee *exec.ExitError
	switch {
	case h.waitErr == nil:
	case errors.As(h.waitErr, &ee):
		st.Code = ee.ExitCode()
		st.Signaled = st.Code == -1
		st.State = ee.ProcessState.String()
	default:
		st.Code = -1
		st.State = h.waitErr.Error()
	}
	return st
}

// monitor watches output growth until the process exits or stalls.
func (h *Handle) monitor(every, staleAfter, stopTimeout time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var lastSize int64 = -1
	lastGrowth := time.Now()
	for {
		select {
		case <-h.exited:
			st := h.exitStatus()
			if cls := ClassifyExit(st); cls != ExitNormal {
				h.logger.Warn("capture process failed", slog.String("status", st.String()), slog.String("class", cls.String()), slog.String("stderr", lastLine(st.Stderr)))
				h.finish(&ExitError{Status: st, Class: cls})
				return
			}
			h.logger.Info("capture process exited", slog.String("status", st.String()))
			h.finish(nil)
			return
		case now := <-ticker.C:
			var size int64
			if fi, err := os.Stat(h.path); err == nil {
				size = fi.Size()
			}
			if size > lastSize {
				lastSize = size
				lastGrowth = now
				continue
			}
			if now.Sub(lastGrowth) >= staleAfter {
				h.logger.Warn("capture output stalled", slog.Int64("size", size), slog.Duration("stale_for", now.Sub(lastGrowth)))
				telemetry.Inc(telemetry.CaptureStalls)
				h.finish(ErrStalled)
				h.Stop(stopTimeout)
				return
			}
		}
	}
}

// Stop asks the process to terminate, waits up to timeout and then kills it.
// It is safe to call any number of times from any goroutine; every call
// returns the same status.
func (h *Handle) Stop(timeout time.Duration) ExitStatus {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		select {
		case <-h.exited:
		default:
			if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				// platforms without SIGTERM, or already gone
				_ = h.cmd.Process.Kill()
			}
			t := time.NewTimer(timeout)
			select {
			case <-h.exited:
				t.Stop()
			case <-t.C:
				h.forced.Store(true)
				telemetry.Inc(telemetry.CaptureForcedKills)
				h.logger.Warn("capture did not stop in time, killing", slog.Duration("timeout", timeout))
				_ = h.cmd.Process.Kill()
				<-h.exited
			}
		}
		h.stopped = h.exitStatus()
		h.finish(nil)
	})
	return h.stopped
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines [][]byte
	part  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := append(b.part, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.lines = append(b.lines, append([]byte(nil), data[:i]...))
		if len(b.lines) > b.max {
			b.lines = b.lines[len(b.lines)-b.max:]
		}
		data = data[i+1:]
	}
	b.part = append([]byte(nil), data...)
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf bytes.Buffer
	for _, l := range b.lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	buf.Write(b.part)
	return buf.String()
}
