// Package overlay burns a subtitle track into a finished recording.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/live-tender/telemetry"
)

// ErrNoSlot is returned when ctx ends while waiting for an encode slot.
var ErrNoSlot = errors.New("overlay: no encode slot")

// Encoder runs ffmpeg re-encodes. At most cap(slots) run at once across
// all sessions sharing the Encoder.
type Encoder struct {
	FFmpegPath string
	Preset     string
	CRF        int
	// StopTimeout bounds how long a canceled encode may take to exit after SIGTERM.
	StopTimeout time.Duration

	slots chan struct{}
}

// NewEncoder returns an encoder allowing maxConcurrent parallel encodes (min 1).
func NewEncoder(ffmpeg, preset string, crf, maxConcurrent int) *Encoder {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if preset == "" {
		preset = "fast"
	}
	slog.Info("overlay concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	return &Encoder{FFmpegPath: ffmpeg, Preset: preset, CRF: crf, StopTimeout: 10 * time.Second, slots: make(chan struct{}, maxConcurrent)}
}

func (e *Encoder) acquire(ctx context.Context) bool {
	select {
	case e.slots <- struct{}{}:
		telemetry.AddEncodes(1)
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Encoder) release() {
	select {
	case <-e.slots:
		telemetry.AddEncodes(-1)
	default:
		slog.Warn("encode slot release called without corresponding acquire")
	}
}

// Active returns the number of encodes currently holding a slot.
func (e *Encoder) Active() int { return len(e.slots) }

// Args builds the ffmpeg command line for a burn-in.
func (e *Encoder) Args(raw, subs, out string) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-i", raw,
		"-vf", "ass=" + FilterPath(subs),
		"-c:a", "copy",
		"-c:v", "libx264", "-preset", e.Preset, "-crf", strconv.Itoa(e.CRF),
		out,
	}
}

// Burn renders subs onto raw and writes out. The result is written to a
// temporary file first; out only appears once ffmpeg succeeds. On failure
// raw is untouched.
func (e *Encoder) Burn(ctx context.Context, raw, subs, out string) error {
	if _, err := os.Stat(raw); err != nil {
		return fmt.Errorf("overlay: raw input: %w", err)
	}
	if _, err := os.Stat(subs); err != nil {
		return fmt.Errorf("overlay: subtitle input: %w", err)
	}
	if !e.acquire(ctx) {
		return fmt.Errorf("%w: %w", ErrNoSlot, ctx.Err())
	}
	defer e.release()

	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "overlay"))
	tmp := tempName(out)
	args := e.Args(raw, subs, tmp)

	var runErr error
	var output []byte
	d := telemetry.TimeFunc(telemetry.OverlayDuration, func() {
		cmd := exec.CommandContext(ctx, e.FFmpegPath, args...)
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = e.StopTimeout
		output, runErr = cmd.CombinedOutput()
	})
	if runErr != nil {
		_ = os.Remove(tmp)
		telemetry.Inc(telemetry.OverlaysFailed)
		logger.Warn("overlay failed", slog.Any("err", runErr), slog.String("out", tail(string(output), 2048)), slog.Any("args", args))
		if ctx.Err() != nil {
			return fmt.Errorf("overlay: canceled: %w", ctx.Err())
		}
		return fmt.Errorf("overlay: ffmpeg: %w", runErr)
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		telemetry.Inc(telemetry.OverlaysFailed)
		return fmt.Errorf("overlay: rename: %w", err)
	}
	logger.Info("overlay complete", slog.String("path", out), slog.Duration("duration", d))
	return nil
}

// tempName keeps the output extension so ffmpeg can infer the muxer.
func tempName(out string) string {
	ext := ""
	if i := strings.LastIndexByte(out, '.'); i > strings.LastIndexAny(out, `/\`) {
		ext = out[i:]
	}
	return strings.TrimSuffix(out, ext) + ".tmp" + ext
}

// FilterPath quotes a path for use inside an ffmpeg filter argument.
// Backslashes, colons and quotes are significant to the filter parser.
func FilterPath(p string) string {
	if runtime.GOOS == "windows" {
		p = strings.ReplaceAll(p, `\`, "/")
	}
	r := strings.NewReplacer(`\`, `\\`, ":", `\:`, "'", `\'`)
	return "'" + r.Replace(p) + "'"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
