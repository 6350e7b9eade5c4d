// Package capture runs and supervises the external process that records a
// live stream to disk.
//
// The capture tool is a black box: only its exit status and the growth of its
// output file are observed. A Handle owns exactly one process and must be
// stopped on every exit path of its owner; Stop is idempotent.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upstream"
)

// Capturer starts capture processes. The zero value is usable with ffmpeg
// on PATH and default timings.
type Capturer struct {
	FFmpegPath     string
	Fallback       []upstream.Quality
	MaxDuration    time.Duration // 0 records until the stream ends
	StartupGrace   time.Duration // how long a process must survive to count as started
	HealthInterval time.Duration
	StaleAfter     time.Duration // no output growth for this long means a dead stream
	StopTimeout    time.Duration // used when the handle stops itself

	// Args builds the tool arguments. Nil uses ffmpeg stream copy.
	Args func(url, out string, maxDuration time.Duration) []string
}

func (c *Capturer) path() string {
	if c.FFmpegPath != "" {
		return c.FFmpegPath
	}
	return "ffmpeg"
}

func (c *Capturer) durations() (grace, health, stale, stop time.Duration) {
	grace, health, stale, stop = c.StartupGrace, c.HealthInterval, c.StaleAfter, c.StopTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if health <= 0 {
		health = 10 * time.Second
	}
	if stale <= 0 {
		stale = 60 * time.Second
	}
	if stop <= 0 {
		stop = 10 * time.Second
	}
	return
}

// FFmpegArgs is the default argument builder: stream copy into out.
func FFmpegArgs(url, out string, maxDuration time.Duration) []string {
	args := []string{"-y", "-loglevel", "error", "-i", url, "-c", "copy"}
	if maxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxDuration.Seconds(), 'f', -1, 64))
	}
	return append(args, out)
}

// Candidates returns requested followed by the fallback order, without repeats.
func Candidates(requested upstream.Quality, fallback []upstream.Quality) []upstream.Quality {
	if len(fallback) == 0 {
		fallback = upstream.DefaultFallback
	}
	out := []upstream.Quality{requested}
	for _, q := range fallback {
		if q != requested {
			out = append(out, q)
		}
	}
	return out
}

// Start launches a capture of desc into outputPath, trying requested first
// and then the fallback order. A candidate is skipped when the descriptor has
// no variant for it or its process exits during the startup grace period with
// a quality-unavailable error. The returned handle reports the quality
// actually used.
func (c *Capturer) Start(ctx context.Context, desc upstream.StreamDescriptor, outputPath string, requested upstream.Quality) (*Handle, error) {
	logger := slog.Default().With(slog.String("component", "capture"), slog.String("username", desc.Username))
	grace, health, stale, stop := c.durations()
	argsFn := c.Args
	if argsFn == nil {
		argsFn = FFmpegArgs
	}

	var tried []string
	for _, q := range Candidates(requested, c.Fallback) {
		url, ok := desc.URL(q)
		if !ok {
			continue
		}
		tried = append(tried, q.String())

		h, err := spawn(c.path(), argsFn(url, outputPath, c.MaxDuration), outputPath, q, requested)
		if err != nil {
			return nil, fmt.Errorf("capture: start %s: %w", c.path(), err)
		}
		h.logger = logger.With(slog.String("quality", q.String()), slog.Int("pid", h.Pid()))

		t := time.NewTimer(grace)
		select {
		case <-h.exited:
			t.Stop()
			st := h.exitStatus()
			switch cls := ClassifyExit(st); cls {
			case ExitNormal:
				h.finish(nil)
				return h, nil
			case ExitQualityUnavailable:
				logger.Warn("quality unavailable, trying next", slog.String("quality", q.String()), slog.String("stderr", lastLine(st.Stderr)))
				continue
			default:
				return nil, &ExitError{Status: st, Class: cls}
			}
		case <-ctx.Done():
			t.Stop()
			h.Stop(stop)
			return nil, ctx.Err()
		case <-t.C:
		}

		if q != requested {
			logger.Info("recording at fallback quality", slog.String("requested", requested.String()), slog.String("actual", q.String()))
		}
		telemetry.IncVec(telemetry.CaptureStarts, q.String())
		go h.monitor(health, stale, stop)
		return h, nil
	}
	return nil, fmt.Errorf("%w (requested %s, tried %v)", ErrNoQuality, requested, tried)
}
