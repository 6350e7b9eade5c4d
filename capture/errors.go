package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStalled is reported when the output file stops growing while the
	// process is still running. The stream is treated as dead.
	ErrStalled = errors.New("capture: output stopped growing")
	// ErrNoQuality is returned when no candidate quality could be started.
	ErrNoQuality = errors.New("capture: no playable quality")
)

// ExitStatus describes how a capture process ended.
type ExitStatus struct {
	Code     int    // -1 when terminated by a signal
	Signaled bool   // ended by a signal rather than exiting
	Forced   bool   // killed after the graceful stop timeout
	Stopped  bool   // we asked it to stop
	State    string // os.ProcessState description
	Stderr   string // last lines written to stderr
}

func (s ExitStatus) String() string {
	if s.State != "" {
		return s.State
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// ExitError is the error form of an abnormal ExitStatus.
type ExitError struct {
	Status ExitStatus
	Class  ExitClass
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("capture: process %s (%s)", e.Status, e.Class)
	if tail := lastLine(e.Status.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ExitClass groups capture exits by what the caller should do next.
type ExitClass int

const (
	// ExitNormal covers a clean end of stream and requested stops.
	ExitNormal ExitClass = iota
	// ExitQualityUnavailable means the selected variant could not be opened;
	// a lower quality may still work.
	ExitQualityUnavailable
	// ExitRetryable covers transient network and server failures.
	ExitRetryable
	// ExitFatal covers failures that will repeat on retry.
	ExitFatal
)

func (c ExitClass) String() string {
	switch c {
	case ExitNormal:
		return "normal"
	case ExitQualityUnavailable:
		return "quality_unavailable"
	case ExitRetryable:
		return "retryable"
	case ExitFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyExit classifies a finished capture process.
//
// Normal: exit codes 0 and 255 (ffmpeg's code after SIGINT/SIGTERM), any
// signal we sent, and forced kills after a stop request.
//
// Quality unavailable: the input could not be opened (HTTP 403/404/410,
// invalid data, missing stream).
//
// Retryable: network resets, timeouts, 5xx responses, rate limiting.
//
// Everything else that exited non-zero is fatal.
func ClassifyExit(s ExitStatus) ExitClass {
	if s.Stopped || s.Forced {
		return ExitNormal
	}
	if s.Code == 0 || s.Code == 255 {
		return ExitNormal
	}
	lower := strings.ToLower(s.Stderr)
	if s.Signaled && (strings.Contains(strings.ToLower(s.State), "terminated") || strings.Contains(strings.ToLower(s.State), "interrupt")) {
		return ExitNormal
	}

	retryable := []string{
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"connection reset", "connection refused", "connection timed out", "timed out",
		"temporary failure in name resolution", "network is unreachable", "broken pipe",
		"429", "too many requests",
	}
	for _, p := range retryable {
		if strings.Contains(lower, p) {
			return ExitRetryable
		}
	}

	unavailable := []string{
		"404", "403", "410",
		"not found", "forbidden",
		"invalid data found when processing input",
		"stream not found", "no such stream", "could not find codec parameters",
	}
	for _, p := range unavailable {
		if strings.Contains(lower, p) {
			return ExitQualityUnavailable
		}
	}
	return ExitFatal
}
