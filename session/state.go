package session

import "fmt"

// State is a step of the session lifecycle. States only move forward;
// Failed can be entered from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateStarting
	StateRecording
	StateStopping
	StatePostProcessing
	StateCompleted
	StateFailed
)

var stateNames = [...]string{"idle", "monitoring", "starting", "recording", "stopping", "post_processing", "completed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var transitions = map[State][]State{
	StateIdle:           {StateMonitoring},
	StateMonitoring:     {StateStarting, StateCompleted},
	StateStarting:       {StateRecording},
	StateRecording:      {StateStopping},
	StateStopping:       {StatePostProcessing},
	StatePostProcessing: {StateCompleted},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies how a session ended.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransient failures are worth retrying, e.g. a dead stream.
	KindTransient
	// KindPermanent failures recur on retry, e.g. an unknown user.
	KindPermanent
	// KindPartial means the session completed but chat or post-processing failed.
	KindPartial
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPartial:
		return "partial"
	default:
		return "none"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Error is the terminal error of a session: a machine-checkable kind plus a
// short reason for humans.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("session %s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reasons reported on terminal results.
const (
	ReasonStoppedBeforeLive = "stopped before live"
	ReasonStopped           = "stopped by user"
	ReasonShutdown          = "shutdown"
	ReasonMaxDuration       = "max duration reached"
	ReasonStreamEnded       = "stream ended"
	ReasonDeadStream        = "dead-stream"
	ReasonCaptureFailed     = "capture failed"
	ReasonChatDisconnected  = "chat disconnected"
	ReasonStartFailed       = "start failed"
	ReasonDetectFailed      = "live detection failed"
	ReasonOutputDir         = "output directory"
	ReasonDiskWrite         = "disk write failed"
)
