package session

import (
	"errors"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateMonitoring, true},
		{StateMonitoring, StateStarting, true},
		{StateMonitoring, StateCompleted, true},
		{StateStarting, StateRecording, true},
		{StateRecording, StateStopping, true},
		{StateStopping, StatePostProcessing, true},
		{StatePostProcessing, StateCompleted, true},
		{StateRecording, StateFailed, true},
		{StateStopping, StateFailed, true},
		{StateIdle, StateRecording, false},
		{StateRecording, StateMonitoring, false},
		{StateStopping, StateRecording, false},
		{StateCompleted, StateMonitoring, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	o := New(Config{Username: "x"}, Deps{})
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	o.setState(StateRecording)
}

func TestStateText(t *testing.T) {
	b, _ := StatePostProcessing.MarshalText()
	if string(b) != "post_processing" {
		t.Errorf("MarshalText = %q", b)
	}
	if !StateFailed.Terminal() || StateStopping.Terminal() {
		t.Error("Terminal misreports")
	}
	if State(42).String() != "state(42)" {
		t.Errorf("unknown state = %q", State(42).String())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&Error{Kind: KindPermanent, Reason: ReasonOutputDir, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("Error does not unwrap")
	}
	if !strings.Contains(err.Error(), "permanent") || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Error() = %q", err.Error())
	}
}
