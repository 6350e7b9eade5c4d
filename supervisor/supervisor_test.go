package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/live-tender/session"
)

// fakeRunner returns its result immediately, or blocks until stopped when
// block is set.
type fakeRunner struct {
	res     session.Result
	block   bool
	panics  bool
	stopped chan struct{}
	once    sync.Once
}

func (r *fakeRunner) Run(ctx context.Context) session.Result {
	if r.panics {
		panic("boom")
	}
	if r.block {
		select {
		case <-r.stopped:
			return session.Result{State: session.StateCompleted, Reason: session.ReasonStopped, Duration: time.Hour}
		case <-ctx.Done():
			return session.Result{State: session.StateCompleted, Reason: session.ReasonShutdown, Duration: time.Hour}
		}
	}
	return r.res
}

func (r *fakeRunner) Stop() { r.once.Do(func() { close(r.stopped) }) }

func (r *fakeRunner) Snapshot() session.Snapshot {
	return session.Snapshot{Username: "x", State: session.StateMonitoring}
}

// script hands out runners in order; after the script is exhausted every
// launch gets a blocking runner.
type script struct {
	mu       sync.Mutex
	runners  []*fakeRunner
	launches atomic.Int32
	last     *fakeRunner
}

func (s *script) factory(string) Runner {
	s.launches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var r *fakeRunner
	if len(s.runners) > 0 {
		r, s.runners = s.runners[0], s.runners[1:]
	} else {
		r = &fakeRunner{block: true}
	}
	r.stopped = make(chan struct{})
	s.last = r
	return r
}

func (s *script) current() *fakeRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func failed(kind session.ErrorKind) *fakeRunner {
	return &fakeRunner{res: session.Result{State: session.StateFailed, Kind: kind, Reason: "x", Err: errors.New("x")}}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(t *testing.T, s *Supervisor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

var fast = Options{MaxRestarts: 2, RestartBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

func TestRelaunchAfterCompleted(t *testing.T) {
	sc := &script{runners: []*fakeRunner{
		{res: session.Result{State: session.StateCompleted, Reason: session.ReasonStreamEnded, Duration: time.Hour}},
	}}
	s := New(sc.factory, fast, "alice")
	stop := start(t, s)
	defer stop()

	eventually(t, func() bool { return sc.launches.Load() == 2 })
	st := s.Snapshot()
	if len(st) != 1 || !st[0].Active || st[0].Failures != 0 {
		t.Fatalf("snapshot = %+v", st)
	}
	if st[0].Last == nil || st[0].Last.Reason != session.ReasonStreamEnded {
		t.Errorf("last result = %+v", st[0].Last)
	}
}

func TestNoRelaunchAfterPermanent(t *testing.T) {
	sc := &script{runners: []*fakeRunner{failed(session.KindPermanent)}}
	s := New(sc.factory, fast, "ghost")
	stop := start(t, s)
	defer stop()

	eventually(t, func() bool {
		st := s.Snapshot()
		return len(st) == 1 && st[0].GaveUp
	})
	time.Sleep(50 * time.Millisecond)
	if n := sc.launches.Load(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestTransientRestartsBounded(t *testing.T) {
	sc := &script{runners: []*fakeRunner{
		failed(session.KindTransient),
		failed(session.KindTransient),
		failed(session.KindTransient),
		failed(session.KindTransient),
	}}
	s := New(sc.factory, fast, "bob")
	stop := start(t, s)
	defer stop()

	eventually(t, func() bool {
		st := s.Snapshot()
		return len(st) == 1 && st[0].GaveUp
	})
	// first run plus MaxRestarts relaunches
	if n := sc.launches.Load(); n != 3 {
		t.Errorf("launches = %d, want 3", n)
	}
	if st := s.Snapshot(); st[0].Failures != 3 || st[0].Active {
		t.Errorf("snapshot = %+v", st[0])
	}
}

func TestTransientThenSuccessResetsFailures(t *testing.T) {
	sc := &script{runners: []*fakeRunner{
		failed(session.KindTransient),
		{res: session.Result{State: session.StateCompleted, Duration: time.Hour}},
	}}
	s := New(sc.factory, fast, "carol")
	stop := start(t, s)
	defer stop()

	eventually(t, func() bool { return sc.launches.Load() == 3 })
	if st := s.Snapshot(); st[0].Failures != 0 {
		t.Errorf("failures = %d, want reset to 0", st[0].Failures)
	}
}

func TestPanicRecovered(t *testing.T) {
	sc := &script{runners: []*fakeRunner{{panics: true}}}
	s := New(sc.factory, fast, "dave")
	stop := start(t, s)
	defer stop()

	eventually(t, func() bool { return sc.launches.Load() == 2 })
	st := s.Snapshot()
	if st[0].Last == nil || st[0].Last.Reason != "panic" || st[0].Last.Kind != session.KindTransient {
		t.Errorf("last = %+v", st[0].Last)
	}
}

func TestAddRemoveStop(t *testing.T) {
	sc := &script{}
	s := New(sc.factory, fast)
	stop := start(t, s)
	defer stop()

	if err := s.Add("erin"); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("erin"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add err = %v", err)
	}
	eventually(t, func() bool { return sc.launches.Load() == 1 })

	first := sc.current()
	if err := s.Stop("erin"); err != nil {
		t.Fatal(err)
	}
	<-first.stopped
	eventually(t, func() bool { return sc.launches.Load() == 2 })

	if err := s.Remove("erin"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(s.Snapshot()) == 0 })
	if err := s.Remove("erin"); !errors.Is(err, ErrUnknown) {
		t.Errorf("second Remove err = %v", err)
	}
	if err := s.Stop("nobody"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Stop unknown err = %v", err)
	}
}

func TestShutdownStopsAll(t *testing.T) {
	sc := &script{}
	s := New(sc.factory, fast, "a", "b", "c")
	stop := start(t, s)
	eventually(t, func() bool { return sc.launches.Load() == 3 })
	stop()

	for _, st := range s.Snapshot() {
		if st.Active {
			t.Errorf("%s still active after shutdown", st.Username)
		}
		if st.Last == nil || st.Last.Reason != session.ReasonShutdown {
			t.Errorf("%s last = %+v", st.Username, st.Last)
		}
	}
	if n := sc.launches.Load(); n != 3 {
		t.Errorf("relaunched during shutdown: %d launches", n)
	}
}

func TestSnapshotJSON(t *testing.T) {
	sc := &script{}
	s := New(sc.factory, fast, "zed", "amy")
	stop := start(t, s)
	defer stop()
	eventually(t, func() bool { return sc.launches.Load() == 2 })

	st := s.Snapshot()
	if st[0].Username != "amy" || st[1].Username != "zed" {
		t.Errorf("snapshot not sorted: %s, %s", st[0].Username, st[1].Username)
	}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var back []map[string]any
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	sess, _ := back[0]["session"].(map[string]any)
	if sess["state"] != "monitoring" {
		t.Errorf("session state json = %v", sess["state"])
	}
}

func TestRunTwice(t *testing.T) {
	s := New((&script{}).factory, fast)
	stop := start(t, s)
	defer stop()
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ctx != nil
	})
	if err := s.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}
