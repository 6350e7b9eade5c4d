// Package supervisor keeps one session running per monitored user.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/telemetry"
)

var (
	ErrExists  = errors.New("supervisor: user already monitored")
	ErrUnknown = errors.New("supervisor: user not monitored")
)

// Runner is one session. *session.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context) session.Result
	Stop()
	Snapshot() session.Snapshot
}

// Factory builds a fresh session for username.
type Factory func(username string) Runner

// Options tune restarts. Zero values take defaults.
type Options struct {
	MaxRestarts    int           // consecutive transient failures before giving up
	RestartBackoff time.Duration // first restart delay
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * o.RestartBackoff
	}
	return o
}

type entry struct {
	username string
	runner   Runner
	cancel   context.CancelFunc
	timer    *time.Timer
	backoff  *backoff.ExponentialBackOff
	failures int
	launches int
	gaveUp   bool
	removed  bool
	last     *session.Result
}

// Status is a point-in-time copy of one registry entry.
type Status struct {
	Username string            `json:"username"`
	Active   bool              `json:"active"`
	Launches int               `json:"launches"`
	Failures int               `json:"failures"`
	GaveUp   bool              `json:"gave_up,omitempty"`
	Session  *session.Snapshot `json:"session,omitempty"`
	Last     *LastResult       `json:"last,omitempty"`
}

// LastResult summarizes the previous session of a user.
type LastResult struct {
	State     session.State     `json:"state"`
	Kind      session.ErrorKind `json:"kind"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	OutputDir string            `json:"output_dir,omitempty"`
	Duration  string            `json:"duration"`
}

// Supervisor owns the registry of monitored users. Only its own methods
// and goroutines modify the registry; readers get copies from Snapshot.
type Supervisor struct {
	factory Factory
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context // set by Run
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New returns a supervisor for the given users. Sessions start when Run is called.
func New(factory Factory, opts Options, usernames ...string) *Supervisor {
	s := &Supervisor{
		factory: factory,
		opts:    opts.withDefaults(),
		logger:  slog.Default().With(slog.String("component", "supervisor")),
		entries: make(map[string]*entry),
	}
	for _, u := range usernames {
		s.entries[u] = s.newEntry(u)
	}
	return s
}

func (s *Supervisor) newEntry(username string) *entry {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	return &entry{username: username, backoff: b}
}

// Run launches every registered user and blocks until ctx is done, then
// cancels all sessions and waits for them to finish.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	s.ctx = ctx
	for _, e := range s.entries {
		s.launchLocked(e)
	}
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("supervisor started", slog.Int("users", n))

	<-ctx.Done()

	s.mu.Lock()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

// Add starts monitoring username.
func (s *Supervisor) Add(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[username]; ok {
		return fmt.Errorf("%w: %s", ErrExists, username)
	}
	e := s.newEntry(username)
	s.entries[username] = e
	if s.running() {
		s.launchLocked(e)
	}
	s.logger.Info("user added", slog.String("username", username))
	return nil
}

// Remove stops the user's session, letting it post-process, and drops the
// user from the registry once it has ended.
func (s *Supervisor) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, username)
	}
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.runner != nil {
		e.runner.Stop()
	} else {
		delete(s.entries, username)
	}
	s.logger.Info("user removed", slog.String("username", username))
	return nil
}

// Stop ends the user's current session. Monitoring resumes afterwards.
func (s *Supervisor) Stop(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, username)
	}
	if e.runner != nil {
		e.runner.Stop()
	}
	return nil
}

// Snapshot returns a copy of the registry sorted by username.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Username: e.username,
			Active:   e.runner != nil,
			Launches: e.launches,
			Failures: e.failures,
			GaveUp:   e.gaveUp,
		}
		if e.runner != nil {
			snap := e.runner.Snapshot()
			st.Session = &snap
		}
		if e.last != nil {
			lr := LastResult{
				State:     e.last.State,
				Kind:      e.last.Kind,
				Reason:    e.last.Reason,
				OutputDir: e.last.OutputDir,
				Duration:  session.FormatDuration(e.last.Duration),
			}
			if e.last.Err != nil {
				lr.Error = e.last.Err.Error()
			}
			st.Last = &lr
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *Supervisor) running() bool { return s.ctx != nil && s.ctx.Err() == nil }

func (s *Supervisor) launchLocked(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	r := s.factory(e.username)
	e.runner, e.cancel, e.timer = r, cancel, nil
	e.launches++
	s.wg.Add(1)
	go s.supervise(ctx, e, r)
}

func (s *Supervisor) supervise(ctx context.Context, e *entry, r Runner) {
	defer s.wg.Done()
	res := runSafely(ctx, r, e.username)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterExit(e, res)
}

// runSafely turns a panic inside a session into a transient failure.
func runSafely(ctx context.Context, r Runner, username string) (res session.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("session panicked", slog.String("username", username), slog.Any("panic", p))
			r.Stop()
			err := &session.Error{Kind: session.KindTransient, Reason: "panic", Err: fmt.Errorf("%v", p)}
			res = session.Result{Username: username, State: session.StateFailed, Kind: session.KindTransient, Reason: "panic", Err: err}
		}
	}()
	return r.Run(ctx)
}

func (s *Supervisor) afterExit(e *entry, res session.Result) {
	e.runner = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.last = &res
	logger := s.logger.With(slog.String("username", e.username))

	if e.removed {
		if s.entries[e.username] == e {
			delete(s.entries, e.username)
		}
		return
	}
	if !s.running() {
		return
	}

	switch {
	case res.State == session.StateCompleted:
		e.failures = 0
		delay := time.Duration(0)
		// a session that ends right away must not spin
		if res.Duration < s.opts.RestartBackoff {
			delay = e.backoff.NextBackOff()
		} else {
			e.backoff.Reset()
		}
		logger.Info("session completed, monitoring again", slog.String("reason", res.Reason), slog.Duration("delay", delay))
		s.scheduleLocked(e, delay)
	case res.Kind == session.KindPermanent:
		e.gaveUp = true
		logger.Error("session failed permanently, not restarting", slog.String("reason", res.Reason), slog.Any("err", res.Err))
	default:
		e.failures++
		if e.failures > s.opts.MaxRestarts {
			e.gaveUp = true
			logger.Error("too many consecutive failures, giving up", slog.Int("failures", e.failures), slog.Any("err", res.Err))
			return
		}
		delay := e.backoff.NextBackOff()
		telemetry.Inc(telemetry.SessionRestarts)
		logger.Warn("session failed, restarting", slog.String("reason", res.Reason), slog.Int("attempt", e.failures), slog.Duration("delay", delay), slog.Any("err", res.Err))
		s.scheduleLocked(e, delay)
	}
}

func (s *Supervisor) scheduleLocked(e *entry, d time.Duration) {
	if d <= 0 {
		s.launchLocked(e)
		return
	}
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.removed || e.runner != nil || !s.running() || s.entries[e.username] != e {
			return
		}
		s.launchLocked(e)
	})
}
