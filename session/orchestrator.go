// Package session runs the recording lifecycle of one monitored user.
//
// An Orchestrator waits for the user to go live, starts the capture process
// and chat ingestor together, stops both when the recording ends, and then
// composes subtitles and burns the overlay. Its state only moves forward:
//
//	idle → monitoring → starting → recording → stopping → post_processing → completed
//
// with failed reachable from every non-terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/live"
	"github.com/onnwee/live-tender/subtitle"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upstream"
)

// Detector blocks until a user is live. *live.Detector implements it.
type Detector interface {
	Wait(ctx context.Context, username string) (upstream.StreamDescriptor, error)
	Forget(username string)
}

// Capture is a running recording. *capture.Handle implements it.
type Capture interface {
	Quality() upstream.Quality
	Requested() upstream.Quality
	Path() string
	StartedAt() time.Time
	Done() <-chan struct{}
	Err() error
	Stop(timeout time.Duration) capture.ExitStatus
}

// Recorder starts captures.
type Recorder interface {
	Start(ctx context.Context, desc upstream.StreamDescriptor, out string, q upstream.Quality) (Capture, error)
}

// Chat is a running chat feed. *chat.Ingestor implements it.
type Chat interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	Close() error
	Events() []chat.Event
	Count() int
}

// ChatFactory builds the chat feed for one live occurrence. Retained events
// must be appended to logPath and passed to publish.
type ChatFactory func(desc upstream.StreamDescriptor, logPath string, publish func(chat.Event)) (Chat, error)

// Composer turns chat events into a subtitle file. *subtitle.Composer implements it.
type Composer interface {
	Compose(start time.Time, events []chat.Event) []subtitle.Cue
	Write(path string, cues []subtitle.Cue) error
}

// Burner renders subtitles onto a video. *overlay.Encoder implements it.
type Burner interface {
	Burn(ctx context.Context, raw, subs, out string) error
}

// Config is the per-session configuration.
type Config struct {
	Username     string
	OutputDir    string
	Quality      upstream.Quality
	Format       string // raw capture container
	OutputFormat string // container of the burned output
	MaxDuration  time.Duration
	StopTimeout  time.Duration
	Chat         bool
	ChatOnly     bool // no capture; the chat feed is the deliverable
	ChatFatal    bool // chat failures fail the session instead of degrading it
	Overlay      bool
}

// Deps are the collaborators of an Orchestrator. Composer and Burner may be
// nil to skip post-processing; Events may be nil.
type Deps struct {
	Detector Detector
	Recorder Recorder
	Chat     ChatFactory
	Composer Composer
	Burner   Burner
	Events   chan<- Event
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	Username    string           `json:"username"`
	SessionID   string           `json:"session_id"`
	State       State            `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	RecordingAt time.Time        `json:"recording_at,omitzero"`
	OutputDir   string           `json:"output_dir,omitempty"`
	Requested   upstream.Quality `json:"requested_quality"`
	Quality     upstream.Quality `json:"quality"`
	Video       bool             `json:"video"`
	Chat        bool             `json:"chat"`
	ChatEvents  int              `json:"chat_events"`
	Degraded    bool             `json:"degraded,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// Result is the terminal outcome of Run.
type Result struct {
	Username     string
	SessionID    string
	State        State
	Kind         ErrorKind
	Reason       string
	Err          error // *Error unless Kind is KindNone
	Degraded     bool
	Requested    upstream.Quality
	Quality      upstream.Quality
	OutputDir    string
	RawPath      string
	ChatLogPath  string
	SubtitlePath string
	FinalPath    string
	ChatEvents   int
	Duration     time.Duration
}

// Orchestrator drives one session. Run it once; Stop and Snapshot are safe
// from any goroutine.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	id     string
	logger *slog.Logger
	now    func() time.Time

	stopCtx context.Context
	stop    context.CancelFunc

	runOnce sync.Once
	res     Result
	partial []error

	mu      sync.Mutex
	snap    Snapshot
	history []State
	chat    Chat
}

// New creates an idle orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Format == "" {
		cfg.Format = "flv"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp4"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ChatOnly {
		cfg.Chat = true
	}
	id := uuid.NewString()
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		id:      id,
		logger:  slog.Default().With(slog.String("component", "session"), slog.String("username", cfg.Username), slog.String("session_id", id)),
		now:     time.Now,
		history: []State{StateIdle},
	}
	o.stopCtx, o.stop = context.WithCancel(context.Background())
	o.snap = Snapshot{
		Username:  cfg.Username,
		SessionID: id,
		State:     StateIdle,
		CreatedAt: o.now(),
		Requested: cfg.Quality,
		Video:     !cfg.ChatOnly,
		Chat:      cfg.Chat,
	}
	o.res = Result{Username: cfg.Username, SessionID: id, Requested: cfg.Quality}
	telemetry.RecordTransition("", StateIdle.String())
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// Stop asks the session to end. Before the user goes live the session
// completes without recording; while recording it stops and post-processes.
// Stop is idempotent and a no-op after the session has ended.
func (o *Orchestrator) Stop() { o.stop() }

func (o *Orchestrator) stopRequested() bool { return o.stopCtx.Err() != nil }

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.snap
	if o.chat != nil {
		s.ChatEvents = o.chat.Count()
	}
	return s
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.snap.State
	if !CanTransition(from, to) {
		o.mu.Unlock()
		panic(fmt.Sprintf("session: invalid transition %s -> %s", from, to))
	}
	o.snap.State = to
	o.history = append(o.history, to)
	o.mu.Unlock()

	telemetry.RecordTransition(from.String(), to.String())
	o.logger.Debug("session state", slog.String("from", from.String()), slog.String("to", to.String()))
}

func (o *Orchestrator) update(fn func(*Snapshot)) {
	o.mu.Lock()
	fn(&o.snap)
	o.mu.Unlock()
}

// emit never blocks; events are dropped when the consumer lags.
func (o *Orchestrator) emit(ev Event) {
	if o.deps.Events == nil {
		return
	}
	ev.Username = o.cfg.Username
	ev.SessionID = o.id
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	select {
	case o.deps.Events <- ev:
	default:
		telemetry.Inc(telemetry.EventsDropped)
	}
}

func (o *Orchestrator) publish(ev chat.Event) {
	o.emit(Event{Type: EventChat, Chat: &ev, Time: ev.ReceivedAt})
}

// Run executes the session to a terminal state. Later calls return the
// same result without running again.
func (o *Orchestrator) Run(ctx context.Context) Result {
	o.runOnce.Do(func() {
		o.res = o.run(ctx)
		o.stop()
	})
	return o.res
}

func (o *Orchestrator) run(ctx context.Context) Result {
	ctx = telemetry.WithCorrelation(ctx, o.id)
	ctx, span := telemetry.StartSpan(ctx, "session", "session.run", telemetry.UsernameAttr(o.cfg.Username), telemetry.SessionIDAttr(o.id))
	defer span.End()
	began := o.now()
	defer func() {
		o.res.Duration = o.now().Sub(began)
		telemetry.LeaveState(o.State().String())
	}()
	if o.deps.Detector != nil {
		defer o.deps.Detector.Forget(o.cfg.Username)
	}

	o.setState(StateMonitoring)
	o.emit(Event{Type: EventMonitoringStarted})
	o.logger.Info("monitoring")

	desc, err := o.monitor(ctx)
	if err != nil {
		switch {
		case o.stopRequested():
			return o.complete(ReasonStoppedBeforeLive)
		case ctx.Err() != nil:
			return o.complete(ReasonShutdown)
		default:
			telemetry.RecordError(span, err)
			return o.fail(classify(err), ReasonDetectFailed, err)
		}
	}

	o.setState(StateStarting)
	o.emit(Event{Type: EventWentLive, Title: desc.Title})
	o.logger.Info("user is live", slog.String("room_id", desc.RoomID), slog.String("title", desc.Title))

	dir := sessionDir(o.cfg.OutputDir, o.cfg.Username, o.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return o.fail(KindPermanent, ReasonOutputDir, err)
	}
	o.res.OutputDir = dir
	o.update(func(s *Snapshot) { s.OutputDir = dir })

	capt, cht, err := o.start(ctx, desc, dir)
	if err != nil {
		pruneEmpty(dir)
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			return o.fail(KindTransient, ReasonShutdown, err)
		}
		return o.fail(classify(err), ReasonStartFailed, err)
	}
	// released on every path, including panics; both are idempotent
	if capt != nil {
		defer capt.Stop(o.cfg.StopTimeout)
	}
	if cht != nil {
		defer func() { _ = cht.Close() }()
	}

	recStart := o.now()
	if capt != nil {
		recStart = capt.StartedAt()
		o.res.RawPath = capt.Path()
		o.res.Quality = capt.Quality()
		o.res.Requested = capt.Requested()
	}
	o.setState(StateRecording)
	o.update(func(s *Snapshot) {
		s.RecordingAt = recStart
		s.Quality = o.res.Quality
		s.Requested = o.res.Requested
	})
	o.emit(Event{Type: EventRecordingStarted, Quality: o.res.Quality, Requested: o.res.Requested})
	o.logger.Info("recording started", slog.String("quality", o.res.Quality.String()), slog.String("requested", o.res.Requested.String()), slog.Bool("chat", cht != nil))

	reason, kind, cause := o.record(ctx, capt, cht)

	o.setState(StateStopping)
	o.emit(Event{Type: EventRecordingStopped, Reason: reason})
	o.logger.Info("recording stopped", slog.String("reason", reason))
	o.stopAll(capt, cht)
	if telemetry.RecordingDuration != nil {
		telemetry.RecordingDuration.Observe(o.now().Sub(recStart).Seconds())
	}

	if kind != KindNone {
		// the chat log on disk stays intact for offline regeneration
		telemetry.RecordError(span, cause)
		pruneEmpty(dir)
		return o.fail(kind, reason, cause)
	}

	o.setState(StatePostProcessing)
	o.postProcess(ctx, recStart, dir, capt, cht)
	if pruneEmpty(dir) {
		o.res.OutputDir = ""
	}
	telemetry.SetSpanSuccess(span)
	return o.complete(reason)
}

func (o *Orchestrator) monitor(ctx context.Context) (upstream.StreamDescriptor, error) {
	if o.deps.Detector == nil {
		return upstream.StreamDescriptor{}, errors.New("session: no detector")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(o.stopCtx, cancel)()

	ctx, span := telemetry.StartSpan(ctx, "session", "session.monitor")
	defer span.End()
	return o.deps.Detector.Wait(ctx, o.cfg.Username)
}

// start launches capture and chat concurrently. If a required part fails
// the other is torn down before returning.
func (o *Orchestrator) start(ctx context.Context, desc upstream.StreamDescriptor, dir string) (Capture, Chat, error) {
	ctx, span := telemetry.StartSpan(ctx, "session", "session.start")
	defer span.End()

	var (
		g    errgroup.Group
		capt Capture
		cht  Chat
	)
	rawPath := withExt(dir, rawName, o.cfg.Format)
	logPath := filepath.Join(dir, chatLogName)

	if !o.cfg.ChatOnly {
		if o.deps.Recorder == nil {
			return nil, nil, errors.New("session: no recorder")
		}
		g.Go(func() error {
			c, err := o.deps.Recorder.Start(ctx, desc, rawPath, o.cfg.Quality)
			if err != nil {
				return err
			}
			capt = c
			return nil
		})
	}
	if o.cfg.Chat && o.deps.Chat != nil {
		g.Go(func() error {
			c, err := o.deps.Chat(desc, logPath, o.publish)
			if err == nil {
				if err = c.Start(ctx); err != nil {
					_ = c.Close()
				}
			}
			if err != nil {
				err = fmt.Errorf("chat: %w", err)
				if o.cfg.ChatFatal || o.cfg.ChatOnly {
					return err
				}
				o.degrade(err)
				return nil
			}
			cht = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if capt != nil {
			capt.Stop(o.cfg.StopTimeout)
		}
		if cht != nil {
			_ = cht.Close()
		}
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	if capt == nil && cht == nil {
		return nil, nil, errors.New("session: nothing to record")
	}
	if cht != nil {
		o.res.ChatLogPath = logPath
		o.mu.Lock()
		o.chat = cht
		o.mu.Unlock()
	}
	o.update(func(s *Snapshot) { s.Chat = cht != nil })
	return capt, cht, nil
}

// record blocks while recording and returns why it ended. A kind other than
// KindNone fails the session.
func (o *Orchestrator) record(ctx context.Context, capt Capture, cht Chat) (string, ErrorKind, error) {
	var capDone, chatDone <-chan struct{}
	if capt != nil {
		capDone = capt.Done()
	}
	if cht != nil {
		chatDone = cht.Done()
	}
	var maxC <-chan time.Time
	if o.cfg.MaxDuration > 0 {
		t := time.NewTimer(o.cfg.MaxDuration)
		defer t.Stop()
		maxC = t.C
	}

	for {
		select {
		case <-o.stopCtx.Done():
			return ReasonStopped, KindNone, nil
		case <-ctx.Done():
			return ReasonShutdown, KindNone, nil
		case <-maxC:
			return ReasonMaxDuration, KindNone, nil
		case <-capDone:
			err := capt.Err()
			switch {
			case err == nil:
				return ReasonStreamEnded, KindNone, nil
			case errors.Is(err, capture.ErrStalled):
				return ReasonDeadStream, KindTransient, err
			default:
				return ReasonCaptureFailed, classify(err), err
			}
		case <-chatDone:
			chatDone = nil
			err := cht.Err()
			if errors.Is(err, chat.ErrLiveEnded) {
				if capt == nil {
					return ReasonStreamEnded, KindNone, nil
				}
				continue
			}
			if err == nil {
				continue
			}
			if errors.Is(err, chat.ErrLogWrite) {
				return ReasonDiskWrite, KindPermanent, err
			}
			if o.cfg.ChatFatal || capt == nil {
				return ReasonChatDisconnected, KindTransient, err
			}
			o.degrade(err)
		}
	}
}

// stopAll stops capture and chat concurrently and waits for both.
func (o *Orchestrator) stopAll(capt Capture, cht Chat) {
	var wg sync.WaitGroup
	if capt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := capt.Stop(o.cfg.StopTimeout)
			o.logger.Info("capture stopped", slog.String("status", st.String()))
		}()
	}
	if cht != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cht.Close(); err != nil {
				o.logger.Warn("chat close failed", slog.Any("err", err))
			}
		}()
	}
	wg.Wait()
}

// postProcess composes subtitles and burns the overlay. Failures degrade
// the result but never fail the session.
func (o *Orchestrator) postProcess(ctx context.Context, recStart time.Time, dir string, capt Capture, cht Chat) {
	ctx, span := telemetry.StartSpan(ctx, "session", "session.post_process")
	defer span.End()

	var events []chat.Event
	if cht != nil {
		events = cht.Events()
		o.res.ChatEvents = len(events)
	}
	if len(events) == 0 || o.deps.Composer == nil {
		return
	}

	subs := filepath.Join(dir, subtitleName)
	cues := o.deps.Composer.Compose(recStart, events)
	if err := o.deps.Composer.Write(subs, cues); err != nil {
		o.degrade(fmt.Errorf("subtitles: %w", err))
		return
	}
	o.res.SubtitlePath = subs
	o.logger.Info("subtitles written", slog.String("path", subs), slog.Int("cues", len(cues)))

	if !o.cfg.Overlay || o.deps.Burner == nil || capt == nil {
		return
	}
	if fi, err := os.Stat(capt.Path()); err != nil || fi.Size() == 0 {
		o.logger.Warn("skipping overlay, no video captured")
		return
	}
	if ctx.Err() != nil {
		o.logger.Info("skipping overlay on shutdown")
		return
	}
	final := withExt(dir, finalName, o.cfg.OutputFormat)
	if err := o.deps.Burner.Burn(ctx, capt.Path(), subs, final); err != nil {
		telemetry.RecordError(span, err)
		o.degrade(fmt.Errorf("overlay: %w", err))
		return
	}
	o.res.FinalPath = final
}

func (o *Orchestrator) degrade(err error) {
	o.logger.Warn("session degraded", slog.Any("err", err))
	o.partial = append(o.partial, err)
	o.res.Degraded = true
	o.update(func(s *Snapshot) {
		s.Degraded = true
		s.LastError = err.Error()
	})
}

func (o *Orchestrator) complete(reason string) Result {
	o.res.State = StateCompleted
	o.res.Reason = reason
	if o.res.Degraded {
		o.res.Kind = KindPartial
		o.res.Err = &Error{Kind: KindPartial, Reason: reason, Err: errors.Join(o.partial...)}
	}
	o.setState(StateCompleted)
	o.update(func(s *Snapshot) { s.Reason = reason })
	o.emit(Event{Type: EventCompleted, Reason: reason})
	o.logger.Info("session completed", slog.String("reason", reason), slog.Bool("degraded", o.res.Degraded), slog.String("dir", o.res.OutputDir))
	return o.res
}

func (o *Orchestrator) fail(kind ErrorKind, reason string, cause error) Result {
	serr := &Error{Kind: kind, Reason: reason, Err: cause}
	o.res.State = StateFailed
	o.res.Kind = kind
	o.res.Reason = reason
	o.res.Err = serr
	o.setState(StateFailed)
	o.update(func(s *Snapshot) {
		s.Reason = reason
		s.LastError = serr.Error()
	})
	o.emit(Event{Type: EventFailed, Reason: reason, Err: serr})
	o.logger.Error("session failed", slog.String("kind", kind.String()), slog.String("reason", reason), slog.Any("err", cause))
	return o.res
}

// classify maps a collaborator error to the kind reported upward.
func classify(err error) ErrorKind {
	var ee *capture.ExitError
	switch {
	case errors.Is(err, live.ErrPermanent),
		errors.Is(err, capture.ErrNoQuality),
		errors.Is(err, upstream.ErrUserNotFound),
		upstream.IsPermanent(err):
		return KindPermanent
	case errors.As(err, &ee) && ee.Class == capture.ExitFatal:
		return KindPermanent
	default:
		return KindTransient
	}
}
