package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upstream"
)

// ErrDisconnected is reported once reconnect attempts are exhausted.
var ErrDisconnected = errors.New("chat: feed disconnected")

// ErrLogWrite ends ingestion when the durable chat log cannot be written.
var ErrLogWrite = errors.New("chat: log write failed")

// Mirror receives a copy of every retained event, e.g. a database table.
type Mirror interface {
	AppendChat(ctx context.Context, username string, ev Event) error
}

// IngestConfig controls filtering, dedup and reconnects. Zero values take defaults.
type IngestConfig struct {
	IncludeGifts      bool
	IncludeJoins      bool
	DedupWindow       time.Duration
	ReconnectAttempts uint
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	return c
}

// Options are the optional sinks of an Ingestor.
type Options struct {
	Log     *Log
	Mirror  Mirror
	Publish func(Event)
}

// Ingestor owns the chat feed of one session.
type Ingestor struct {
	cfg    IngestConfig
	dialer upstream.FeedDialer
	desc   upstream.StreamDescriptor
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	events []Event
	dedup  *dedupWindow

	feedMu sync.Mutex
	feed   upstream.Feed

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NewIngestor creates an ingestor for the room in desc. Call Start to connect.
func NewIngestor(cfg IngestConfig, dialer upstream.FeedDialer, desc upstream.StreamDescriptor, opts Options) *Ingestor {
	cfg = cfg.withDefaults()
	return &Ingestor{
		cfg:    cfg,
		dialer: dialer,
		desc:   desc,
		opts:   opts,
		logger: slog.Default().With(slog.String("component", "chat"), slog.String("username", desc.Username)),
		dedup:  newDedupWindow(cfg.DedupWindow, 10000),
		done:   make(chan struct{}),
	}
}

// Start connects to the feed and begins reading in the background.
// A connect failure is returned directly and nothing is left running.
func (in *Ingestor) Start(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, in.cfg.DialTimeout)
	feed, err := in.dialer.Dial(dctx, in.desc)
	cancel()
	if err != nil {
		in.err = fmt.Errorf("chat: connect: %w", err)
		close(in.done)
		return in.err
	}
	in.setFeed(feed)
	runCtx, runCancel := context.WithCancel(ctx)
	in.cancel = runCancel
	in.logger.Info("chat connected", slog.String("room_id", in.desc.RoomID))
	go in.run(runCtx, feed)
	return nil
}

func (in *Ingestor) setFeed(f upstream.Feed) {
	in.feedMu.Lock()
	in.feed = f
	in.feedMu.Unlock()
}

func (in *Ingestor) closeFeed() {
	in.feedMu.Lock()
	defer in.feedMu.Unlock()
	if in.feed != nil {
		_ = in.feed.Close()
	}
}

func (in *Ingestor) run(ctx context.Context, feed upstream.Feed) {
	defer close(in.done)
	// Next may not watch ctx; closing the feed unblocks it
	stop := context.AfterFunc(ctx, in.closeFeed)
	defer stop()

	for {
		err := in.consume(ctx, feed)
		_ = feed.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrLiveEnded) {
			in.logger.Info("chat feed reported end of live")
			in.err = ErrLiveEnded
			return
		}
		if errors.Is(err, ErrLogWrite) {
			in.logger.Error("chat log write failed, stopping ingestion", slog.Any("err", err))
			in.err = err
			return
		}
		in.logger.Warn("chat feed lost, reconnecting", slog.Any("err", err))

		feed, err = in.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.logger.Error("chat reconnect failed", slog.Any("err", err))
			in.err = fmt.Errorf("%w: %w", ErrDisconnected, err)
			return
		}
		in.setFeed(feed)
		if ctx.Err() != nil {
			_ = feed.Close()
			return
		}
		in.logger.Info("chat reconnected")
	}
}

func (in *Ingestor) consume(ctx context.Context, feed upstream.Feed) error {
	for {
		raw, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		if err := in.ingest(ctx, raw); err != nil {
			return err
		}
	}
}

func (in *Ingestor) reconnect(ctx context.Context) (upstream.Feed, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = in.cfg.ReconnectDelay
	b.MaxInterval = 10 * in.cfg.ReconnectDelay
	b.RandomizationFactor = 0.2
	return backoff.Retry(ctx, func() (upstream.Feed, error) {
		telemetry.Inc(telemetry.ChatReconnects)
		dctx, cancel := context.WithTimeout(ctx, in.cfg.DialTimeout)
		defer cancel()
		f, err := in.dialer.Dial(dctx, in.desc)
		if errors.Is(err, upstream.ErrUserBanned) || errors.Is(err, upstream.ErrUserNotFound) {
			return nil, backoff.Permanent(err)
		}
		return f, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(in.cfg.ReconnectAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			in.logger.Debug("chat redial failed", slog.Any("err", err), slog.Duration("backoff", d))
		}),
	)
}

// ingest normalizes, dedups, numbers and fans out one raw message.
// Only ErrLiveEnded and ErrLogWrite are returned; malformed messages are
// logged and dropped.
func (in *Ingestor) ingest(ctx context.Context, raw upstream.RawEvent) error {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now()
	}
	ev, err := Normalize(raw)
	switch {
	case errors.Is(err, ErrLiveEnded):
		return err
	case errors.Is(err, errSkip):
		return nil
	case err != nil:
		in.logger.Debug("dropping malformed chat message", slog.Any("err", err))
		return nil
	}

	in.mu.Lock()
	if ev.ID != "" && in.dedup.check(ev.ID, raw.ReceivedAt) {
		in.mu.Unlock()
		telemetry.Inc(telemetry.ChatDuplicates)
		return nil
	}
	in.seq++
	ev.Seq = in.seq
	keep := in.accept(ev.Kind)
	if keep {
		if in.opts.Log != nil {
			if err := in.opts.Log.Append(ev); err != nil {
				in.mu.Unlock()
				return fmt.Errorf("%w: seq %d: %w", ErrLogWrite, ev.Seq, err)
			}
		}
		in.events = append(in.events, ev)
	}
	in.mu.Unlock()

	if !keep {
		return nil
	}
	telemetry.IncVec(telemetry.ChatEvents, string(ev.Kind))
	if in.opts.Mirror != nil {
		if err := in.opts.Mirror.AppendChat(ctx, in.desc.Username, ev); err != nil {
			in.logger.Debug("chat mirror write failed", slog.Any("err", err))
		}
	}
	if in.opts.Publish != nil {
		in.opts.Publish(ev)
	}
	return nil
}

func (in *Ingestor) accept(k Kind) bool {
	switch k {
	case KindGift:
		return in.cfg.IncludeGifts
	case KindJoin:
		return in.cfg.IncludeJoins
	default:
		return true
	}
}

// Done is closed when the read loop has stopped.
func (in *Ingestor) Done() <-chan struct{} { return in.done }

// Err is valid after Done: nil when closed by Close, ErrLiveEnded, or an
// error wrapping ErrDisconnected or ErrLogWrite.
func (in *Ingestor) Err() error {
	select {
	case <-in.done:
		return in.err
	default:
		return nil
	}
}

// Close stops the feed, waits for the read loop and closes the log.
// It is idempotent.
func (in *Ingestor) Close() error {
	in.closeOnce.Do(func() {
		if in.cancel != nil {
			in.cancel()
		}
		in.closeFeed()
		<-in.done
		if in.opts.Log != nil {
			in.closeErr = in.opts.Log.Close()
		}
	})
	return in.closeErr
}

// Events returns a copy of the retained events in sequence order.
func (in *Ingestor) Events() []Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Event(nil), in.events...)
}

// Count returns the number of retained events.
func (in *Ingestor) Count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}
