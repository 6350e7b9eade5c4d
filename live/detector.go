// Package live detects when monitored users go live.
//
// A Detector polls the upstream room status through the shared rate limiter
// and remembers, per user, whether the last poll saw them live. The first
// poll that sees a user live returns a fresh StreamDescriptor; later polls
// report StatusStillLive until the user goes offline or Forget is called.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/ratelimit"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upstream"
)

// Status is the outcome of one poll.
type Status int

const (
	StatusOffline Status = iota
	StatusLive
	StatusStillLive
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusLive:
		return "live"
	case StatusStillLive:
		return "still_live"
	default:
		return "unknown"
	}
}

// Result of a poll. Descriptor is set only for StatusLive.
type Result struct {
	Status     Status
	Descriptor upstream.StreamDescriptor
}

// ErrPermanent wraps errors that will not go away by polling again.
var ErrPermanent = errors.New("live: permanent detection failure")

// Options tune polling cadence and error tolerance. Zero values take defaults.
type Options struct {
	Interval             time.Duration // offline cadence and first error backoff
	MaxInterval          time.Duration // cap for error backoff
	NotFoundThreshold    int           // consecutive user-not-found responses before giving up
	MaxConsecutiveErrors int           // transient errors in a row before Wait returns
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MaxInterval < o.Interval {
		o.MaxInterval = 10 * o.Interval
	}
	if o.NotFoundThreshold <= 0 {
		o.NotFoundThreshold = 3
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 20
	}
	return o
}

type userState struct {
	live     bool
	notFound int
}

// Detector is safe for concurrent use by many sessions.
type Detector struct {
	client  upstream.RoomClient
	limiter *ratelimit.Limiter
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// NewDetector creates a detector. limiter may be nil to disable rate limiting.
func NewDetector(client upstream.RoomClient, limiter *ratelimit.Limiter, opts Options) *Detector {
	return &Detector{
		client:  client,
		limiter: limiter,
		opts:    opts.withDefaults(),
		now:     time.Now,
		users:   make(map[string]*userState),
	}
}

func (d *Detector) user(username string) *userState {
	u, ok := d.users[username]
	if !ok {
		u = &userState{}
		d.users[username] = u
	}
	return u
}

// Poll performs a single rate-limited status lookup for username.
func (d *Detector) Poll(ctx context.Context, username string) (Result, error) {
	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, "room:"+username); err != nil {
			return Result{}, err
		}
	}
	st, err := d.client.RoomStatus(ctx, username)

	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.user(username)

	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrUserNotFound):
			u.notFound++
			telemetry.IncVec(telemetry.PollsTotal, "not_found")
			if u.notFound >= d.opts.NotFoundThreshold {
				return Result{}, fmt.Errorf("%w: %w (%d consecutive)", ErrPermanent, err, u.notFound)
			}
		case upstream.IsPermanent(err):
			telemetry.IncVec(telemetry.PollsTotal, "permanent")
			return Result{}, fmt.Errorf("%w: %w", ErrPermanent, err)
		default:
			telemetry.IncVec(telemetry.PollsTotal, "error")
		}
		return Result{}, err
	}
	u.notFound = 0

	if !st.Live {
		u.live = false
		telemetry.IncVec(telemetry.PollsTotal, "offline")
		return Result{Status: StatusOffline}, nil
	}
	if u.live {
		telemetry.IncVec(telemetry.PollsTotal, "still_live")
		return Result{Status: StatusStillLive}, nil
	}
	u.live = true
	desc := st.Descriptor
	if desc.Username == "" {
		desc.Username = username
	}
	if desc.ResolvedAt.IsZero() {
		desc.ResolvedAt = d.now()
	}
	telemetry.IncVec(telemetry.PollsTotal, "live")
	return Result{Status: StatusLive, Descriptor: desc}, nil
}

// Forget drops cached state so the next live poll resolves a new descriptor.
func (d *Detector) Forget(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, username)
}

// Wait polls until username goes live and returns the new descriptor.
// Offline polls repeat at the base interval with jitter; transient errors back
// off exponentially. Rate limit responses wait as long as upstream asked.
func (d *Detector) Wait(ctx context.Context, username string) (upstream.StreamDescriptor, error) {
	logger := slog.Default().With(slog.String("component", "live_detector"), slog.String("username", username))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.Interval
	b.MaxInterval = d.opts.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	errCount := 0
	for {
		res, err := d.Poll(ctx, username)
		var wait time.Duration
		var rl *upstream.RateLimitedError
		switch {
		case ctx.Err() != nil:
			return upstream.StreamDescriptor{}, ctx.Err()
		case err == nil && res.Status == StatusLive:
			logger.Info("user went live", slog.String("room_id", res.Descriptor.RoomID))
			return res.Descriptor, nil
		case err == nil && res.Status == StatusStillLive:
			// cached from an earlier session; resolve again
			d.Forget(username)
			continue
		case err == nil:
			errCount = 0
			b.Reset()
			wait = b.NextBackOff()
		case errors.Is(err, ErrPermanent):
			logger.Warn("detection failed permanently", slog.Any("err", err))
			return upstream.StreamDescriptor{}, err
		case errors.As(err, &rl):
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = b.NextBackOff()
			}
			logger.Info("upstream rate limited", slog.Duration("retry_after", wait))
		default:
			errCount++
			if errCount >= d.opts.MaxConsecutiveErrors {
				return upstream.StreamDescriptor{}, fmt.Errorf("live: %d consecutive poll errors: %w", errCount, err)
			}
			wait = b.NextBackOff()
			logger.Debug("poll failed", slog.Any("err", err), slog.Int("attempt", errCount), slog.Duration("backoff", wait))
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return upstream.StreamDescriptor{}, ctx.Err()
		case <-t.C:
		}
	}
}
