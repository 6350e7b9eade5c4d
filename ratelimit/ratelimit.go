// Package ratelimit implements a sliding window rate limiter keyed by an
// arbitrary string (an upstream endpoint, a username, a client IP).
//
// A single Limiter is shared by every session so that calls against the same
// upstream key draw from one budget no matter which session issues them.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/telemetry"
)

// Config is the default budget applied to keys without an override.
// A Limit <= 0 disables limiting.
type Config struct {
	Limit  int
	Window time.Duration
}

// Limiter tracks one budget per key.
type Limiter struct {
	mu        sync.Mutex
	budgets   map[string]*budget
	overrides map[string]Config
	cfg       Config
	now       func() time.Time
}

// budget is the sliding window state for one key. Calls hold the budget's
// own mutex so independent keys never contend.
type budget struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	calls    []time.Time
	lastUsed time.Time
	evicted  bool // removed from Limiter.budgets; callers must look the key up again
}

// New creates a limiter with the given default budget.
func New(cfg Config) *Limiter {
	return &Limiter{
		budgets:   make(map[string]*budget),
		overrides: make(map[string]Config),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetBudget overrides the budget for keys equal to, or prefixed by, prefix.
// Existing state for matching keys is reset.
func (l *Limiter) SetBudget(prefix string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[prefix] = cfg
	for k, b := range l.budgets {
		if strings.HasPrefix(k, prefix) {
			b.evict()
			delete(l.budgets, k)
		}
	}
}

func (l *Limiter) configFor(key string) Config {
	best, bestLen := l.cfg, -1
	for p, c := range l.overrides {
		if strings.HasPrefix(key, p) && len(p) > bestLen {
			best, bestLen = c, len(p)
		}
	}
	return best
}

func (l *Limiter) budget(key string) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[key]
	if !ok {
		c := l.configFor(key)
		b = &budget{limit: c.Limit, window: c.Window}
		l.budgets[key] = b
	}
	return b
}

// Allow reports whether a call for key may proceed now and records it if so.
// When refused, wait is how long until the oldest call leaves the window.
func (l *Limiter) Allow(key string) (ok bool, wait time.Duration) {
	for {
		b := l.budget(key)
		if ok, wait, live := b.allow(l.now()); live {
			return ok, wait
		}
	}
}

// allow applies the sliding window at now. live is false when the budget was
// evicted after the caller looked it up, in which case nothing is recorded.
func (b *budget) allow(now time.Time) (ok bool, wait time.Duration, live bool) {
	if b.limit <= 0 || b.window <= 0 {
		return true, 0, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return false, 0, false
	}

	b.lastUsed = now
	cutoff := now.Add(-b.window)
	filtered := b.calls[:0]
	for _, t := range b.calls {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	b.calls = filtered

	if len(b.calls) >= b.limit {
		return false, b.calls[0].Add(b.window).Sub(now), true
	}
	b.calls = append(b.calls, now)
	return true, 0, true
}

func (b *budget) evict() {
	b.mu.Lock()
	b.evicted = true
	b.mu.Unlock()
}

// Acquire blocks until a call for key is allowed or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	waited := false
	for {
		ok, wait := l.Allow(key)
		if ok {
			return nil
		}
		if !waited {
			waited = true
			telemetry.IncVec(telemetry.RateLimitWaits, scope(key))
			slog.Debug("rate budget exhausted, waiting", slog.String("key", key), slog.Duration("wait", wait))
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// scope is the key prefix before the first colon, used as a metric label.
func scope(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "default"
}

// Run periodically removes idle budgets until ctx is done.
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes budgets that have not been used in the last two windows.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.budgets {
		b.mu.Lock()
		if now.Sub(b.lastUsed) > b.window*2 {
			b.evicted = true
			delete(l.budgets, key)
		}
		b.mu.Unlock()
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.budgets)
}
