// Package upstream defines the boundary between the recorder and a live
// streaming platform: room status lookups, stream descriptors, and the raw
// chat feed. Provider packages (webcast, twitchapi) implement these
// interfaces; everything past this boundary works with typed values only.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Quality is a stream variant, ordered from lowest to highest.
type Quality int

const (
	QualityLD Quality = iota
	QualitySD
	QualityHD
	QualityUHD
	QualityOrigin
)

var qualityNames = [...]string{"ld", "sd", "hd", "uhd", "origin"}

func (q Quality) String() string {
	if q < QualityLD || q > QualityOrigin {
		return "unknown"
	}
	return qualityNames[q]
}

// ParseQuality maps a case-sensitive quality name to its Quality.
func ParseQuality(s string) (Quality, error) {
	for i, n := range qualityNames {
		if n == s {
			return Quality(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quality %q", s)
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// DefaultFallback is the order tried after the requested quality is unavailable.
var DefaultFallback = []Quality{QualityUHD, QualityHD, QualitySD, QualityLD, QualityOrigin}

// StreamDescriptor describes one live occurrence. It is never mutated after
// resolution; a new one is resolved each time the user goes live.
type StreamDescriptor struct {
	Username   string
	RoomID     string
	Title      string
	Variants   map[Quality]string // quality -> playback URL
	ResolvedAt time.Time
}

// URL returns the playback URL for q and whether the variant exists.
func (d StreamDescriptor) URL(q Quality) (string, bool) {
	u, ok := d.Variants[q]
	return u, ok && u != ""
}

// RoomStatus is the result of a single status lookup.
type RoomStatus struct {
	Live       bool
	Descriptor StreamDescriptor // populated only when Live
}

// RoomClient looks up whether a user is live.
type RoomClient interface {
	RoomStatus(ctx context.Context, username string) (RoomStatus, error)
}

// RawEvent is an undecoded chat feed message. Payload is the provider's JSON
// envelope in the shape described by Envelope.
type RawEvent struct {
	Type       string
	ID         string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Envelope is the wire shape of every chat feed message.
type Envelope struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	TS      int64         `json:"ts,omitempty"` // unix milliseconds
	User    *EnvelopeUser `json:"user,omitempty"`
	Comment string        `json:"comment,omitempty"`
	Gift    *EnvelopeGift `json:"gift,omitempty"`
}

type EnvelopeUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type EnvelopeGift struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Streaking bool   `json:"streaking,omitempty"`
}

// Raw encodes env into a RawEvent received at the given time.
func (env Envelope) Raw(receivedAt time.Time) (RawEvent, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return RawEvent{}, err
	}
	return RawEvent{Type: env.Type, ID: env.ID, Payload: b, ReceivedAt: receivedAt}, nil
}

// Envelope types.
const (
	TypeComment = "comment"
	TypeGift    = "gift"
	TypeJoin    = "join"
	TypeLiveEnd = "live_end"
)

// Feed yields raw chat events for one room until closed or broken.
type Feed interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// FeedDialer opens a chat feed for a room.
type FeedDialer interface {
	Dial(ctx context.Context, desc StreamDescriptor) (Feed, error)
}

var (
	// ErrUserNotFound is returned when the platform has no such user.
	ErrUserNotFound = errors.New("upstream: user not found")
	// ErrUserBanned is returned when the account is banned or blocked.
	ErrUserBanned = errors.New("upstream: user banned")
	// ErrFeedClosed is returned by Feed.Next after Close.
	ErrFeedClosed = errors.New("upstream: feed closed")
)

// RateLimitedError signals the platform asked us to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream: rate limited, retry after %s", e.RetryAfter)
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUserBanned)
}
