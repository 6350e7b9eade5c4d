package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/onnwee/live-tender/upstream"
)

// Kind discriminates the Event variants.
type Kind string

const (
	KindMessage Kind = "message"
	KindGift    Kind = "gift"
	KindJoin    Kind = "join"
)

// Event is one normalized chat event. Text is set for messages, Gift for gifts.
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id,omitempty"`
	UserID     string    `json:"user_id"`
	Nickname   string    `json:"nickname"`
	Color      int       `json:"color"`
	Text       string    `json:"text,omitempty"`
	Gift       *Gift     `json:"gift,omitempty"`
	Time       time.Time `json:"time"`
	SentAt     time.Time `json:"sent_at,omitzero"`
	ReceivedAt time.Time `json:"received_at"`
}

type Gift struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// PaletteSize is the number of user colors.
const PaletteSize = 8

// ColorIndex maps a user id to a stable palette index.
func ColorIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % PaletteSize)
}

var (
	// ErrLiveEnded is returned when the feed announces the end of the stream.
	ErrLiveEnded = errors.New("chat: live ended")
	// errSkip marks feed messages that carry nothing to record.
	errSkip = errors.New("chat: skip")
)

// Normalize decodes a raw feed message. Events are timestamped with their
// local receipt time so they align with the local recording clock; the
// upstream send time is kept in SentAt.
func Normalize(raw upstream.RawEvent) (Event, error) {
	var env upstream.Envelope
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		return Event{}, fmt.Errorf("chat: decode %s message: %w", raw.Type, err)
	}
	if env.Type == "" {
		env.Type = raw.Type
	}
	if env.ID == "" {
		env.ID = raw.ID
	}

	ev := Event{ID: env.ID, Time: raw.ReceivedAt, ReceivedAt: raw.ReceivedAt}
	if env.TS > 0 {
		ev.SentAt = time.UnixMilli(env.TS).UTC()
	}
	if env.User != nil {
		ev.UserID = env.User.ID
		ev.Nickname = env.User.Nickname
		if ev.Nickname == "" {
			ev.Nickname = env.User.ID
		}
	}
	ev.Color = ColorIndex(ev.UserID)

	switch env.Type {
	case upstream.TypeComment:
		if env.User == nil {
			return Event{}, fmt.Errorf("chat: comment %q without user", env.ID)
		}
		ev.Kind = KindMessage
		ev.Text = env.Comment
	case upstream.TypeGift:
		if env.Gift == nil || env.User == nil {
			return Event{}, fmt.Errorf("chat: gift %q without gift or user", env.ID)
		}
		// only the final update of a gift combo is recorded
		if env.Gift.Streaking {
			return Event{}, errSkip
		}
		count := env.Gift.Count
		if count <= 0 {
			count = 1
		}
		ev.Kind = KindGift
		ev.Gift = &Gift{Name: env.Gift.Name, Count: count}
	case upstream.TypeJoin:
		if env.User == nil {
			return Event{}, errSkip
		}
		ev.Kind = KindJoin
	case upstream.TypeLiveEnd:
		return Event{}, ErrLiveEnded
	default:
		return Event{}, errSkip
	}
	return ev, nil
}
