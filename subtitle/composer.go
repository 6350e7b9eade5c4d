// Package subtitle turns a session's chat events into a timed overlay track.
//
// Compose is pure: given the recording start and the events in log order it
// returns cues whose start times never decrease and which never overlap
// within a lane. Write renders cues as an Advanced SubStation Alpha script.
package subtitle

import (
	"strconv"
	"time"

	"github.com/onnwee/live-tender/chat"
)

// Options control cue timing and layout.
type Options struct {
	DisplayDuration time.Duration
	MaxLines        int
	FontSize        int
	Position        string // top-left, top-right, bottom-left, bottom-right
	MarginX         int
	MarginY         int
	BoxOpacity      float64
	Width           int
	Height          int
}

// DefaultOptions mirror the recorder's configuration defaults.
func DefaultOptions() Options {
	return Options{
		DisplayDuration: 5 * time.Second,
		MaxLines:        8,
		FontSize:        24,
		Position:        "bottom-left",
		MarginX:         20,
		MarginY:         50,
		BoxOpacity:      0.6,
		Width:           1920,
		Height:          1080,
	}
}

// Cue is one overlay line, timed relative to the recording start.
type Cue struct {
	Start    time.Duration
	End      time.Duration
	Lane     int
	Seq      uint64
	Kind     chat.Kind
	Nickname string
	Text     string
	Color    int
}

// Composer builds and renders subtitle tracks.
type Composer struct {
	opts Options
}

// New returns a composer; non-positive options fall back to DefaultOptions.
func New(opts Options) *Composer {
	def := DefaultOptions()
	if opts.DisplayDuration <= 0 {
		opts.DisplayDuration = def.DisplayDuration
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = def.MaxLines
	}
	if opts.FontSize <= 0 {
		opts.FontSize = def.FontSize
	}
	if opts.Position == "" {
		opts.Position = def.Position
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	return &Composer{opts: opts}
}

// Compose converts events, in log order, into cues.
//
// A cue starts at the event's offset from start, clamped to zero and to the
// previous cue's start, and lasts DisplayDuration. It takes the lowest lane
// that is free at its start. When every lane is busy the cue that started
// earliest is cut short to end where the new one begins, and its lane is
// reused. A cue cut short at its own start time is dropped.
func (c *Composer) Compose(start time.Time, events []chat.Event) []Cue {
	cues := make([]Cue, 0, len(events))
	lanes := make([]int, c.opts.MaxLines) // cue index occupying each lane
	for i := range lanes {
		lanes[i] = -1
	}

	var prev time.Duration
	for _, ev := range events {
		s := ev.Time.Sub(start)
		if s < 0 {
			s = 0
		}
		if s < prev {
			s = prev
		}
		prev = s

		lane := -1
		for l, idx := range lanes {
			if idx < 0 || cues[idx].End <= s {
				lane = l
				break
			}
		}
		if lane < 0 {
			lane = 0
			for l := 1; l < len(lanes); l++ {
				if lanes[l] < lanes[lane] {
					lane = l
				}
			}
			cues[lanes[lane]].End = s
		}

		cues = append(cues, Cue{
			Start:    s,
			End:      s + c.opts.DisplayDuration,
			Lane:     lane,
			Seq:      ev.Seq,
			Kind:     ev.Kind,
			Nickname: ev.Nickname,
			Text:     cueText(ev),
			Color:    ev.Color,
		})
		lanes[lane] = len(cues) - 1
	}

	out := cues[:0]
	for _, cue := range cues {
		if cue.End > cue.Start {
			out = append(out, cue)
		}
	}
	return out
}

func cueText(ev chat.Event) string {
	switch ev.Kind {
	case chat.KindGift:
		if ev.Gift == nil {
			return "sent a gift"
		}
		if ev.Gift.Count > 1 {
			return "sent " + ev.Gift.Name + " x" + strconv.Itoa(ev.Gift.Count)
		}
		return "sent " + ev.Gift.Name
	case chat.KindJoin:
		return "joined"
	default:
		return ev.Text
	}
}
