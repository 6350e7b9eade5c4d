package subtitle

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-tender/chat"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(seq uint64, at time.Duration, user, text string) chat.Event {
	return chat.Event{
		Seq:      seq,
		Kind:     chat.KindMessage,
		UserID:   user,
		Nickname: user,
		Color:    chat.ColorIndex(user),
		Text:     text,
		Time:     t0.Add(at),
	}
}

func TestComposeOffsets(t *testing.T) {
	c := New(DefaultOptions())
	events := []chat.Event{
		msg(1, 2*time.Second, "bob", "hi"),
		msg(2, 5*time.Second, "carol", "first"),
		msg(3, 5*time.Second, "dave", "second"),
	}
	cues := c.Compose(t0, events)
	if len(cues) != 3 {
		t.Fatalf("got %d cues, want 3", len(cues))
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, cue := range cues {
		if cue.Start != want[i] {
			t.Errorf("cue %d start = %v, want %v", i, cue.Start, want[i])
		}
		if cue.Seq != uint64(i+1) {
			t.Errorf("cue %d seq = %d, want %d", i, cue.Seq, i+1)
		}
		if cue.End != cue.Start+5*time.Second {
			t.Errorf("cue %d end = %v", i, cue.End)
		}
	}
}

func TestComposeClamp(t *testing.T) {
	tests := []struct {
		name string
		at   []time.Duration
		want []time.Duration
	}{
		{"before start", []time.Duration{-3 * time.Second}, []time.Duration{0}},
		{"at start", []time.Duration{0}, []time.Duration{0}},
		{"non-decreasing", []time.Duration{4 * time.Second, 3 * time.Second, 6 * time.Second}, []time.Duration{4 * time.Second, 4 * time.Second, 6 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []chat.Event
			for i, at := range tt.at {
				events = append(events, msg(uint64(i+1), at, "u", "x"))
			}
			cues := New(DefaultOptions()).Compose(t0, events)
			for i, cue := range cues {
				if cue.Start != tt.want[i] {
					t.Errorf("cue %d start = %v, want %v", i, cue.Start, tt.want[i])
				}
			}
		})
	}
}

func TestComposeLanesNeverOverlap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLines = 3
	c := New(opts)

	var events []chat.Event
	for i := 0; i < 40; i++ {
		events = append(events, msg(uint64(i+1), time.Duration(i)*700*time.Millisecond, "u", "spam"))
	}
	cues := c.Compose(t0, events)

	byLane := map[int][]Cue{}
	for _, cue := range cues {
		if cue.Lane < 0 || cue.Lane >= opts.MaxLines {
			t.Fatalf("lane %d out of range", cue.Lane)
		}
		byLane[cue.Lane] = append(byLane[cue.Lane], cue)
	}
	for lane, lc := range byLane {
		for i := 1; i < len(lc); i++ {
			if lc[i].Start < lc[i-1].End {
				t.Errorf("lane %d: cue seq %d starts at %v before seq %d ends at %v",
					lane, lc[i].Seq, lc[i].Start, lc[i-1].Seq, lc[i-1].End)
			}
		}
	}
}

func TestComposeEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLines = 2
	c := New(opts)
	cues := c.Compose(t0, []chat.Event{
		msg(1, 0, "a", "one"),
		msg(2, time.Second, "b", "two"),
		msg(3, 2*time.Second, "c", "three"),
	})
	if cues[0].End != 2*time.Second {
		t.Errorf("oldest cue end = %v, want truncated to 2s", cues[0].End)
	}
	if cues[2].Lane != cues[0].Lane {
		t.Errorf("new cue lane = %d, want reused lane %d", cues[2].Lane, cues[0].Lane)
	}
	if cues[1].End != 6*time.Second {
		t.Errorf("second cue end = %v, want untouched", cues[1].End)
	}
}

func TestComposeDropsCueEvictedAtItsStart(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLines = 1
	cues := New(opts).Compose(t0, []chat.Event{
		msg(1, 5*time.Second, "a", "one"),
		msg(2, 5*time.Second, "b", "two"),
	})
	if len(cues) != 1 || cues[0].Seq != 2 {
		t.Fatalf("cues = %+v, want only seq 2", cues)
	}
	if cues[0].Start != 5*time.Second || cues[0].End != 10*time.Second {
		t.Errorf("cue = %v-%v", cues[0].Start, cues[0].End)
	}
}

func TestCueText(t *testing.T) {
	tests := []struct {
		ev   chat.Event
		want string
	}{
		{chat.Event{Kind: chat.KindMessage, Text: "hello"}, "hello"},
		{chat.Event{Kind: chat.KindGift, Gift: &chat.Gift{Name: "Rose", Count: 1}}, "sent Rose"},
		{chat.Event{Kind: chat.KindGift, Gift: &chat.Gift{Name: "Rose", Count: 5}}, "sent Rose x5"},
		{chat.Event{Kind: chat.KindJoin}, "joined"},
	}
	for _, tt := range tests {
		if got := cueText(tt.ev); got != tt.want {
			t.Errorf("cueText(%v) = %q, want %q", tt.ev.Kind, got, tt.want)
		}
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00.00"},
		{2 * time.Second, "0:00:02.00"},
		{61*time.Second + 250*time.Millisecond, "0:01:01.25"},
		{3*time.Hour + 5*time.Minute + 9*time.Second + 999*time.Millisecond, "3:05:09.99"},
		{-time.Second, "0:00:00.00"},
	}
	for _, tt := range tests {
		if got := FormatTime(tt.d); got != tt.want {
			t.Errorf("FormatTime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestEscape(t *testing.T) {
	got := Escape(`a\b {\pos(0,0)} line1` + "\nline2")
	want := `a\\b \{\\pos(0,0)\} line1\Nline2`
	if got != want {
		t.Errorf("Escape = %q, want %q", got, want)
	}
}

func TestRenderDialogue(t *testing.T) {
	c := New(DefaultOptions())
	cues := c.Compose(t0, []chat.Event{
		msg(1, 2*time.Second, "alice", "{evil}"),
		{Seq: 2, Kind: chat.KindGift, Nickname: "bob", Gift: &chat.Gift{Name: "Rose", Count: 3}, Time: t0.Add(3 * time.Second)},
	})

	var buf bytes.Buffer
	if err := c.Render(&buf, cues); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"[Script Info]",
		"PlayResX: 1920",
		"Style: ChatBox,Arial,24,",
		"Style: GiftBox,Arial,24,",
		"&H66000000", // 0.6 opacity
		`Dialogue: 0,0:00:02.00,0:00:07.00,ChatBox,,0,0,0,,{\an1\pos(20,1030)\fad(200,500)}`,
		`\{evil\}`,
		`\pos(20,998)`,
		"GiftBox,,0,0,0,,",
		"sent Rose x3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestPositionCorners(t *testing.T) {
	tests := []struct {
		pos   string
		align int
		x, y  int
	}{
		{"bottom-left", 1, 20, 998},
		{"bottom-right", 3, 1900, 998},
		{"top-left", 7, 20, 82},
		{"top-right", 9, 1900, 82},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		opts.Position = tt.pos
		c := New(opts)
		if got := c.alignment(); got != tt.align {
			t.Errorf("%s: alignment = %d, want %d", tt.pos, got, tt.align)
		}
		x, y := c.position(1)
		if x != tt.x || y != tt.y {
			t.Errorf("%s: position(1) = (%d,%d), want (%d,%d)", tt.pos, x, y, tt.x, tt.y)
		}
	}
}

func TestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.ass")
	c := New(DefaultOptions())

	if err := c.Write(path, c.Compose(t0, []chat.Event{msg(1, time.Second, "a", "x")})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Write(path, nil); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "Dialogue:") {
		t.Error("expected second write to replace the first")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
