package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/live-tender/chat"
)

// palette holds per-user colors in ASS BGR order, indexed by chat.ColorIndex.
var palette = [...]string{"88FF00", "FFFF00", "00FFFF", "FF88FF", "FFAA00", "8888FF", "FF00FF", "00AAFF"}

const (
	giftColor = "00FFFF"
	joinColor = "888888"
	textColor = "FFFFFF"
)

// FormatTime renders d as an ASS timestamp, H:MM:SS.cc.
func FormatTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	cs := int64(d / (10 * time.Millisecond))
	h := cs / 360000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

var escaper = strings.NewReplacer(`\`, `\\`, "{", `\{`, "}", `\}`, "\r\n", `\N`, "\n", `\N`, "\r", "")

// Escape makes user text safe to embed in a Dialogue line.
func Escape(s string) string { return escaper.Replace(s) }

// Write renders cues to path. The file is written to a temporary name and
// renamed into place, so readers never see a partial track.
func (c *Composer) Write(path string, cues []Cue) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".subtitle-*.ass")
	if err != nil {
		return fmt.Errorf("subtitle: create: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := c.Render(tmp, cues); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("subtitle: render: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("subtitle: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("subtitle: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("subtitle: rename: %w", err)
	}
	return nil
}

// Render writes the complete ASS script to w.
func (c *Composer) Render(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	o := c.opts
	align := c.alignment()
	back := fmt.Sprintf("&H%02X000000", int(math.Round((1-o.BoxOpacity)*255)))

	fmt.Fprintf(bw, "[Script Info]\nScriptType: v4.00+\nPlayResX: %d\nPlayResY: %d\nWrapStyle: 0\nScaledBorderAndShadow: yes\n\n", o.Width, o.Height)
	fmt.Fprint(bw, "[V4+ Styles]\nFormat: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(bw, "Style: ChatBox,Arial,%d,&H00%s,&H000000FF,&H00000000,%s,0,0,0,0,100,100,0,0,3,2,0,%d,%d,%d,%d,1\n", o.FontSize, textColor, back, align, o.MarginX, o.MarginX, o.MarginY)
	fmt.Fprintf(bw, "Style: GiftBox,Arial,%d,&H00%s,&H000000FF,&H00000000,%s,1,0,0,0,100,100,0,0,3,2,0,%d,%d,%d,%d,1\n\n", o.FontSize, giftColor, back, align, o.MarginX, o.MarginX, o.MarginY)
	fmt.Fprint(bw, "[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, cue := range cues {
		x, y := c.position(cue.Lane)
		style := "ChatBox"
		var body string
		switch cue.Kind {
		case chat.KindGift:
			style = "GiftBox"
			body = fmt.Sprintf(`{\c&H%s&}%s %s`, giftColor, Escape(cue.Nickname), Escape(cue.Text))
		case chat.KindJoin:
			body = fmt.Sprintf(`{\c&H%s&\i1}%s %s`, joinColor, Escape(cue.Nickname), Escape(cue.Text))
		default:
			body = fmt.Sprintf(`{\c&H%s&\b1}%s{\b0\c&H%s&}: %s`, palette[cue.Color%len(palette)], Escape(cue.Nickname), textColor, Escape(cue.Text))
		}
		fmt.Fprintf(bw, "Dialogue: 0,%s,%s,%s,,0,0,0,,{\\an%d\\pos(%d,%d)\\fad(200,500)}%s\n",
			FormatTime(cue.Start), FormatTime(cue.End), style, align, x, y, body)
	}
	return bw.Flush()
}

// alignment returns the ASS numpad alignment for the configured corner.
func (c *Composer) alignment() int {
	switch c.opts.Position {
	case "top-left":
		return 7
	case "top-right":
		return 9
	case "bottom-right":
		return 3
	default:
		return 1
	}
}

// position returns the anchor point of a lane. Lane 0 sits at the margin;
// higher lanes stack away from the nearest edge.
func (c *Composer) position(lane int) (x, y int) {
	o := c.opts
	lineHeight := o.FontSize + 8
	x = o.MarginX
	if strings.HasSuffix(o.Position, "right") {
		x = o.Width - o.MarginX
	}
	if strings.HasPrefix(o.Position, "top") {
		return x, o.MarginY + lane*lineHeight
	}
	return x, o.Height - o.MarginY - lane*lineHeight
}
