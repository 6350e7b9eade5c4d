package chat

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// termPalette mirrors the subtitle palette for terminal output.
var termPalette = [PaletteSize]lipgloss.Color{"#00FF88", "#00FFFF", "#FFFF00", "#FF88FF", "#00AAFF", "#FF8888", "#FF00FF", "#FFAA00"}

// Display prints chat events to a terminal, one line per event.
type Display struct {
	mu     sync.Mutex
	w      io.Writer
	names  [PaletteSize]lipgloss.Style
	user   lipgloss.Style
	gift   lipgloss.Style
	join   lipgloss.Style
	clock  lipgloss.Style
	prefix bool // prefix lines with the streamer's username
}

// NewDisplay renders to w. Colors are dropped automatically when w is not a terminal.
func NewDisplay(w io.Writer, multiUser bool) *Display {
	r := lipgloss.NewRenderer(w)
	d := &Display{
		w:      w,
		user:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")),
		gift:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFF00")),
		join:   r.NewStyle().Faint(true),
		clock:  r.NewStyle().Faint(true),
		prefix: multiUser,
	}
	for i, c := range termPalette {
		d.names[i] = r.NewStyle().Bold(true).Foreground(c)
	}
	return d
}

// Format renders ev as a single line without a trailing newline.
func (d *Display) Format(username string, ev Event) string {
	var b strings.Builder
	b.WriteString(d.clock.Render(ev.Time.Format("15:04:05")))
	b.WriteByte(' ')
	if d.prefix {
		b.WriteString(d.user.Render("[" + username + "]"))
		b.WriteByte(' ')
	}
	name := d.names[ev.Color%PaletteSize].Render(ev.Nickname)
	switch ev.Kind {
	case KindGift:
		b.WriteString(d.gift.Render(fmt.Sprintf("%s sent %s x%d", ev.Nickname, ev.Gift.Name, ev.Gift.Count)))
	case KindJoin:
		b.WriteString(d.join.Render(ev.Nickname + " joined"))
	default:
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(ev.Text)
	}
	return b.String()
}

// Show writes one formatted line for ev.
func (d *Display) Show(username string, ev Event) {
	line := d.Format(username, ev)
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.w, line)
}
