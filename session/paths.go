package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	rawName      = "raw_video"
	chatLogName  = "chat_log.jsonl"
	subtitleName = "overlay.ass"
	finalName    = "final_output"
)

var unsafeChars = strings.NewReplacer("<", "_", ">", "_", ":", "_", `"`, "_", "/", "_", `\`, "_", "|", "_", "?", "_", "*", "_")

// SanitizeFilename replaces characters that are not allowed in file names.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(unsafeChars.Replace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// FormatDuration renders d as M:SS, or H:MM:SS from one hour up.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, secs%3600/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// sessionDir returns <root>/<user>_<YYYYmmdd_HHMMSS>.
func sessionDir(root, username string, at time.Time) string {
	return filepath.Join(root, SanitizeFilename(username)+"_"+at.Format("20060102_150405"))
}

func withExt(dir, name, ext string) string {
	return filepath.Join(dir, name+"."+strings.TrimPrefix(ext, "."))
}

// pruneEmpty removes zero-length files in dir and then dir itself if nothing
// is left. It reports whether dir was removed.
func pruneEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	left := 0
	for _, e := range entries {
		if e.IsDir() {
			left++
			continue
		}
		p := filepath.Join(dir, e.Name())
		if fi, err := e.Info(); err == nil && fi.Size() == 0 {
			if os.Remove(p) == nil {
				continue
			}
		}
		left++
	}
	if left > 0 {
		return false
	}
	return os.Remove(dir) == nil
}
