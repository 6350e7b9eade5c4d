package chat

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Log appends events to a JSONL file. Each Append is a single unbuffered
// write so the file is consistent up to the last complete line.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	enc    *json.Encoder
	closed bool
}

// CreateLog opens path for appending, creating it if needed.
func CreateLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chat: open log: %w", err)
	}
	return &Log{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

func (l *Log) Path() string { return l.path }

// Append writes ev as one line.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	return l.enc.Encode(ev)
}

// Close syncs and closes the file. Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.f.Sync(), l.f.Close())
}

// ReadLog reads every event from a JSONL log. Malformed lines, such as a
// truncated final line after a crash, are skipped.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close chat log", slog.Any("err", err))
		}
	}()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			slog.Warn("skipping malformed chat log line", slog.String("path", path), slog.Int("line", line), slog.Any("err", err))
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}
