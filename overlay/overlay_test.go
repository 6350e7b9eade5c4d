package overlay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	p := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func inputs(t *testing.T) (dir, raw, subs string) {
	t.Helper()
	dir = t.TempDir()
	raw = filepath.Join(dir, "raw_video.flv")
	subs = filepath.Join(dir, "overlay.ass")
	if err := os.WriteFile(raw, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(subs, []byte("[Script Info]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, raw, subs
}

func TestBurnSuccess(t *testing.T) {
	bin := fakeFFmpeg(t, `for a; do last=$a; done; echo burned > "$last"`)
	dir, raw, subs := inputs(t)
	out := filepath.Join(dir, "final_output.mp4")

	e := NewEncoder(bin, "fast", 23, 1)
	if err := e.Burn(context.Background(), raw, subs, out); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(data)) != "burned" {
		t.Errorf("output = %q", data)
	}
	if _, err := os.Stat(tempName(out)); !os.IsNotExist(err) {
		t.Errorf("temp file should be gone, stat err = %v", err)
	}
	if e.Active() != 0 {
		t.Errorf("Active = %d after Burn", e.Active())
	}
}

func TestBurnFailureKeepsRaw(t *testing.T) {
	bin := fakeFFmpeg(t, `for a; do last=$a; done; echo partial > "$last"; echo "No such filter: 'ass'" >&2; exit 1`)
	dir, raw, subs := inputs(t)
	out := filepath.Join(dir, "final_output.mp4")

	err := NewEncoder(bin, "fast", 23, 1).Burn(context.Background(), raw, subs, out)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("final output must not exist after failure")
	}
	if _, err := os.Stat(tempName(out)); !os.IsNotExist(err) {
		t.Error("temp output must be removed after failure")
	}
	if data, _ := os.ReadFile(raw); string(data) != "video" {
		t.Error("raw recording was modified")
	}
}

func TestBurnMissingInput(t *testing.T) {
	dir := t.TempDir()
	e := NewEncoder("ffmpeg", "", 23, 1)
	err := e.Burn(context.Background(), filepath.Join(dir, "nope.flv"), filepath.Join(dir, "x.ass"), filepath.Join(dir, "o.mp4"))
	if err == nil || !strings.Contains(err.Error(), "raw input") {
		t.Fatalf("err = %v, want raw input error", err)
	}
}

func TestBurnCanceled(t *testing.T) {
	bin := fakeFFmpeg(t, `exec sleep 30`)
	dir, raw, subs := inputs(t)

	e := NewEncoder(bin, "fast", 23, 1)
	e.StopTimeout = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := e.Burn(ctx, raw, subs, filepath.Join(dir, "final_output.mp4"))
	if err == nil {
		t.Fatal("expected error on cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancel took %v", time.Since(start))
	}
}

func TestSlotLimit(t *testing.T) {
	dir, raw, subs := inputs(t)
	e := NewEncoder("ffmpeg", "fast", 23, 1)
	if !e.acquire(context.Background()) {
		t.Fatal("first acquire failed")
	}
	defer e.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Burn(ctx, raw, subs, filepath.Join(dir, "o.mp4"))
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot", err)
	}
	if e.Active() != 1 {
		t.Errorf("Active = %d, want 1", e.Active())
	}
}

func TestArgs(t *testing.T) {
	e := NewEncoder("ffmpeg", "veryfast", 20, 2)
	got := strings.Join(e.Args("in.flv", "/tmp/o.ass", "out.mp4"), " ")
	want := "-y -loglevel error -i in.flv -vf ass='/tmp/o.ass' -c:a copy -c:v libx264 -preset veryfast -crf 20 out.mp4"
	if got != want {
		t.Errorf("Args =\n%s\nwant\n%s", got, want)
	}
}

func TestFilterPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	tests := map[string]string{
		"/a/b.ass":          `'/a/b.ass'`,
		"/a/c:d.ass":        `'/a/c\:d.ass'`,
		"/a/it's.ass":       `'/a/it\'s.ass'`,
		`/a/back\slash.ass`: `'/a/back\\slash.ass'`,
	}
	for in, want := range tests {
		if got := FilterPath(in); got != want {
			t.Errorf("FilterPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTempName(t *testing.T) {
	tests := map[string]string{
		"/x/final_output.mp4": "/x/final_output.tmp.mp4",
		"/x.d/final":          "/x.d/final.tmp",
	}
	for in, want := range tests {
		if got := tempName(in); got != want {
			t.Errorf("tempName(%q) = %q, want %q", in, got, want)
		}
	}
}
