package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samber/do/v2"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/supervisor"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/upstream"
	"github.com/onnwee/live-tender/webcast"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PROVIDER", "webcast")
	t.Setenv("LIVE_USERNAMES", "alice,bob")
	t.Setenv("DB_DSN", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestSetupDIWebcast(t *testing.T) {
	cfg := loadTestConfig(t)
	injector := setupDI(context.Background(), cfg)
	defer injector.Shutdown()

	client := do.MustInvoke[upstream.RoomClient](injector)
	if _, ok := client.(*webcast.Client); !ok {
		t.Errorf("room client = %T", client)
	}
	dialer := do.MustInvoke[upstream.FeedDialer](injector)
	if _, ok := dialer.(*webcast.Dialer); !ok {
		t.Errorf("feed dialer = %T", dialer)
	}

	sup, err := do.Invoke[*supervisor.Supervisor](injector)
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	if n := len(sup.Snapshot()); n != 2 {
		t.Errorf("monitored users = %d, want 2", n)
	}

	handler, err := do.Invoke[http.Handler](injector)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"alice"`) {
		t.Errorf("status = %d %s", rr.Code, rr.Body.String())
	}
}

func TestSetupDITwitch(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Provider = config.ProviderTwitch
	cfg.TwitchClientID = "id"
	cfg.TwitchClientSecret = "secret"
	injector := setupDI(context.Background(), cfg)
	defer injector.Shutdown()

	if c := do.MustInvoke[upstream.RoomClient](injector); c == nil {
		t.Fatal("nil room client")
	} else if _, ok := c.(*twitchapi.HelixClient); !ok {
		t.Errorf("room client = %T", c)
	}
	if d, ok := do.MustInvoke[upstream.FeedDialer](injector).(*twitchapi.ChatDialer); !ok || d.Username != "" {
		t.Errorf("feed dialer = %+v", d)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.NoOverlay = false
	cfg.ChatOnly = true
	sc := sessionConfig(cfg, "alice")
	if sc.Username != "alice" || !sc.Overlay || !sc.ChatOnly || sc.Quality != upstream.QualityHD || sc.OutputDir != cfg.OutputDir {
		t.Errorf("session config = %+v", sc)
	}
}

func TestWebcastFormat(t *testing.T) {
	for in, want := range map[string]string{"flv": "flv", "mp4": "hls", "ts": "hls", "mkv": "hls"} {
		if got := webcastFormat(in); got != want {
			t.Errorf("webcastFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventSinkRoutesChat(t *testing.T) {
	hub := server.NewHub()
	sub, unsubscribe := hub.Subscribe("alice", 4)
	defer unsubscribe()
	var out bytes.Buffer
	sink := &eventSink{hub: hub, display: chat.NewDisplay(&out, false)}

	events := make(chan session.Event, 4)
	ev := chat.Event{Seq: 1, Kind: chat.KindMessage, Nickname: "Bob", Text: "hello there", Time: time.Now()}
	events <- session.Event{Type: session.EventChat, Username: "alice", Chat: &ev}
	events <- session.Event{Type: session.EventChat, Username: "alice"}
	events <- session.Event{Type: session.EventWentLive, Username: "alice", Title: "stream"}
	close(events)
	sink.consume(events)

	select {
	case got := <-sub:
		if got.Text != "hello there" {
			t.Errorf("published = %+v", got)
		}
	default:
		t.Fatal("chat event not published to hub")
	}
	if !strings.Contains(out.String(), "hello there") {
		t.Errorf("display output = %q", out.String())
	}
}

func TestRegenStart(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []chat.Event{{Time: t0.Add(2 * time.Second)}, {Time: t0}, {Time: t0.Add(time.Second)}}

	got, err := regenStart("", events)
	if err != nil || !got.Equal(t0) {
		t.Errorf("regenStart(events) = %v, %v", got, err)
	}
	got, err = regenStart("2024-05-01T11:00:00Z", events)
	if err != nil || !got.Equal(t0.Add(-time.Hour)) {
		t.Errorf("regenStart(explicit) = %v, %v", got, err)
	}
	if _, err := regenStart("yesterday", events); err == nil {
		t.Error("expected parse error")
	}
	if _, err := regenStart("", nil); err == nil {
		t.Error("expected error for empty log")
	}
}

func TestRegenCommandWritesSubtitles(t *testing.T) {
	loadTestConfig(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "chat_log.jsonl")
	out := filepath.Join(dir, "overlay.ass")

	l, err := chat.CreateLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		ev := chat.Event{Seq: uint64(i + 1), Kind: chat.KindMessage, UserID: "u", Nickname: "Bob", Text: text, Time: t0.Add(time.Duration(i) * time.Second)}
		if err := l.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"regen", "--log", logPath, "--out", out})
	if err := root.Execute(); err != nil {
		t.Fatalf("regen: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, "[Events]") || !strings.Contains(s, "first") || !strings.Contains(s, "second") {
		t.Errorf("subtitles = %s", s)
	}
}
