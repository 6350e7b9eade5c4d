package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/upstream"
)

func TestFromPrivateMessage(t *testing.T) {
	sent := time.UnixMilli(1700000000000)
	tests := []struct {
		name string
		msg  twitch.PrivateMessage
		want upstream.Envelope
	}{
		{
			name: "comment",
			msg:  twitch.PrivateMessage{ID: "m1", Time: sent, Message: "hi", User: twitch.User{ID: "7", Name: "bob", DisplayName: "Bob"}},
			want: upstream.Envelope{Type: upstream.TypeComment, ID: "m1", TS: 1700000000000, User: &upstream.EnvelopeUser{ID: "7", Nickname: "Bob"}, Comment: "hi"},
		},
		{
			name: "cheer becomes gift",
			msg:  twitch.PrivateMessage{ID: "m2", Bits: 100, Message: "cheer100", User: twitch.User{ID: "8", Name: "amy"}},
			want: upstream.Envelope{Type: upstream.TypeGift, ID: "m2", User: &upstream.EnvelopeUser{ID: "8", Nickname: "amy"}, Gift: &upstream.EnvelopeGift{Name: "bits", Count: 100}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fromPrivateMessage(tt.msg)
			if !ok {
				t.Fatal("message dropped")
			}
			gb, _ := json.Marshal(got)
			wb, _ := json.Marshal(tt.want)
			if string(gb) != string(wb) {
				t.Errorf("got %s\nwant %s", gb, wb)
			}
		})
	}
}

func TestFromUserNotice(t *testing.T) {
	tests := []struct {
		msgID  string
		params map[string]string
		count  int
		ok     bool
	}{
		{"subgift", nil, 1, true},
		{"anonsubgift", nil, 1, true},
		{"submysterygift", map[string]string{"msg-param-mass-gift-count": "5"}, 5, true},
		{"submysterygift", map[string]string{"msg-param-mass-gift-count": "x"}, 1, true},
		{"resub", nil, 0, false},
		{"raid", nil, 0, false},
	}
	for _, tt := range tests {
		env, ok := fromUserNotice(twitch.UserNoticeMessage{ID: "n", MsgID: tt.msgID, MsgParams: tt.params, User: twitch.User{ID: "1", Name: "g"}})
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.msgID, ok, tt.ok)
			continue
		}
		if ok && (env.Type != upstream.TypeGift || env.Gift.Name != "sub" || env.Gift.Count != tt.count) {
			t.Errorf("%s: env = %+v", tt.msgID, env)
		}
	}
}

func TestEnvelopesNormalize(t *testing.T) {
	env, _ := fromPrivateMessage(twitch.PrivateMessage{ID: "c", Bits: 50, User: twitch.User{ID: "3", Name: "zed"}})
	raw, err := env.Raw(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ev, err := chat.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != chat.KindGift || ev.Gift.Count != 50 || ev.Nickname != "zed" {
		t.Errorf("event = %+v", ev)
	}

	raw, _ = fromJoin(twitch.UserJoinMessage{Channel: "alice", User: "viewer"}).Raw(time.Now())
	ev, err = chat.Normalize(raw)
	if err != nil || ev.Kind != chat.KindJoin || ev.Nickname != "viewer" {
		t.Errorf("join = %+v, %v", ev, err)
	}
}

// fakeIRC accepts one client, welcomes it and then writes lines on demand.
type fakeIRC struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeIRC(t *testing.T) *fakeIRC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeIRC{ln: ln, conns: make(chan net.Conn, 1)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { conn.Close() })
		fmt.Fprint(conn, ":tmi.twitch.tv 001 justinfan123123 :Welcome, GLHF!\r\n")
		f.conns <- conn
		_, _ = io.Copy(io.Discard, conn)
	}()
	return f
}

func TestChatDialerReceivesMessages(t *testing.T) {
	srv := newFakeIRC(t)
	d := &ChatDialer{IRCAddress: srv.ln.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := d.Dial(ctx, upstream.StreamDescriptor{Username: "Alice"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn := <-srv.conns
	fmt.Fprint(conn, "@badge-info=;bits=25;display-name=Bob;id=abc-1;tmi-sent-ts=1700000000000;user-id=77 :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :cheer25 nice\r\n")

	raw, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ev, err := chat.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != chat.KindGift || ev.ID != "abc-1" || ev.UserID != "77" || ev.Nickname != "Bob" || ev.Gift.Count != 25 {
		t.Errorf("event = %+v", ev)
	}

	if err := feed.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	_ = feed.Close()
	if _, err := feed.Next(ctx); !errors.Is(err, upstream.ErrFeedClosed) {
		t.Errorf("Next after Close = %v", err)
	}
}

func TestChatDialerConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &ChatDialer{IRCAddress: addr}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, upstream.StreamDescriptor{Username: "alice"}); err == nil {
		t.Error("expected dial error")
	}
}

func TestChatDialerEmptyChannel(t *testing.T) {
	if _, err := (&ChatDialer{}).Dial(context.Background(), upstream.StreamDescriptor{}); err == nil {
		t.Error("expected error for empty channel")
	}
}
