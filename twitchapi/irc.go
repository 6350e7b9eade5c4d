package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/upstream"
)

// ChatDialer opens IRC chat feeds. Without credentials it joins anonymously,
// which is enough to read chat.
type ChatDialer struct {
	Username   string
	OAuthToken string
	// IRCAddress overrides the server, e.g. a plain-text test server.
	IRCAddress string
	// Buffer is the number of events held while nobody calls Next.
	Buffer int
}

// Dial joins the channel of desc.Username and returns once connected.
func (d *ChatDialer) Dial(ctx context.Context, desc upstream.StreamDescriptor) (upstream.Feed, error) {
	channel := strings.ToLower(desc.Username)
	if channel == "" {
		return nil, errors.New("twitchapi: empty channel")
	}
	var client *twitch.Client
	if d.Username != "" && d.OAuthToken != "" {
		client = twitch.NewClient(d.Username, "oauth:"+strings.TrimPrefix(d.OAuthToken, "oauth:"))
	} else {
		client = twitch.NewAnonymousClient()
	}
	if d.IRCAddress != "" {
		client.IrcAddress = d.IRCAddress
		client.TLS = false
	}
	buf := d.Buffer
	if buf <= 0 {
		buf = 256
	}

	f := &ircFeed{
		client:    client,
		events:    make(chan upstream.RawEvent, buf),
		connected: make(chan struct{}),
		ended:     make(chan struct{}),
		closed:    make(chan struct{}),
		logger:    slog.Default().With(slog.String("component", "twitch_chat"), slog.String("channel", channel)),
	}
	client.OnConnect(func() { f.connectOnce.Do(func() { close(f.connected) }) })
	client.OnPrivateMessage(func(m twitch.PrivateMessage) { f.push(fromPrivateMessage(m)) })
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) { f.push(fromUserNotice(m)) })
	client.OnUserJoinMessage(func(m twitch.UserJoinMessage) { f.push(fromJoin(m), true) })
	client.Join(channel)

	go func() {
		err := client.Connect()
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.ended)
	}()

	select {
	case <-f.connected:
		return f, nil
	case <-f.ended:
		return nil, fmt.Errorf("twitchapi: connect: %w", f.readErr())
	case <-ctx.Done():
		_ = f.Close()
		return nil, ctx.Err()
	}
}

type ircFeed struct {
	client      *twitch.Client
	events      chan upstream.RawEvent
	connected   chan struct{}
	connectOnce sync.Once
	ended       chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger

	mu  sync.Mutex
	err error
}

func (f *ircFeed) push(env upstream.Envelope, ok bool) {
	if !ok {
		return
	}
	raw, err := env.Raw(time.Now())
	if err != nil {
		f.logger.Debug("encode chat envelope failed", slog.Any("err", err))
		return
	}
	select {
	case f.events <- raw:
	case <-f.closed:
	default:
		f.logger.Warn("chat buffer full, dropping event", slog.String("type", env.Type))
	}
}

func (f *ircFeed) readErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return errors.New("connection closed")
	}
	return f.err
}

// Next returns buffered events before reporting a disconnect.
func (f *ircFeed) Next(ctx context.Context) (upstream.RawEvent, error) {
	select {
	case <-f.closed:
		return upstream.RawEvent{}, upstream.ErrFeedClosed
	default:
	}
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return upstream.RawEvent{}, upstream.ErrFeedClosed
	case <-f.ended:
		select {
		case ev := <-f.events:
			return ev, nil
		default:
		}
		return upstream.RawEvent{}, fmt.Errorf("twitchapi: irc: %w", f.readErr())
	case <-ctx.Done():
		return upstream.RawEvent{}, ctx.Err()
	}
}

func (f *ircFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		if derr := f.client.Disconnect(); derr != nil && !errors.Is(derr, twitch.ErrConnectionIsNotOpen) {
			err = derr
		}
	})
	return err
}

func ircUser(u twitch.User) *upstream.EnvelopeUser {
	nick := u.DisplayName
	if nick == "" {
		nick = u.Name
	}
	id := u.ID
	if id == "" {
		id = u.Name
	}
	return &upstream.EnvelopeUser{ID: id, Nickname: nick}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromPrivateMessage maps PRIVMSG to a comment, or to a gift of bits when
// the message carries a cheer.
func fromPrivateMessage(m twitch.PrivateMessage) (upstream.Envelope, bool) {
	env := upstream.Envelope{ID: m.ID, TS: unixMilli(m.Time), User: ircUser(m.User)}
	if m.Bits > 0 {
		env.Type = upstream.TypeGift
		env.Gift = &upstream.EnvelopeGift{Name: "bits", Count: m.Bits}
		return env, true
	}
	env.Type = upstream.TypeComment
	env.Comment = m.Message
	return env, true
}

// fromUserNotice maps gifted subscriptions to gifts. Other notices are dropped.
func fromUserNotice(m twitch.UserNoticeMessage) (upstream.Envelope, bool) {
	env := upstream.Envelope{ID: m.ID, TS: unixMilli(m.Time), User: ircUser(m.User), Type: upstream.TypeGift}
	switch m.MsgID {
	case "subgift", "anonsubgift":
		env.Gift = &upstream.EnvelopeGift{Name: "sub", Count: 1}
	case "submysterygift", "anonsubmysterygift":
		n, err := strconv.Atoi(m.MsgParams["msg-param-mass-gift-count"])
		if err != nil || n <= 0 {
			n = 1
		}
		env.Gift = &upstream.EnvelopeGift{Name: "sub", Count: n}
	default:
		return upstream.Envelope{}, false
	}
	return env, true
}

func fromJoin(m twitch.UserJoinMessage) upstream.Envelope {
	return upstream.Envelope{Type: upstream.TypeJoin, User: &upstream.EnvelopeUser{ID: m.User, Nickname: m.User}}
}
