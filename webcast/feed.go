package webcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/live-tender/upstream"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 5 * time.Second
)

// Dialer opens websocket chat feeds.
type Dialer struct {
	BaseURL string
	Session Session
	WS      *websocket.Dialer
}

// Dial implements upstream.FeedDialer.
func (d *Dialer) Dial(ctx context.Context, desc upstream.StreamDescriptor) (upstream.Feed, error) {
	u, err := wsURL(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("webcast: feed url: %w", err)
	}
	u.Path += "/api/live/feed"
	q := u.Query()
	q.Set("room_id", desc.RoomID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	d.Session.apply(h)
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := statusError(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("webcast: dial feed: %w", err)
	}
	return newFeed(conn), nil
}

// Feed reads envelopes from one websocket connection.
type Feed struct {
	conn   *websocket.Conn
	msgs   chan upstream.RawEvent
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newFeed(conn *websocket.Conn) *Feed {
	f := &Feed{
		conn:   conn,
		msgs:   make(chan upstream.RawEvent, 64),
		closed: make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go f.read()
	go f.ping()
	return f
}

func (f *Feed) read() {
	defer close(f.msgs)
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.setErr(err)
			return
		}
		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			slog.Debug("webcast: dropping undecodable frame", slog.Any("err", err))
			continue
		}
		raw := upstream.RawEvent{Type: head.Type, ID: head.ID, Payload: data, ReceivedAt: time.Now()}
		select {
		case f.msgs <- raw:
		case <-f.closed:
			return
		}
	}
}

func (f *Feed) ping() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-f.closed:
			return
		case <-t.C:
			if err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

// Next returns the next message. After Close it returns upstream.ErrFeedClosed.
func (f *Feed) Next(ctx context.Context) (upstream.RawEvent, error) {
	select {
	case <-f.closed:
		return upstream.RawEvent{}, upstream.ErrFeedClosed
	default:
	}
	select {
	case raw, ok := <-f.msgs:
		if !ok {
			f.mu.Lock()
			err := f.err
			f.mu.Unlock()
			if isClosed(f.closed) {
				return upstream.RawEvent{}, upstream.ErrFeedClosed
			}
			return upstream.RawEvent{}, fmt.Errorf("webcast: feed read: %w", err)
		}
		return raw, nil
	case <-f.closed:
		return upstream.RawEvent{}, upstream.ErrFeedClosed
	case <-ctx.Done():
		return upstream.RawEvent{}, ctx.Err()
	}
}

// Close ends the connection. It is idempotent.
func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
