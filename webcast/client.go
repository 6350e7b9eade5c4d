// Package webcast talks to the webcast platform: the room status API used
// for live detection and the websocket chat feed.
package webcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/live-tender/upstream"
)

// Client resolves room status over HTTP.
type Client struct {
	BaseURL    string
	Session    Session
	Format     string // preferred container, "flv" or "hls"
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type roomResponse struct {
	Status   string                       `json:"status"`
	RoomID   string                       `json:"room_id"`
	Title    string                       `json:"title"`
	Variants map[string]map[string]string `json:"variants"`
	Error    string                       `json:"error"`
}

// RoomStatus implements upstream.RoomClient.
func (c *Client) RoomStatus(ctx context.Context, username string) (upstream.RoomStatus, error) {
	if username == "" {
		return upstream.RoomStatus{}, fmt.Errorf("webcast: username empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+"/api/live/room", nil)
	if err != nil {
		return upstream.RoomStatus{}, err
	}
	q := req.URL.Query()
	q.Set("unique_id", username)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	c.Session.apply(req.Header)

	resp, err := c.http().Do(req)
	if err != nil {
		return upstream.RoomStatus{}, fmt.Errorf("webcast: room request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if err := statusError(resp); err != nil {
		return upstream.RoomStatus{}, err
	}

	var body roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return upstream.RoomStatus{}, fmt.Errorf("webcast: decode room: %w", err)
	}
	if body.Status != "live" {
		return upstream.RoomStatus{}, nil
	}
	desc := upstream.StreamDescriptor{
		Username:   username,
		RoomID:     body.RoomID,
		Title:      body.Title,
		Variants:   make(map[upstream.Quality]string, len(body.Variants)),
		ResolvedAt: time.Now(),
	}
	for name, urls := range body.Variants {
		q, err := upstream.ParseQuality(name)
		if err != nil {
			continue
		}
		if u := pickURL(urls, c.Format); u != "" {
			desc.Variants[q] = u
		}
	}
	return upstream.RoomStatus{Live: true, Descriptor: desc}, nil
}

// pickURL prefers the configured container and falls back to any other.
func pickURL(urls map[string]string, format string) string {
	if format == "" {
		format = "flv"
	}
	if u := urls[format]; u != "" {
		return u
	}
	for _, f := range []string{"flv", "hls"} {
		if u := urls[f]; u != "" {
			return u
		}
	}
	return ""
}

// statusError maps non-2xx responses onto upstream errors.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return upstream.ErrUserNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &upstream.RateLimitedError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusForbidden {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &body) == nil && body.Error == "banned" {
			return upstream.ErrUserBanned
		}
	}
	return fmt.Errorf("webcast: %s: %s", resp.Status, strings.TrimSpace(string(b)))
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// wsURL turns an http(s) base into the matching ws(s) base.
func wsURL(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u, nil
}
