// Package twitchapi implements the upstream interfaces for Twitch: live status
// through the Helix streams API and chat through the IRC interface.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/upstream"
)

// DefaultHelixURL is the Helix API base.
const DefaultHelixURL = "https://api.twitch.tv"

// DefaultPlaybackURL is the channel page template handed to the capture tool.
const DefaultPlaybackURL = "https://www.twitch.tv/%s"

// HelixClient implements upstream.RoomClient on top of the Helix API.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string // empty uses DefaultHelixURL
	// PlaybackURL is a fmt template taking the login. Helix does not expose
	// playback URLs, so every live stream gets a single origin variant.
	PlaybackURL string
	HTTPClient  *http.Client

	mu    sync.Mutex
	known map[string]string // login -> user id
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixURL
}

func (hc *HelixClient) get(ctx context.Context, path, key, value string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, time.Now())
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps a non-200 Helix response to the upstream error vocabulary.
func statusError(resp *http.Response, now time.Time) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		var wait time.Duration
		if reset, err := strconv.ParseInt(resp.Header.Get("Ratelimit-Reset"), 10, 64); err == nil {
			wait = time.Unix(reset, 0).Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		return &upstream.RateLimitedError{RetryAfter: wait}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("helix: %s: %s", resp.Status, strings.TrimSpace(string(b)))
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/helix/users", "login", login, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", upstream.ErrUserNotFound, login)
	}
	return body.Data[0].ID, nil
}

type helixStream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// RoomStatus reports whether login is live. The streams endpoint cannot tell
// an offline user from a missing one, so the first offline answer for a
// login is followed by a user lookup; known users are cached.
func (hc *HelixClient) RoomStatus(ctx context.Context, login string) (upstream.RoomStatus, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return upstream.RoomStatus{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []helixStream `json:"data"`
	}
	if err := hc.get(ctx, "/helix/streams", "user_login", login, &body); err != nil {
		return upstream.RoomStatus{}, err
	}

	var live *helixStream
	for i := range body.Data {
		if body.Data[i].Type == "live" {
			live = &body.Data[i]
			break
		}
	}
	if live == nil {
		if err := hc.ensureKnown(ctx, login); err != nil {
			return upstream.RoomStatus{}, err
		}
		return upstream.RoomStatus{}, nil
	}

	hc.remember(login, live.UserID)
	tmpl := hc.PlaybackURL
	if tmpl == "" {
		tmpl = DefaultPlaybackURL
	}
	return upstream.RoomStatus{
		Live: true,
		Descriptor: upstream.StreamDescriptor{
			Username:   login,
			RoomID:     login,
			Title:      live.Title,
			Variants:   map[upstream.Quality]string{upstream.QualityOrigin: fmt.Sprintf(tmpl, login)},
			ResolvedAt: time.Now(),
		},
	}, nil
}

func (hc *HelixClient) ensureKnown(ctx context.Context, login string) error {
	hc.mu.Lock()
	_, ok := hc.known[login]
	hc.mu.Unlock()
	if ok {
		return nil
	}
	id, err := hc.GetUserID(ctx, login)
	if err != nil {
		return err
	}
	hc.remember(login, id)
	return nil
}

func (hc *HelixClient) remember(login, id string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.known == nil {
		hc.known = make(map[string]string)
	}
	hc.known[login] = id
}

var _ upstream.RoomClient = (*HelixClient)(nil)

// NewHelixClient wires a HelixClient with its own app token source.
func NewHelixClient(clientID, clientSecret, baseURL, tokenURL, playbackURL string) (*HelixClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("twitchapi: client id and secret are required")
	}
	return &HelixClient{
		AppTokenSource: &TokenSource{ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL},
		ClientID:       clientID,
		BaseURL:        baseURL,
		PlaybackURL:    playbackURL,
	}, nil
}
