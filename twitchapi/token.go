package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat uses a bot OAuth token or an anonymous login.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // empty uses DefaultTokenURL
	HTTPClient   *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *TokenSource) init() {
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	// the token source outlives any single request context
	ctx := context.Background()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	ts.src = cfg.TokenSource(ctx)
}

// Get returns a valid (fresh or cached) app access token. Tokens are
// refreshed shortly before expiry.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ts.once.Do(ts.init)
	tok, err := ts.src.Token()
	if err != nil {
		return "", fmt.Errorf("twitch token request failed: %w", err)
	}
	return tok.AccessToken, nil
}
