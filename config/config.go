// Package config loads environment variables into the typed Config used across the service.
// Defaults let the binary run locally with only LIVE_USERNAMES set.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/onnwee/live-tender/upstream"
)

// Providers understood by Provider.
const (
	ProviderWebcast = "webcast"
	ProviderTwitch  = "twitch"
)

type Config struct {
	Usernames []string `env:"LIVE_USERNAMES" envSeparator:","`
	Provider  string   `env:"PROVIDER" envDefault:"webcast"`

	// Webcast upstream
	WebcastBaseURL string `env:"WEBCAST_BASE_URL" envDefault:"http://localhost:8090"`
	WebcastCookie  string `env:"WEBCAST_COOKIE"`

	// Twitch upstream
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchBotUsername  string `env:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken   string `env:"TWITCH_OAUTH_TOKEN"`
	TwitchHelixURL     string `env:"TWITCH_HELIX_URL"`
	TwitchTokenURL     string `env:"TWITCH_TOKEN_URL"`
	TwitchPlaybackURL  string `env:"TWITCH_PLAYBACK_URL"` // fmt template taking the login

	// Recording
	OutputDir    string           `env:"OUTPUT_DIR" envDefault:"recordings"`
	Quality      upstream.Quality `env:"QUALITY" envDefault:"hd"`
	Format       string           `env:"FORMAT" envDefault:"flv"`
	OutputFormat string           `env:"OUTPUT_FORMAT" envDefault:"mp4"`
	MaxDuration  time.Duration    `env:"MAX_DURATION" envDefault:"0s"`
	FFmpegPath   string           `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	// Detection
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	PollMaxInterval   time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"5m"`
	NotFoundThreshold int           `env:"NOT_FOUND_THRESHOLD" envDefault:"3"`
	MaxPollErrors     int           `env:"MAX_POLL_ERRORS" envDefault:"20"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"6"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Capture process
	CaptureStartupGrace   time.Duration `env:"CAPTURE_STARTUP_GRACE" envDefault:"5s"`
	CaptureHealthInterval time.Duration `env:"CAPTURE_HEALTH_INTERVAL" envDefault:"10s"`
	CaptureStaleAfter     time.Duration `env:"CAPTURE_STALE_AFTER" envDefault:"60s"`
	CaptureStopTimeout    time.Duration `env:"CAPTURE_STOP_TIMEOUT" envDefault:"10s"`

	// Chat
	ChatEnabled           bool          `env:"CHAT_ENABLED" envDefault:"true"`
	ChatOnly              bool          `env:"CHAT_ONLY" envDefault:"false"`
	ChatFatal             bool          `env:"CHAT_FATAL" envDefault:"false"`
	ChatReconnectAttempts uint          `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ChatReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"3s"`
	ChatDedupWindow       time.Duration `env:"CHAT_DEDUP_WINDOW" envDefault:"30s"`
	IncludeGifts          bool          `env:"INCLUDE_GIFTS" envDefault:"true"`
	IncludeJoins          bool          `env:"INCLUDE_JOINS" envDefault:"true"`
	TerminalChat          bool          `env:"TERMINAL_CHAT" envDefault:"true"`

	// Subtitles
	FontSize        int           `env:"SUBTITLE_FONT_SIZE" envDefault:"24"`
	MaxLines        int           `env:"SUBTITLE_MAX_LINES" envDefault:"8"`
	DisplayDuration time.Duration `env:"SUBTITLE_DISPLAY_DURATION" envDefault:"5s"`
	Position        string        `env:"SUBTITLE_POSITION" envDefault:"bottom-left"`
	MarginX         int           `env:"SUBTITLE_MARGIN_X" envDefault:"20"`
	MarginY         int           `env:"SUBTITLE_MARGIN_Y" envDefault:"50"`
	BoxOpacity      float64       `env:"SUBTITLE_BOX_OPACITY" envDefault:"0.6"`
	VideoWidth      int           `env:"VIDEO_WIDTH" envDefault:"1920"`
	VideoHeight     int           `env:"VIDEO_HEIGHT" envDefault:"1080"`

	// Overlay
	NoOverlay            bool   `env:"NO_OVERLAY" envDefault:"true"`
	OverlayPreset        string `env:"OVERLAY_PRESET" envDefault:"fast"`
	OverlayCRF           int    `env:"OVERLAY_CRF" envDefault:"23"`
	MaxConcurrentEncodes int    `env:"MAX_CONCURRENT_ENCODES" envDefault:"1"`

	// Supervision
	MaxRestarts    int           `env:"MAX_RESTARTS" envDefault:"5"`
	RestartBackoff time.Duration `env:"RESTART_BACKOFF" envDefault:"30s"`

	// Service
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	DBDsn    string `env:"DB_DSN"`

	// HTTP API protection. Mutating endpoints are open when no credentials are set.
	AdminUsername        string        `env:"ADMIN_USERNAME"`
	AdminPassword        string        `env:"ADMIN_PASSWORD"`
	AdminToken           string        `env:"ADMIN_TOKEN"`
	CORSPermissive       bool          `env:"CORS_PERMISSIVE" envDefault:"true"`
	CORSAllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	APIRateLimitRequests int           `env:"API_RATE_LIMIT_REQUESTS" envDefault:"10"`
	APIRateLimitWindow   time.Duration `env:"API_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads environment variables, applies defaults and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}
	cfg.Usernames = normalizeUsernames(cfg.Usernames)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeUsernames trims whitespace and a leading '@', dropping empties and duplicates.
func normalizeUsernames(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimPrefix(strings.TrimSpace(u), "@")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// WithUsernames returns a copy of c monitoring the given usernames instead.
func (c *Config) WithUsernames(names []string) *Config {
	cp := *c
	cp.Usernames = normalizeUsernames(names)
	return &cp
}

// Validate checks value ranges and option combinations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderWebcast:
		if c.WebcastBaseURL == "" {
			errs = append(errs, errors.New("WEBCAST_BASE_URL is required for the webcast provider"))
		}
	case ProviderTwitch:
		if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
			errs = append(errs, errors.New("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required for the twitch provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROVIDER must be %q or %q, got %q", ProviderWebcast, ProviderTwitch, c.Provider))
	}
	switch c.Format {
	case "flv", "mp4", "ts", "mkv":
	default:
		errs = append(errs, fmt.Errorf("FORMAT %q not supported", c.Format))
	}
	switch c.Position {
	case "top-left", "top-right", "bottom-left", "bottom-right":
	default:
		errs = append(errs, fmt.Errorf("SUBTITLE_POSITION %q not supported", c.Position))
	}
	if c.MaxDuration < 0 {
		errs = append(errs, errors.New("MAX_DURATION must not be negative"))
	}
	if c.FontSize <= 0 || c.MaxLines <= 0 || c.DisplayDuration <= 0 {
		errs = append(errs, errors.New("subtitle font size, max lines and display duration must be positive"))
	}
	if c.BoxOpacity < 0 || c.BoxOpacity > 1 {
		errs = append(errs, fmt.Errorf("SUBTITLE_BOX_OPACITY must be within [0,1], got %v", c.BoxOpacity))
	}
	if c.ChatOnly && !c.ChatEnabled {
		errs = append(errs, errors.New("CHAT_ONLY requires CHAT_ENABLED"))
	}
	if c.PollInterval <= 0 || c.PollMaxInterval < c.PollInterval {
		errs = append(errs, errors.New("POLL_MAX_INTERVAL must be >= POLL_INTERVAL > 0"))
	}
	if c.MaxConcurrentEncodes <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_ENCODES must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateRun checks what the recorder needs beyond Validate.
func (c *Config) ValidateRun() error {
	if len(c.Usernames) == 0 {
		return errors.New("no usernames to monitor: set LIVE_USERNAMES or pass them as arguments")
	}
	return nil
}
