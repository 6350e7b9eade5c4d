package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/live"
	"github.com/onnwee/live-tender/overlay"
	"github.com/onnwee/live-tender/ratelimit"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/subtitle"
	"github.com/onnwee/live-tender/supervisor"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/upstream"
	"github.com/onnwee/live-tender/webcast"
)

// eventBuffer bounds the lifecycle and chat events waiting for the sink.
const eventBuffer = 1024

// database owns the optional Postgres connection; the injector closes it on shutdown.
type database struct {
	conn  *sql.DB
	store *db.Store
}

func (d *database) Shutdown() error { return d.conn.Close() }

func openDatabase(ctx context.Context, dsn string) (*database, error) {
	conn, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	return &database{conn: conn, store: &db.Store{DB: conn}}, nil
}

// setupDI builds the object graph of the recorder. Services are created
// lazily on first invoke, so the database is only opened when DB_DSN is set
// and something asks for it.
func setupDI(ctx context.Context, cfg *config.Config) *do.RootScope {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, server.NewHub())
	do.ProvideValue(injector, make(chan session.Event, eventBuffer))

	do.Provide(injector, func(i do.Injector) (*ratelimit.Limiter, error) {
		return ratelimit.New(ratelimit.Config{Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow}), nil
	})
	do.Provide(injector, func(i do.Injector) (*database, error) {
		return openDatabase(ctx, cfg.DBDsn)
	})
	registerUpstream(injector, cfg)

	do.Provide(injector, func(i do.Injector) (*live.Detector, error) {
		client, err := do.Invoke[upstream.RoomClient](i)
		if err != nil {
			return nil, err
		}
		return live.NewDetector(client, do.MustInvoke[*ratelimit.Limiter](i), live.Options{
			Interval:             cfg.PollInterval,
			MaxInterval:          cfg.PollMaxInterval,
			NotFoundThreshold:    cfg.NotFoundThreshold,
			MaxConsecutiveErrors: cfg.MaxPollErrors,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*capture.Capturer, error) {
		return &capture.Capturer{
			FFmpegPath:     cfg.FFmpegPath,
			MaxDuration:    cfg.MaxDuration,
			StartupGrace:   cfg.CaptureStartupGrace,
			HealthInterval: cfg.CaptureHealthInterval,
			StaleAfter:     cfg.CaptureStaleAfter,
			StopTimeout:    cfg.CaptureStopTimeout,
		}, nil
	})
	do.Provide(injector, func(i do.Injector) (*subtitle.Composer, error) {
		return subtitle.New(subtitleOptions(cfg)), nil
	})
	do.Provide(injector, func(i do.Injector) (*overlay.Encoder, error) {
		return overlay.NewEncoder(cfg.FFmpegPath, cfg.OverlayPreset, cfg.OverlayCRF, cfg.MaxConcurrentEncodes), nil
	})
	do.Provide(injector, func(i do.Injector) (session.ChatFactory, error) {
		dialer, err := do.Invoke[upstream.FeedDialer](i)
		if err != nil {
			return nil, err
		}
		var mirror chat.Mirror
		if cfg.DBDsn != "" {
			d, err := do.Invoke[*database](i)
			if err != nil {
				return nil, err
			}
			mirror = d.store
		}
		return session.IngestorFactory(chat.IngestConfig{
			IncludeGifts:      cfg.IncludeGifts,
			IncludeJoins:      cfg.IncludeJoins,
			DedupWindow:       cfg.ChatDedupWindow,
			ReconnectAttempts: cfg.ChatReconnectAttempts,
			ReconnectDelay:    cfg.ChatReconnectDelay,
		}, dialer, mirror), nil
	})
	do.Provide(injector, func(i do.Injector) (*supervisor.Supervisor, error) {
		detector, err := do.Invoke[*live.Detector](i)
		if err != nil {
			return nil, err
		}
		chatFactory, err := do.Invoke[session.ChatFactory](i)
		if err != nil {
			return nil, err
		}
		deps := session.Deps{
			Detector: detector,
			Recorder: session.CaptureRecorder{Capturer: do.MustInvoke[*capture.Capturer](i)},
			Chat:     chatFactory,
			Composer: do.MustInvoke[*subtitle.Composer](i),
			Burner:   do.MustInvoke[*overlay.Encoder](i),
			Events:   do.MustInvoke[chan session.Event](i),
		}
		factory := func(username string) supervisor.Runner {
			return session.New(sessionConfig(cfg, username), deps)
		}
		return supervisor.New(factory, supervisor.Options{
			MaxRestarts:    cfg.MaxRestarts,
			RestartBackoff: cfg.RestartBackoff,
		}, cfg.Usernames...), nil
	})
	do.Provide(injector, func(i do.Injector) (http.Handler, error) {
		sup, err := do.Invoke[*supervisor.Supervisor](i)
		if err != nil {
			return nil, err
		}
		deps := server.Deps{Config: cfg, Registry: sup, Hub: do.MustInvoke[*server.Hub](i)}
		if cfg.DBDsn != "" {
			d, err := do.Invoke[*database](i)
			if err != nil {
				return nil, err
			}
			deps.History = d.store
			deps.DB = d.conn
		}
		return server.NewMux(deps, do.MustInvoke[*ratelimit.Limiter](i)), nil
	})

	return injector
}

// registerUpstream provides the RoomClient and FeedDialer of the configured platform.
func registerUpstream(injector do.Injector, cfg *config.Config) {
	switch cfg.Provider {
	case config.ProviderTwitch:
		do.Provide(injector, func(i do.Injector) (upstream.RoomClient, error) {
			hc, err := twitchapi.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchHelixURL, cfg.TwitchTokenURL, cfg.TwitchPlaybackURL)
			if err != nil {
				return nil, err
			}
			return hc, nil
		})
		do.Provide(injector, func(i do.Injector) (upstream.FeedDialer, error) {
			if cfg.TwitchBotUsername == "" || cfg.TwitchOAuthToken == "" {
				slog.Info("twitch chat joins anonymously: TWITCH_BOT_USERNAME or TWITCH_OAUTH_TOKEN not set")
			}
			return &twitchapi.ChatDialer{Username: cfg.TwitchBotUsername, OAuthToken: cfg.TwitchOAuthToken}, nil
		})
	default:
		sess := webcast.ParseSession(cfg.WebcastCookie)
		do.Provide(injector, func(i do.Injector) (upstream.RoomClient, error) {
			return &webcast.Client{BaseURL: cfg.WebcastBaseURL, Session: sess, Format: webcastFormat(cfg.Format)}, nil
		})
		do.Provide(injector, func(i do.Injector) (upstream.FeedDialer, error) {
			return &webcast.Dialer{BaseURL: cfg.WebcastBaseURL, Session: sess}, nil
		})
	}
}

// webcastFormat picks the upstream variant for a capture container: FLV
// sources for flv, HLS for everything else.
func webcastFormat(container string) string {
	if container == "flv" {
		return "flv"
	}
	return "hls"
}

func sessionConfig(cfg *config.Config, username string) session.Config {
	return session.Config{
		Username:     username,
		OutputDir:    cfg.OutputDir,
		Quality:      cfg.Quality,
		Format:       cfg.Format,
		OutputFormat: cfg.OutputFormat,
		MaxDuration:  cfg.MaxDuration,
		StopTimeout:  cfg.CaptureStopTimeout,
		Chat:         cfg.ChatEnabled,
		ChatOnly:     cfg.ChatOnly,
		ChatFatal:    cfg.ChatFatal,
		Overlay:      !cfg.NoOverlay,
	}
}
