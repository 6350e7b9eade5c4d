package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/ratelimit"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/supervisor"
)

// runApp starts the supervisor, the event sink and the HTTP API and blocks
// until ctx is done or one of them fails.
func runApp(ctx context.Context, cfg *config.Config, injector do.Injector) error {
	sup, err := do.Invoke[*supervisor.Supervisor](injector)
	if err != nil {
		return err
	}
	limiter := do.MustInvoke[*ratelimit.Limiter](injector)
	events := do.MustInvoke[chan session.Event](injector)

	sink := &eventSink{hub: do.MustInvoke[*server.Hub](injector)}
	if cfg.TerminalChat {
		sink.display = chat.NewDisplay(os.Stdout, len(cfg.Usernames) > 1)
	}
	if cfg.DBDsn != "" {
		d, err := do.Invoke[*database](injector)
		if err != nil {
			return err
		}
		sink.store = d.store
	}

	var handler http.Handler
	if cfg.HTTPAddr != "" {
		if handler, err = do.Invoke[http.Handler](injector); err != nil {
			return err
		}
	}

	slog.Info("starting recorder",
		slog.String("provider", cfg.Provider),
		slog.Any("usernames", cfg.Usernames),
		slog.String("output_dir", cfg.OutputDir),
		slog.Bool("chat", cfg.ChatEnabled),
		slog.Bool("overlay", !cfg.NoOverlay),
		slog.Bool("database", cfg.DBDsn != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// sessions have all returned once Run does, so nothing sends after close
		defer close(events)
		return sup.Run(gctx)
	})
	g.Go(func() error {
		sink.consume(events)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	if handler != nil {
		g.Go(func() error {
			return server.Start(gctx, handler, cfg.HTTPAddr, nil)
		})
	}

	err = g.Wait()
	slog.Info("recorder stopped")
	return err
}

// eventSink fans session events out to the terminal, SSE subscribers and
// the history tables.
type eventSink struct {
	display *chat.Display
	hub     *server.Hub
	store   *db.Store
}

func (s *eventSink) consume(events <-chan session.Event) {
	for ev := range events {
		s.handle(ev)
	}
}

func (s *eventSink) handle(ev session.Event) {
	if ev.Type == session.EventChat {
		if ev.Chat == nil {
			return
		}
		if s.display != nil {
			s.display.Show(ev.Username, *ev.Chat)
		}
		if s.hub != nil {
			s.hub.Publish(ev.Username, *ev.Chat)
		}
		return
	}

	logger := slog.With(slog.String("username", ev.Username), slog.String("session_id", ev.SessionID), slog.String("component", "events"))
	logger.Debug("session event", slog.String("type", string(ev.Type)))
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		logger.Warn("failed to record session event", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}
