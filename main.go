// Command live-tender records live streams of one or more users together with
// their chat. It:
//   - Loads configuration from the environment and initializes structured logging.
//   - Watches every configured user and records each live occurrence with
//     its chat log, subtitle track and optional burned-in overlay.
//   - Optionally mirrors chat and session history into Postgres.
//   - Exposes an HTTP API with /healthz, /status, session control and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/overlay"
	"github.com/onnwee/live-tender/subtitle"
	"github.com/onnwee/live-tender/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")
	initLogger()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// initLogger configures slog from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func initLogger() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "live-tender",
		Short:         "Record live streams with their chat",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newRegenCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [username...]",
		Short: "Monitor users and record every live stream",
		Long: "Monitor users and record every live stream. Usernames given as\n" +
			"arguments replace LIVE_USERNAMES.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg = cfg.WithUsernames(args)
			}
			if err := cfg.ValidateRun(); err != nil {
				return err
			}

			telemetry.Init()
			// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
			shutdownTracing, err := telemetry.InitTracing("live-tender", version)
			if err != nil {
				return fmt.Errorf("tracing initialization failed: %w", err)
			}
			defer shutdownTracing()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			injector := setupDI(ctx, cfg)
			defer func() {
				if report := injector.Shutdown(); report != nil && !report.Succeed {
					slog.Warn("dependency shutdown reported errors", slog.String("report", report.Error()))
				}
			}()
			return runApp(ctx, cfg, injector)
		},
	}
}

func newRegenCmd() *cobra.Command {
	var logPath, start, out, video, final string
	cmd := &cobra.Command{
		Use:   "regen",
		Short: "Rebuild the subtitle track (and optionally the overlay) from a chat log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			events, err := chat.ReadLog(logPath)
			if err != nil {
				return fmt.Errorf("read chat log: %w", err)
			}
			startAt, err := regenStart(start, events)
			if err != nil {
				return err
			}

			composer := subtitle.New(subtitleOptions(cfg))
			cues := composer.Compose(startAt, events)
			if err := composer.Write(out, cues); err != nil {
				return fmt.Errorf("write subtitles: %w", err)
			}
			slog.Info("subtitles written", slog.String("path", out), slog.Int("events", len(events)), slog.Int("cues", len(cues)))

			if video == "" {
				return nil
			}
			if final == "" {
				final = strings.TrimSuffix(video, filepath.Ext(video)) + "_overlay." + cfg.OutputFormat
			}
			enc := overlay.NewEncoder(cfg.FFmpegPath, cfg.OverlayPreset, cfg.OverlayCRF, 1)
			if err := enc.Burn(cmd.Context(), video, out, final); err != nil {
				return fmt.Errorf("burn overlay: %w", err)
			}
			slog.Info("overlay written", slog.String("path", final))
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "chat_log.jsonl", "chat log (JSONL) to read")
	cmd.Flags().StringVar(&start, "start", "", "recording start as RFC3339; defaults to the first event")
	cmd.Flags().StringVar(&out, "out", "overlay.ass", "subtitle file to write")
	cmd.Flags().StringVar(&video, "video", "", "raw recording to burn the subtitles onto")
	cmd.Flags().StringVar(&final, "final", "", "burned output path; defaults next to --video")
	return cmd
}

func regenStart(start string, events []chat.Event) (time.Time, error) {
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return time.Time{}, fmt.Errorf("--start: %w", err)
		}
		return t, nil
	}
	if len(events) == 0 {
		return time.Time{}, errors.New("chat log is empty and --start is not set")
	}
	first := events[0].Time
	for _, ev := range events[1:] {
		if ev.Time.Before(first) {
			first = ev.Time
		}
	}
	return first, nil
}

func subtitleOptions(cfg *config.Config) subtitle.Options {
	return subtitle.Options{
		DisplayDuration: cfg.DisplayDuration,
		MaxLines:        cfg.MaxLines,
		FontSize:        cfg.FontSize,
		Position:        cfg.Position,
		MarginX:         cfg.MarginX,
		MarginY:         cfg.MarginY,
		BoxOpacity:      cfg.BoxOpacity,
		Width:           cfg.VideoWidth,
		Height:          cfg.VideoHeight,
	}
}
