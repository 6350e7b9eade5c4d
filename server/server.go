// Package server exposes the HTTP API: health, status, metrics, session
// control and chat access. Correlation IDs are injected into request
// contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-tender/ratelimit"
)

// NewMux returns the HTTP handler with all routes. Mutating endpoints are
// rate limited per client IP through limiter and protected by admin auth.
func NewMux(d Deps, limiter *ratelimit.Limiter) http.Handler {
	h := NewHandlers(d)
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	limiter.SetBudget("ip:", ratelimit.Config{Limit: d.Config.APIRateLimitRequests, Window: d.Config.APIRateLimitWindow})

	r := chi.NewRouter()
	r.Use(withCORS(newCORSConfig(d.Config)), traced)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/config", h.HandleConfig)
	r.Get("/status", h.HandleStatus)
	r.Get("/history", h.HandleHistory)

	r.Route("/sessions/{username}", func(r chi.Router) {
		r.Get("/chat", h.HandleChatJSON)
		r.Get("/chat/stream", h.HandleChatSSE)

		r.Group(func(r chi.Router) {
			r.Use(adminAuth(newAuthConfig(d.Config)), rateLimit(limiter))
			r.Post("/", h.HandleAddSession)
			r.Delete("/", h.HandleRemoveSession)
			r.Post("/stop", h.HandleStopSession)
		})
	})
	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// ready, when non-nil, receives the bound address once listening.
func Start(ctx context.Context, handler http.Handler, addr string, ready chan<- string) error {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // chat streams are long-lived
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready <- ln.Addr().String()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
