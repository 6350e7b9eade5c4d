package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/supervisor"
	"github.com/onnwee/live-tender/telemetry"
)

// HandleStatus returns every monitored user with its current session snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": h.registry.Snapshot()})
}

func usernameParam(r *http.Request) string {
	return strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, "username")), "@")
}

// registryStatus maps supervisor errors to HTTP status codes.
func registryStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleAddSession starts monitoring a user.
func (h *Handlers) HandleAddSession(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "add", h.registry.Add, http.StatusCreated)
}

// HandleRemoveSession stops a user's session and stops monitoring it.
func (h *Handlers) HandleRemoveSession(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "remove", h.registry.Remove, http.StatusAccepted)
}

// HandleStopSession ends a user's current session; monitoring continues.
func (h *Handlers) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stop", h.registry.Stop, http.StatusAccepted)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, action string, fn func(string) error, okStatus int) {
	username := usernameParam(r)
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("username", username), slog.String("action", action))
	if err := fn(username); err != nil {
		logger.Warn("session control failed", slog.Any("err", err))
		writeError(w, registryStatus(err), err.Error())
		return
	}
	logger.Info("session control applied")
	writeJSON(w, okStatus, map[string]string{"username": username, "action": action})
}

// HandleHistory lists recorded sessions, optionally filtered by ?username=.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "history requires DB_DSN")
		return
	}
	rows, err := h.history.RecentSessions(r.Context(), r.URL.Query().Get("username"), parseIntQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []db.SessionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}
