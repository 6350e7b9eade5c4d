package server

import (
	"net/http"
)

// HandleConfig returns the effective non-secret configuration.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":           c.Provider,
		"output_dir":         c.OutputDir,
		"quality":            c.Quality,
		"format":             c.Format,
		"output_format":      c.OutputFormat,
		"max_duration":       c.MaxDuration.String(),
		"poll_interval":      c.PollInterval.String(),
		"chat_enabled":       c.ChatEnabled,
		"chat_only":          c.ChatOnly,
		"include_gifts":      c.IncludeGifts,
		"include_joins":      c.IncludeJoins,
		"overlay":            !c.NoOverlay,
		"subtitle_position":  c.Position,
		"subtitle_max_lines": c.MaxLines,
		"subtitle_font_size": c.FontSize,
		"max_restarts":       c.MaxRestarts,
		"restart_backoff":    c.RestartBackoff.String(),
		"database":           c.DBDsn != "",
		"auth_enabled":       c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != ""),
	})
}
