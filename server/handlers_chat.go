package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/live-tender/chat"
)

// sseKeepAlive is how often an idle stream sends a comment line.
var sseKeepAlive = 15 * time.Second

// HandleChatJSON returns the newest stored chat events of a user, oldest first.
func (h *Handlers) HandleChatJSON(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "chat history requires DB_DSN")
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.history.RecentChat(r.Context(), usernameParam(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []chat.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleChatSSE streams a user's live chat as Server-Sent Events until the
// client goes away.
func (h *Handlers) HandleChatSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	username := usernameParam(r)
	events, unsubscribe := h.hub.Subscribe(username, 64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode chat event", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Kind) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(append(b, '\n', '\n')); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
