// Package server exposes the HTTP API handlers.
package server

import (
	"context"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/supervisor"
)

// Registry is the supervisor surface used by the API.
type Registry interface {
	Snapshot() []supervisor.Status
	Add(username string) error
	Remove(username string) error
	Stop(username string) error
}

// History serves stored chat and session rows. Optional.
type History interface {
	RecentChat(ctx context.Context, username string, limit int) ([]chat.Event, error)
	RecentSessions(ctx context.Context, username string, limit int) ([]db.SessionRow, error)
}

// Pinger reports database reachability. Optional.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API. Registry and Config are required.
type Deps struct {
	Config   *config.Config
	Registry Registry
	History  History
	DB       Pinger
	Hub      *Hub
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	registry Registry
	history  History
	db       Pinger
	hub      *Hub
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	hub := d.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Handlers{cfg: d.Config, registry: d.Registry, history: d.History, db: d.DB, hub: hub}
}
