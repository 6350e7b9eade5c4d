// Package db mirrors chat events and session outcomes into Postgres.
// The recorder works without it; the files on disk stay authoritative.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/session"
)

// Connect opens and pings a Postgres connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return dbx, nil
}

// Store writes to the chat_events and sessions tables. It implements chat.Mirror.
type Store struct{ DB *sql.DB }

// AppendChat inserts one chat event for username.
func (s *Store) AppendChat(ctx context.Context, username string, ev chat.Event) error {
	var giftName sql.NullString
	var giftCount sql.NullInt64
	if ev.Gift != nil {
		giftName = sql.NullString{String: ev.Gift.Name, Valid: true}
		giftCount = sql.NullInt64{Int64: int64(ev.Gift.Count), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_events(username, seq, kind, event_id, user_id, nickname, color, text, gift_name, gift_count, event_time, received_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		username, int64(ev.Seq), string(ev.Kind), ev.ID, ev.UserID, ev.Nickname, ev.Color, ev.Text,
		giftName, giftCount, ev.Time, ev.ReceivedAt)
	return err
}

// RecentChat returns up to limit of the newest chat events for username, oldest first.
func (s *Store) RecentChat(ctx context.Context, username string, limit int) ([]chat.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq, kind, COALESCE(event_id,''), COALESCE(user_id,''), COALESCE(nickname,''), COALESCE(color,0),
		        COALESCE(text,''), gift_name, gift_count, event_time, received_at
		 FROM chat_events WHERE username = $1 ORDER BY event_time DESC, id DESC LIMIT $2`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Event
	for rows.Next() {
		var ev chat.Event
		var seq int64
		var kind string
		var giftName sql.NullString
		var giftCount sql.NullInt64
		if err := rows.Scan(&seq, &kind, &ev.ID, &ev.UserID, &ev.Nickname, &ev.Color, &ev.Text, &giftName, &giftCount, &ev.Time, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Kind = chat.Kind(kind)
		if giftName.Valid {
			ev.Gift = &chat.Gift{Name: giftName.String, Count: int(giftCount.Int64)}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SessionRow is one recorded session.
type SessionRow struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Title     string     `json:"title,omitempty"`
	Quality   string     `json:"quality,omitempty"`
	Requested string     `json:"requested_quality,omitempty"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RecordEvent upserts the sessions row for a lifecycle event. Chat and
// monitoring events are ignored.
func (s *Store) RecordEvent(ctx context.Context, ev session.Event) error {
	switch ev.Type {
	case session.EventWentLive:
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO sessions(id, username, title, state, updated_at) VALUES($1,$2,$3,$4,NOW())
			 ON CONFLICT(id) DO UPDATE SET title=EXCLUDED.title, state=EXCLUDED.state, updated_at=NOW()`,
			ev.SessionID, ev.Username, ev.Title, session.StateStarting.String())
		return err
	case session.EventRecordingStarted:
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO sessions(id, username, quality, requested_quality, state, started_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,NOW())
			 ON CONFLICT(id) DO UPDATE SET quality=EXCLUDED.quality, requested_quality=EXCLUDED.requested_quality,
			   state=EXCLUDED.state, started_at=EXCLUDED.started_at, updated_at=NOW()`,
			ev.SessionID, ev.Username, ev.Quality.String(), ev.Requested.String(), session.StateRecording.String(), ev.Time)
		return err
	case session.EventCompleted, session.EventFailed:
		state := session.StateCompleted
		var errText sql.NullString
		if ev.Type == session.EventFailed {
			state = session.StateFailed
		}
		if ev.Err != nil {
			errText = sql.NullString{String: ev.Err.Error(), Valid: true}
		}
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO sessions(id, username, state, reason, error, ended_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,NOW())
			 ON CONFLICT(id) DO UPDATE SET state=EXCLUDED.state, reason=EXCLUDED.reason, error=EXCLUDED.error,
			   ended_at=EXCLUDED.ended_at, updated_at=NOW()`,
			ev.SessionID, ev.Username, state.String(), ev.Reason, errText, ev.Time)
		return err
	}
	return nil
}

// RecentSessions lists the newest sessions for username, or for everyone when username is empty.
func (s *Store) RecentSessions(ctx context.Context, username string, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, username, COALESCE(title,''), COALESCE(quality,''), COALESCE(requested_quality,''), state,
		        COALESCE(reason,''), COALESCE(error,''), started_at, ended_at
		 FROM sessions WHERE ($1 = '' OR username = $1) ORDER BY updated_at DESC LIMIT $2`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var started, ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.Username, &r.Title, &r.Quality, &r.Requested, &r.State, &r.Reason, &r.Error, &started, &ended); err != nil {
			return nil, err
		}
		if started.Valid {
			r.StartedAt = &started.Time
		}
		if ended.Valid {
			r.EndedAt = &ended.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
