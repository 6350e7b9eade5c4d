package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockServer is a test server for the upstream platforms. Handlers are keyed
// by URL path; unknown paths return 404.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	rooms    map[string]http.HandlerFunc
	feeds    map[string]*MockFeed
	Requests []*http.Request
}

// NewMockServer creates a mock upstream server closed at test cleanup.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{
		Handlers: make(map[string]http.HandlerFunc),
		rooms:    make(map[string]http.HandlerFunc),
		feeds:    make(map[string]*MockFeed),
	}
	m.Handlers["/api/live/room"] = m.serveRoom
	m.Handlers["/api/live/feed"] = m.serveFeed
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Requests = append(m.Requests, r)
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(func() {
		m.mu.Lock()
		for _, f := range m.feeds {
			f.closeAll()
		}
		m.mu.Unlock()
		m.Close()
	})
	return m
}

// Handle registers h for path, replacing any previous handler.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockServer) serveRoom(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	h, ok := m.rooms[r.URL.Query().Get("unique_id")]
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h(w, r)
}

// MockRoomLive reports username live in roomID with the given quality → flv URL variants.
func (m *MockServer) MockRoomLive(username, roomID string, variants map[string]string) {
	v := make(map[string]map[string]string, len(variants))
	for q, u := range variants {
		v[q] = map[string]string{"flv": u}
	}
	m.setRoom(username, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "live", "room_id": roomID, "title": username + " live", "variants": v})
	})
}

// MockRoomOffline reports username as offline.
func (m *MockServer) MockRoomOffline(username string) {
	m.setRoom(username, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "offline"})
	})
}

// MockRoomBanned reports username as banned.
func (m *MockServer) MockRoomBanned(username string) {
	m.setRoom(username, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "banned"})
	})
}

// MockRoomRateLimited answers 429 with a Retry-After header.
func (m *MockServer) MockRoomRateLimited(username string, retryAfter time.Duration) {
	m.setRoom(username, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"})
	})
}

func (m *MockServer) setRoom(username string, h http.HandlerFunc) {
	m.mu.Lock()
	m.rooms[username] = h
	m.mu.Unlock()
}

// MockFeed is the server side of a room's chat websocket.
type MockFeed struct {
	mu    sync.Mutex
	conns []*websocket.Conn
	// Connected receives one value per accepted connection.
	Connected chan struct{}
}

// Feed returns the chat feed for roomID, creating it on first use.
func (m *MockServer) Feed(roomID string) *MockFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[roomID]
	if !ok {
		f = &MockFeed{Connected: make(chan struct{}, 16)}
		m.feeds[roomID] = f
	}
	return f
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (m *MockServer) serveFeed(w http.ResponseWriter, r *http.Request) {
	f := m.Feed(r.URL.Query().Get("room_id"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	select {
	case f.Connected <- struct{}{}:
	default:
	}
	// drain control frames until the client goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Send writes v as JSON to every open connection.
func (f *MockFeed) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if err := c.WriteJSON(v); err != nil {
			return err
		}
	}
	return nil
}

// Drop closes every open connection without a close frame.
func (f *MockFeed) Drop() {
	f.closeAll()
}

func (f *MockFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

// MockStreamsResponse adds a handler for the Helix /helix/streams endpoint.
func (m *MockServer) MockStreamsResponse(streams []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": streams})
	}
}

// MockUsersResponse adds a handler for the Helix /helix/users endpoint.
func (m *MockServer) MockUsersResponse(users []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": users})
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}
