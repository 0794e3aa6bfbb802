package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBatch        = 100
)

type wsServerMessage struct {
	Type    string         `json:"type"` // status, event, error
	Event   *session.Event `json:"event,omitempty"`
	Message string         `json:"message,omitempty"`
	// Cursor is the last ledger id delivered; reconnect with ?after=<cursor>.
	Cursor int64     `json:"cursor"`
	Time   time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// handleEventsWS streams ledger entries as they are appended. Without
// ?after= the stream starts at the current end of the ledger.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative integer")
			return
		}
		cursor = n
	} else {
		last, err := s.store.LastEventID(r.Context())
		if err != nil {
			s.storeError(w, err)
			return
		}
		cursor = last
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	// The client never sends anything meaningful; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writer.WriteJSON(wsServerMessage{Type: "status", Message: "connected", Cursor: cursor, Time: time.Now().UTC()}); err != nil {
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}

		events, err := s.store.EventsAfter(ctx, cursor, wsBatch)
		if err != nil {
			webLog.Warn("ws_events_failed", slog.String("error", err.Error()))
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Message: "store query failed", Cursor: cursor})
			return
		}
		for i := range events {
			cursor = events[i].ID
			if err := writer.WriteJSON(wsServerMessage{Type: "event", Event: &events[i], Cursor: cursor}); err != nil {
				return
			}
		}
	}
}
