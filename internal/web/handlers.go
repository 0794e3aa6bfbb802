package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type healthResponse struct {
	OK       bool                  `json:"ok"`
	Version  string                `json:"version,omitempty"`
	LastTick *time.Time            `json:"last_tick,omitempty"`
	Sessions map[session.State]int `json:"sessions,omitempty"`
	Time     time.Time             `json:"time"`
}

type sessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
}

type eventsResponse struct {
	Events []session.Event `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, Version: s.cfg.Version, Time: time.Now().UTC()}
	if s.cfg.LastTick != nil {
		if t := s.cfg.LastTick(); !t.IsZero() {
			t = t.UTC()
			resp.LastTick = &t
		}
	}
	status := http.StatusOK
	if s.store != nil {
		counts, err := s.store.CountByState(r.Context())
		if err != nil {
			resp.OK = false
			status = http.StatusServiceUnavailable
		}
		resp.Sessions = counts
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*session.Session
		err      error
	)
	if v := r.URL.Query().Get("state"); v != "" {
		st, perr := session.ParseState(v)
		if perr != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", perr.Error())
			return
		}
		sessions, err = s.store.ListByState(r.Context(), st)
	} else {
		sessions, err = s.store.ListSessions(r.Context())
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

// handleSession accepts a session id or a tmux locator such as "main:0.1".
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.writeEvents(w, r, sess.ID, limit)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	switch r.URL.Query().Get("orphans") {
	case "", "0", "false":
		s.writeEvents(w, r, r.URL.Query().Get("session"), limit)
	case "1", "true":
		events, err := s.store.OrphanEvents(r.Context(), limit)
		s.finishEvents(w, events, err)
	default:
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "orphans must be true or false")
	}
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, sessionID string, limit int) {
	events, err := s.store.RecentEvents(r.Context(), sessionID, limit)
	s.finishEvents(w, events, err)
}

func (s *Server) finishEvents(w http.ResponseWriter, events []session.Event, err error) {
	if err != nil {
		s.storeError(w, err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	key := chi.URLParam(r, "id")
	var (
		sess *session.Session
		err  error
	)
	if strings.Contains(key, ":") {
		loc, perr := session.ParseLocator(key)
		if perr != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", perr.Error())
			return nil, false
		}
		sess, err = s.store.GetSessionByLocator(r.Context(), loc)
	} else {
		sess, err = s.store.GetSession(r.Context(), key)
	}
	if err != nil {
		s.storeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, statedb.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	webLog.Warn("store_query_failed", slog.String("error", err.Error()))
	writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "store query failed")
}

// parseLimit reads ?limit=; the store clamps the value.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
