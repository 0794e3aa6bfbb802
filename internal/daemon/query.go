package daemon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
)

var queryLog = logging.ForComponent(logging.CompQuery)

// Query answers read-only requests on the query socket.
type Query struct {
	store *statedb.StateDB
}

// NewQuery returns a query handler over store.
func NewQuery(store *statedb.StateDB) *Query {
	return &Query{store: store}
}

// Handle implements ipc.Handler.
func (q *Query) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.TypeListSessions:
		var (
			sessions []*session.Session
			err      error
		)
		if req.State != "" {
			if !req.State.Valid() {
				return ipc.ErrorResponse("invalid state filter " + string(req.State))
			}
			sessions, err = q.store.ListByState(ctx, req.State)
		} else {
			sessions, err = q.store.ListSessions(ctx)
		}
		if err != nil {
			return q.fail(req, err)
		}
		if sessions == nil {
			sessions = []*session.Session{}
		}
		return &ipc.Response{Type: ipc.TypeSessions, Sessions: sessions}

	case ipc.TypeGetSession:
		if req.ID == "" {
			return ipc.ErrorResponse("get_session requires an id")
		}
		s, err := q.store.GetSession(ctx, req.ID)
		if err != nil {
			return q.fail(req, err)
		}
		return &ipc.Response{Type: ipc.TypeSession, Session: s}

	case ipc.TypeGetSessionByLocator:
		loc, err := session.ParseLocator(req.Locator)
		if err != nil {
			return ipc.ErrorResponse(err.Error())
		}
		s, err := q.store.GetSessionByLocator(ctx, loc)
		if err != nil {
			return q.fail(req, err)
		}
		return &ipc.Response{Type: ipc.TypeSession, Session: s}

	case ipc.TypeRecentEvents:
		var (
			events []session.Event
			err    error
		)
		if req.Orphans {
			events, err = q.store.OrphanEvents(ctx, req.Limit)
		} else {
			events, err = q.store.RecentEvents(ctx, req.SessionID, req.Limit)
		}
		if err != nil {
			return q.fail(req, err)
		}
		if events == nil {
			events = []session.Event{}
		}
		return &ipc.Response{Type: ipc.TypeEvents, Events: events}
	}
	return ipc.ErrorResponse("unsupported request type " + string(req.Type))
}

func (q *Query) fail(req *ipc.Request, err error) *ipc.Response {
	if errors.Is(err, statedb.ErrNotFound) {
		return ipc.NotFound("session not found")
	}
	queryLog.Warn("query_failed", slog.String("type", string(req.Type)), slog.String("error", err.Error()))
	return ipc.ErrorResponse(err.Error())
}
