package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
)

func get(t *testing.T, h http.Handler, target string, into any) int {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	if into != nil && rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), into))
	}
	return rr.Code
}

func TestSessionEndpoints(t *testing.T) {
	db := newTestStore(t)
	a := seedSession(t, db, "main:0.0", "/repo/a")
	b := seedSession(t, db, "work:1.2", "/repo/b")
	_, err := db.ApplyState(context.Background(), statedb.Update{
		SessionID: b.ID, Method: session.MethodPush, State: session.StateNeedsInput, HookType: "PermissionRequest",
	})
	require.NoError(t, err)
	h := NewServer(Config{Store: db}).Handler()

	var list sessionsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions", &list))
	assert.Len(t, list.Sessions, 2)

	list = sessionsResponse{}
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions?state=needs_input", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, b.ID, list.Sessions[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions?state=sleeping", nil))

	var one session.Session
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/"+a.ID, &one))
	assert.Equal(t, "/repo/a", one.WorkingDir)

	one = session.Session{}
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/work:1.2", &one))
	assert.Equal(t, b.ID, one.ID)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/nowhere:9", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions/main:x", nil))
}

func TestEventEndpoints(t *testing.T) {
	db := newTestStore(t)
	a := seedSession(t, db, "main:0.0", "/repo/a")
	seedSession(t, db, "main:0.1", "/repo/b")
	_, err := db.AppendEvent(context.Background(),
		session.NewEvent("", session.HookReceived("Stop"), nil, db.Now()))
	require.NoError(t, err)
	h := NewServer(Config{Store: db}).Handler()

	var all eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/events", &all))
	assert.Len(t, all.Events, 3, "two discoveries and one orphan")

	var limited eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/events?limit=1", &limited))
	assert.Len(t, limited.Events, 1)

	var mine eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/"+a.ID+"/events", &mine))
	require.Len(t, mine.Events, 1)
	assert.Equal(t, session.EventSessionDiscovered, mine.Events[0].Type.Kind)

	var byQuery eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/events?session="+a.ID, &byQuery))
	assert.Len(t, byQuery.Events, 1)

	var orphans eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/events?orphans=true", &orphans))
	require.Len(t, orphans.Events, 1)
	assert.True(t, orphans.Events[0].Orphan())
	assert.Equal(t, "Stop", orphans.Events[0].Type.HookType)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/events?orphans=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/events?limit=ten", nil))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/missing/events", nil))
}
