package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/metrics"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
)

var ingressLog = logging.ForComponent(logging.CompIngress)

// Hook sources, used as a metrics label.
const (
	SourceSocket = "socket"
	SourceSpool  = "spool"
)

// DefaultHookFreshWindow bounds how old a spooled hook may be and still set
// state. Hooks arriving on the socket always apply.
const DefaultHookFreshWindow = 45 * time.Second

var errNoHookKind = errors.New("daemon: hook event has no kind")

// Ingress applies push notifications to the store. It never creates
// sessions: a hook that matches nothing is kept as an orphan ledger entry.
type Ingress struct {
	store       *statedb.StateDB
	clock       clock.Clock
	freshWindow time.Duration
}

// NewIngress returns an ingress over store. A non-positive freshWindow
// uses DefaultHookFreshWindow.
func NewIngress(store *statedb.StateDB, clk clock.Clock, freshWindow time.Duration) *Ingress {
	if clk == nil {
		clk = clock.New()
	}
	if freshWindow <= 0 {
		freshWindow = DefaultHookFreshWindow
	}
	return &Ingress{store: store, clock: clk, freshWindow: freshWindow}
}

// IngestResult reports how a hook was applied.
type IngestResult struct {
	SessionID string
	Orphan    bool
	Changed   bool
	State     session.State
}

// Ingest resolves ev to a session and applies the state its kind implies.
func (in *Ingress) Ingest(ctx context.Context, ev ipc.HookEvent, source string) (IngestResult, error) {
	if ev.Kind == "" {
		return IngestResult{}, errNoHookKind
	}
	payload := hookPayload(ev.Data)

	sess, err := in.resolve(ctx, ev)
	if errors.Is(err, statedb.ErrNotFound) {
		return in.orphan(ctx, ev, payload, source)
	}
	if err != nil {
		return IngestResult{}, err
	}

	if source == SourceSpool && in.expired(ev) {
		// A replayed hook too old to describe the present is history only.
		// The row is stamped now so the ledger stays in insertion order.
		e := session.NewEvent(sess.ID, session.HookReceived(ev.Kind), withHookTime(payload, ev.Timestamp), time.Time{})
		if _, err := in.store.AppendEvent(ctx, e); err != nil {
			return IngestResult{}, err
		}
		metrics.ObserveHook(source, "expired")
		ingressLog.Debug("hook_expired",
			slog.String("session_id", sess.ID),
			slog.String("kind", ev.Kind),
			slog.Time("hook_time", ev.Timestamp))
		return IngestResult{SessionID: sess.ID, State: sess.State}, nil
	}

	state, _ := session.InferState(ev.Kind, ev.Data)
	res, err := in.store.ApplyState(ctx, statedb.Update{
		SessionID: sess.ID,
		Method:    session.MethodPush,
		State:     state,
		HookType:  ev.Kind,
		Payload:   payload,
	})
	if errors.Is(err, statedb.ErrNotFound) {
		// Removed by cleanup between resolve and apply.
		return in.orphan(ctx, ev, payload, source)
	}
	if err != nil {
		return IngestResult{}, err
	}

	metrics.ObserveHook(source, "session")
	if res.Changed {
		metrics.ObserveTransition(session.MethodPush, res.Session.State)
		ingressLog.Info("state_changed",
			slog.String("session_id", sess.ID),
			slog.String("from", string(res.Previous)),
			slog.String("to", string(res.Session.State)),
			slog.String("method", string(session.MethodPush)),
			slog.String("hook", ev.Kind))
	} else {
		ingressLog.Debug("hook_applied", slog.String("session_id", sess.ID), slog.String("kind", ev.Kind))
	}
	return IngestResult{SessionID: sess.ID, Changed: res.Changed, State: res.Session.State}, nil
}

// resolve matches by session id first, then by working directory.
func (in *Ingress) resolve(ctx context.Context, ev ipc.HookEvent) (*session.Session, error) {
	if ev.SessionID != "" {
		s, err := in.store.GetSession(ctx, ev.SessionID)
		if !errors.Is(err, statedb.ErrNotFound) {
			return s, err
		}
	}
	if ev.Cwd == "" {
		return nil, statedb.ErrNotFound
	}
	return in.store.FindByWorkingDir(ctx, filepath.Clean(ev.Cwd))
}

func (in *Ingress) orphan(ctx context.Context, ev ipc.HookEvent, payload json.RawMessage, source string) (IngestResult, error) {
	e := session.NewEvent("", session.HookReceived(ev.Kind), payload, time.Time{})
	if _, err := in.store.AppendEvent(ctx, e); err != nil {
		return IngestResult{}, err
	}
	metrics.ObserveHook(source, "orphan")
	ingressLog.Info("hook_orphaned",
		slog.String("kind", ev.Kind),
		slog.String("cwd", ev.Cwd))
	return IngestResult{Orphan: true}, nil
}

func (in *Ingress) expired(ev ipc.HookEvent) bool {
	return !ev.Timestamp.IsZero() && in.clock.Since(ev.Timestamp) > in.freshWindow
}

// Handle serves the hooks socket.
func (in *Ingress) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	if req.Type != ipc.TypeHook {
		return ipc.ErrorResponse("unsupported request type " + string(req.Type))
	}
	if req.Hook == nil {
		return ipc.ErrorResponse("hook request without a hook")
	}
	res, err := in.Ingest(ctx, *req.Hook, SourceSocket)
	if err != nil {
		ingressLog.Warn("hook_failed", slog.String("kind", req.Hook.Kind), slog.String("error", err.Error()))
		return ipc.ErrorResponse(err.Error())
	}
	return &ipc.Response{
		Type:      ipc.TypeAck,
		SessionID: res.SessionID,
		Orphan:    res.Orphan,
		Changed:   res.Changed,
	}
}

// withHookTime records when a replayed hook was originally sent. Object
// payloads gain a hook_time field; anything else is wrapped.
func withHookTime(payload json.RawMessage, at time.Time) json.RawMessage {
	stamp, _ := json.Marshal(at.UTC().Format(time.RFC3339Nano))
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 && json.Unmarshal(payload, &fields) != nil {
		fields = map[string]json.RawMessage{"data": payload}
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["hook_time"] = stamp
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// hookPayload keeps the raw hook body for the ledger. Non-JSON bodies are
// stored as a JSON string.
func hookPayload(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
