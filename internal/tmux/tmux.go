package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GianlucaP106/gotmux/gotmux"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/session"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// DefaultCaptureLines is how much pane history capture-pane returns.
const DefaultCaptureLines = 20

// DefaultCaptureRate caps capture-pane spawns per second.
const DefaultCaptureRate = 20

// serverDialTimeout bounds the reachability check of the server socket.
const serverDialTimeout = 500 * time.Millisecond

// Commander runs one raw tmux command and returns its stdout.
// *gotmux.Tmux satisfies it. Its errors carry no tmux stderr, so the
// adapter never reads meaning into the error text.
type Commander interface {
	Command(args ...string) (string, error)
}

// Options configures an Adapter.
type Options struct {
	// Socket selects a tmux server socket; empty uses the default server
	// ($TMUX, then $TMUX_TMPDIR/tmux-UID/default).
	Socket string
	// CaptureLines bounds capture-pane output. Default: DefaultCaptureLines.
	CaptureLines int
	// CaptureRate caps capture-pane calls per second. Default: DefaultCaptureRate.
	CaptureRate float64
	// Signature classifies panes; nil uses the defaults with process probing.
	Signature *Signature
	// Commander overrides the tmux client (tests).
	Commander Commander
}

// Adapter is the Source backed by a real tmux server.
type Adapter struct {
	socket       string
	serverPath   string
	captureLines int
	limiter      *rate.Limiter
	sig          *Signature
	listSf       singleflight.Group
	captureSf    singleflight.Group

	mu  sync.Mutex
	cmd Commander
}

var _ Source = (*Adapter)(nil)

// NewAdapter builds an Adapter. The tmux client is created on first use so
// the daemon can start before any tmux server exists.
func NewAdapter(opts Options) *Adapter {
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = DefaultCaptureLines
	}
	if opts.CaptureRate <= 0 {
		opts.CaptureRate = DefaultCaptureRate
	}
	if opts.Signature == nil {
		opts.Signature = NewSignature(nil, nil, ProcessProbe)
	}
	burst := int(opts.CaptureRate)
	if burst < 1 {
		burst = 1
	}
	return &Adapter{
		socket:       opts.Socket,
		serverPath:   serverSocketPath(opts.Socket),
		captureLines: opts.CaptureLines,
		limiter:      rate.NewLimiter(rate.Limit(opts.CaptureRate), burst),
		sig:          opts.Signature,
		cmd:          opts.Commander,
	}
}

// Signature returns the pane classifier in use.
func (a *Adapter) Signature() *Signature {
	return a.sig
}

// serverSocketPath resolves the socket the tmux client would connect to.
func serverSocketPath(socket string) string {
	if socket != "" {
		return socket
	}
	if env := os.Getenv("TMUX"); env != "" {
		if path, _, _ := strings.Cut(env, ","); path != "" {
			return path
		}
	}
	dir := os.Getenv("TMUX_TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, fmt.Sprintf("tmux-%d", os.Getuid()), "default")
}

// serverUp reports whether a tmux server accepts connections on its socket.
func (a *Adapter) serverUp() bool {
	conn, err := net.DialTimeout("unix", a.serverPath, serverDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (a *Adapter) client() (Commander, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil {
		return a.cmd, nil
	}
	var (
		t   *gotmux.Tmux
		err error
	)
	if a.socket != "" {
		t, err = gotmux.NewTmux(a.socket)
	} else {
		t, err = gotmux.DefaultTmux()
	}
	if err != nil {
		return nil, a.failure("connect", err)
	}
	a.cmd = t
	return a.cmd, nil
}

// failure wraps a failed tmux call, marking it ErrNoServer when the server
// socket does not answer.
func (a *Adapter) failure(op string, err error) error {
	if !a.serverUp() {
		return fmt.Errorf("tmux %s: %w: %w", op, ErrNoServer, err)
	}
	return fmt.Errorf("tmux %s: %w", op, err)
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := a.client()
	if err != nil {
		return "", err
	}
	out, err := c.Command(args...)
	if err != nil {
		return "", a.failure(args[0], err)
	}
	return out, nil
}

// listRaw runs list-panes across all sessions without signature matching.
// Concurrent callers share one tmux call.
func (a *Adapter) listRaw(ctx context.Context) ([]Pane, error) {
	v, err, _ := a.listSf.Do("list-panes", func() (any, error) {
		out, err := a.run(ctx, "list-panes", "-a", "-F", paneFormat)
		if err != nil {
			return nil, err
		}
		panes, errs := parsePaneList(out)
		for _, perr := range errs {
			tmuxLog.Warn("pane_line_skipped", slog.String("error", perr.Error()))
		}
		return panes, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Pane)), nil
}

// ListPanes enumerates every pane and marks panes matching the Claude
// signature.
func (a *Adapter) ListPanes(ctx context.Context) ([]Pane, error) {
	panes, err := a.listRaw(ctx)
	if err != nil {
		return nil, err
	}
	for i := range panes {
		panes[i].Assistant = a.sig.Match(ctx, panes[i])
	}
	return panes, nil
}

// Capture returns the last CaptureLines lines of a pane with wrapped lines
// joined. Concurrent captures of the same pane share one tmux call. A failed
// capture of a pane missing from a fresh listing wraps ErrPaneNotFound.
func (a *Adapter) Capture(ctx context.Context, loc session.Locator) (string, error) {
	target := exactTarget(loc)
	v, err, _ := a.captureSf.Do(target, func() (any, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("tmux: capture %s: %w", loc, err)
		}
		out, err := a.run(ctx, "capture-pane", "-p", "-J", "-t", target,
			"-S", "-"+strconv.Itoa(a.captureLines))
		if err != nil {
			logging.Aggregate(logging.CompTmux, "pane_capture_failed",
				slog.String("target", loc.String()))
			if a.Liveness(ctx, loc) == Absent {
				return "", fmt.Errorf("%w: %s: %w", ErrPaneNotFound, loc, err)
			}
			return "", err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Liveness checks the locator against a fresh pane listing. A listing that
// succeeds without the locator is Absent, which covers a killed tmux
// session as well as a closed pane. A failed listing is Unknown.
func (a *Adapter) Liveness(ctx context.Context, loc session.Locator) Liveness {
	panes, err := a.listRaw(ctx)
	if err != nil {
		tmuxLog.Debug("liveness_probe_failed",
			slog.String("target", loc.String()),
			slog.String("error", err.Error()))
		return Unknown
	}
	for _, p := range panes {
		if p.Locator == loc {
			return Live
		}
	}
	return Absent
}
