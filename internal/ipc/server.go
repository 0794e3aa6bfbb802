package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/logging"
)

// ErrSocketInUse is returned by Listen when a live server already owns the path.
var ErrSocketInUse = errors.New("ipc: socket already in use by a running daemon")

const (
	// maxLineBytes bounds one request line. Hook payloads carry tool input,
	// which can be large.
	maxLineBytes = 4 * 1024 * 1024
	// maxClients caps concurrent connections per socket.
	maxClients = 256
	// idleTimeout closes connections that send nothing.
	idleTimeout = 2 * time.Minute
)

// Handler answers one request. It must not return nil.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// Server accepts connections on a unix socket and serves each one in its
// own goroutine until the context passed to Serve is canceled.
type Server struct {
	path    string
	name    string
	handler Handler
	version string
	log     *slog.Logger

	ln net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithVersion sets the version reported in pong replies.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger replaces the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Listen binds path. A leftover socket file with nobody listening is
// removed first; a live one yields ErrSocketInUse. The socket is made
// readable by the owner only.
func Listen(path, name string, h Handler, opts ...Option) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if err := removeStale(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s := &Server{
		path:    path,
		name:    name,
		handler: h,
		log:     logging.ForComponent(name),
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Info("socket_listening", slog.String("path", path))
	return s, nil
}

func removeStale(path string) error {
	st, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ipc: stat socket path: %w", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("ipc: %s exists and is not a unix socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 500*time.Millisecond); err == nil {
		conn.Close()
		return ErrSocketInUse
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	logging.ForComponent(logging.CompDaemon).Warn("stale_socket_removed", slog.String("path", path))
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts until ctx is canceled, then closes every connection, waits
// for in-flight handlers and removes the socket file. It returns nil on a
// clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosing() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.close()
			s.wg.Wait()
			return fmt.Errorf("ipc: accept on %s: %w", s.path, err)
		}
		if !s.track(conn) {
			s.log.Warn("max_clients_reached", slog.Int("max", maxClients))
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting and removes the socket without waiting for Serve.
func (s *Server) Close() {
	s.close()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || len(s.conns) >= maxClients {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("socket_remove_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp *Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = ErrorResponse("invalid request: " + err.Error())
		} else {
			resp = s.dispatch(ctx, &req)
		}
		if err := enc.Encode(resp); err != nil {
			s.log.Debug("write_failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.isClosing() {
		var ne net.Error
		if !(errors.As(err, &ne) && ne.Timeout()) {
			s.log.Debug("read_failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler_panic",
				slog.String("type", string(req.Type)),
				slog.Any("panic", r))
			resp = ErrorResponse("internal error")
		}
	}()

	if req.Type == TypePing {
		return &Response{Type: TypePong, PID: os.Getpid(), Version: s.version}
	}
	resp = s.handler.Handle(ctx, req)
	if resp == nil {
		resp = ErrorResponse("no response")
	}
	return resp
}
