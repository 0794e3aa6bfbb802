package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

var (
	// ErrDaemonNotRunning means nothing is listening on the socket.
	ErrDaemonNotRunning = errors.New("ipc: daemon not running")
	// ErrUnreachable means the socket could not be dialed for another
	// reason. In both cases the request was never sent.
	ErrUnreachable = errors.New("ipc: socket unreachable")
)

// DefaultTimeout bounds one round trip when ctx has no deadline.
const DefaultTimeout = 5 * time.Second

// Client sends one request per connection.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: DefaultTimeout}
}

// WithTimeout returns a copy with a different round trip bound.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// Call sends req and waits for the single response line.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.path)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, c.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("ipc: send %s: %w", req.Type, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("ipc: read %s response: %w", req.Type, err)
		}
		return nil, fmt.Errorf("ipc: read %s response: connection closed", req.Type)
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("ipc: decode %s response: %w", req.Type, err)
	}
	return &resp, nil
}

// Ping checks that a daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) (*Response, error) {
	resp, err := c.Call(ctx, &Request{Type: TypePing})
	if err != nil {
		return nil, err
	}
	if resp.Type != TypePong {
		return nil, fmt.Errorf("ipc: unexpected ping reply %q", resp.Type)
	}
	return resp, nil
}
