package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ananasvpn/ananas/internal/status"
)

// Client communicates with a running daemon over its Unix socket.
type Client struct {
	SocketPath string
	// Timeout bounds connect and single-response calls. Zero means 5s.
	Timeout time.Duration
}

// stopTimeout is how long "stop" may take: teardown of a stuck session
// is bounded by the engines' grace periods.
const stopTimeout = 15 * time.Second

// NewClient returns a Client for the socket at path.
func NewClient(path string) *Client {
	return &Client{SocketPath: path}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.timeout())
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.SocketPath, err)
	}
	return conn, nil
}

// call sends a request and returns the response.
func (c *Client) call(req Request, timeout time.Duration) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("daemon: %s", resp.Error)
	}
	return &resp, nil
}

// Start asks the daemon to start a session with the given proxy config.
func (c *Client) Start(config []byte) (*DaemonStatus, error) {
	resp, err := c.call(Request{Method: MethodStart, Config: config}, c.timeout())
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// Stop asks the daemon to stop the session and waits for teardown.
func (c *Client) Stop() (*DaemonStatus, error) {
	resp, err := c.call(Request{Method: MethodStop}, stopTimeout)
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// Status queries the daemon for its current state.
func (c *Client) Status() (*DaemonStatus, error) {
	resp, err := c.call(Request{Method: MethodStatus}, c.timeout())
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// Shutdown asks the daemon to stop the session and exit.
func (c *Client) Shutdown() error {
	_, err := c.call(Request{Method: MethodShutdown}, c.timeout())
	return err
}

// Subscribe streams snapshots to fn until ctx is done or the daemon ends
// the stream. initial receives the status at subscription time and may be
// nil. A stream ended by the daemon returns nil.
func (c *Client) Subscribe(ctx context.Context, initial func(*DaemonStatus), fn func(status.Snapshot)) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(Request{Method: MethodSubscribe}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	dec := json.NewDecoder(conn)
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon: %s", resp.Error)
	}
	if initial != nil {
		initial(resp.State)
	}
	for {
		var snap status.Snapshot
		if err := dec.Decode(&snap); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		fn(snap)
	}
}

// IsRunning returns true if the daemon socket is connectable.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.SocketPath, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitForReady polls the daemon socket until it accepts a status request
// or the timeout expires.
func (c *Client) WaitForReady(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("daemon not ready within %s", timeout)
		case <-ticker.C:
			if _, err := c.Status(); err == nil {
				return nil
			}
		}
	}
}
