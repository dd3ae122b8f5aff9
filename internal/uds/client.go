package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// CommandError is a failure reported by the daemon. Code is one of the
// protocol error codes, so callers can branch on it without string
// matching.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client issues one command per connection against the daemon socket.
// Dialing and sending the request are bounded by a short transport
// timeout; the wait for the response is bounded separately, because some
// commands legitimately run for a long time.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	callTimeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:  socketPath,
		dialTimeout: 5 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

// SetCallTimeout bounds the wait for the daemon's response. Zero or
// negative means wait indefinitely.
func (c *Client) SetCallTimeout(d time.Duration) {
	c.callTimeout = d
}

// Call sends command with params and decodes the response data into out,
// which may be nil when the caller does not need the payload. A failure
// reported by the daemon comes back as a *CommandError.
func (c *Client) Call(command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == nil {
			return &CommandError{Code: ErrCodeInternal, Message: "daemon reported failure without detail"}
		}
		return &CommandError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

// Do performs one raw request/response exchange.
func (c *Client) Do(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: stepwise serve",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if c.callTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.callTimeout))
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
