package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const maxMessageSize = 1024 * 1024

// Client sends requests to the helper over a Unix socket. Each call opens
// a new connection and carries exactly one request and one response.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the helper socket. timeout bounds each
// call including dialing.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Fetch sends req and waits for the reply. Connection failures are
// Unavailable, a socket the caller may not open is PermissionDenied and
// deadline expiry is Timeout.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	env, err := c.roundTrip(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, &FetchError{Code: CodeTimeout, Kind: req.Kind, Err: ctx.Err()}
		}
		return Response{}, &FetchError{Code: classifyTransport(err), Kind: req.Kind, Err: err}
	}
	if !env.OK {
		code := env.Code
		if code == "" {
			code = CodeUnavailable
		}
		return Response{}, &FetchError{Code: code, Kind: req.Kind, Message: env.Error}
	}

	var resp Response
	if len(env.Data) > 0 {
		if err := unmarshal(env.Data, &resp); err != nil {
			return Response{}, &FetchError{Code: CodeUnavailable, Kind: req.Kind, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*envelope, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Closing the connection unblocks reads if ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var env envelope
	if err := decMode.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&env); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &env, nil
}

func classifyTransport(err error) Code {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return CodeTimeout
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return CodePermissionDenied
	}
	return CodeUnavailable
}
