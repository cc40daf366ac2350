package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	serverReadTimeout  = 5 * time.Second
	serverWriteTimeout = 5 * time.Second
)

// Server serves bridge requests on a Unix socket, one request-response
// cycle per connection, executing each against a Bridge (normally Local).
// The peer's kernel credentials travel with each request's context; see
// CallerFrom.
type Server struct {
	socketPath string
	exec       Bridge
	timeout    time.Duration
	mode       os.FileMode
	group      int
	logger     *zap.Logger

	active sync.WaitGroup
}

// NewServer creates a server on socketPath that executes requests with
// exec, each bounded by timeout.
func NewServer(socketPath string, exec Bridge, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		exec:       exec,
		timeout:    timeout,
		mode:       0660,
		group:      -1,
		logger:     logger,
	}
}

// SetSocketMode sets the permission bits applied to the socket file.
func (s *Server) SetSocketMode(mode os.FileMode) { s.mode = mode }

// SetSocketGroup sets the group owning the socket file. Negative keeps the
// creating process's group.
func (s *Server) SetSocketGroup(gid int) { s.group = gid }

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests. A stale socket file is removed first; the socket
// file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, s.mode); err != nil {
		return fmt.Errorf("chmod socket %s: %w", s.socketPath, err)
	}
	if s.group >= 0 {
		if err := os.Chown(s.socketPath, -1, s.group); err != nil {
			return fmt.Errorf("chown socket %s: %w", s.socketPath, err)
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("Bridge server listening", zap.String("path", s.socketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("Accept failed", zap.Error(err))
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(serverReadTimeout))

	var req Request
	if err := decMode.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.reply(conn, envelope{Code: CodeInvalid, Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := req.Validate(); err != nil {
		s.reply(conn, envelope{Code: CodeInvalid, Error: err.Error(), Request: req.ID})
		return
	}

	caller, err := PeerCredentials(conn)
	if err != nil {
		s.logger.Warn("Rejecting connection without peer credentials", zap.Error(err))
		s.reply(conn, envelope{Code: CodePermissionDenied, Error: "peer credentials unavailable", Request: req.ID})
		return
	}

	reqCtx, cancel := context.WithTimeout(WithCaller(ctx, caller), s.timeout)
	defer cancel()

	resp, err := s.exec.Fetch(reqCtx, req)
	if err != nil {
		code := CodeOf(err)
		s.logger.Debug("Request failed",
			zap.String("kind", string(req.Kind)),
			zap.Int32("pid", req.PID),
			zap.Uint32("caller_uid", caller.UID),
			zap.String("code", string(code)),
			zap.Error(err))
		s.reply(conn, envelope{Code: code, Error: err.Error(), Request: req.ID})
		return
	}

	data, err := marshal(resp)
	if err != nil {
		s.reply(conn, envelope{Code: CodeUnavailable, Error: fmt.Sprintf("internal: marshaling response: %v", err), Request: req.ID})
		return
	}
	s.reply(conn, envelope{OK: true, Data: data, Request: req.ID})
}

func (s *Server) reply(conn net.Conn, env envelope) {
	conn.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
	data, err := marshal(env)
	if err != nil {
		s.logger.Debug("Failed to encode response", zap.Error(err))
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}
