package bridge

import (
	"context"
	"errors"
	"net"
)

// Caller identifies the process on the other end of a bridge connection,
// as reported by the kernel for the socket.
type Caller struct {
	PID int32
	UID uint32
	GID uint32
}

// Root reports whether the caller runs with uid 0.
func (c Caller) Root() bool { return c.UID == 0 }

type callerKey struct{}

// WithCaller attaches the connection's peer to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the peer attached by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// ErrNoPeerCredentials is returned for connections that carry no kernel
// credentials, such as TCP.
var ErrNoPeerCredentials = errors.New("connection carries no peer credentials")

// PeerCredentials returns the credentials of the process that opened a
// Unix socket connection.
func PeerCredentials(conn net.Conn) (Caller, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Caller{}, ErrNoPeerCredentials
	}
	return peerCredentials(uc)
}
