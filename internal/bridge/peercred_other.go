//go:build !linux

package bridge

import "net"

func peerCredentials(*net.UnixConn) (Caller, error) {
	return Caller{}, ErrNoPeerCredentials
}
