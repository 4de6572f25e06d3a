//go:build !linux && !darwin

package ctlsocksrv

import (
	"net"
	"os"
)

// getPeerCredentials has no portable implementation outside Linux and
// macOS. The fallback reports this process's own identity, which makes
// the caller's same-UID check pass unconditionally; the socket file's
// 0600 mode remains the effective access control on these platforms.
func getPeerCredentials(_ *net.UnixConn) (*PeerCredentials, error) {
	return &PeerCredentials{
		UID: os.Getuid(),
		GID: os.Getgid(),
		PID: os.Getpid(),
	}, nil
}
