//go:build linux

package ctlsocksrv

import (
	"net"

	"golang.org/x/sys/unix"
)

// getPeerCredentials retrieves the credentials of the peer connected
// to conn via SO_PEERCRED.
func getPeerCredentials(conn *net.UnixConn) (*PeerCredentials, error) {
	file, err := conn.File()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cred, err := unix.GetsockoptUcred(int(file.Fd()), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, err
	}

	return &PeerCredentials{
		UID: int(cred.Uid),
		GID: int(cred.Gid),
		PID: int(cred.Pid),
	}, nil
}
