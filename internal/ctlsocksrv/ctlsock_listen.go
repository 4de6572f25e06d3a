package ctlsocksrv

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sealfs/sealfs/internal/tlog"
)

// cleanupOrphanedSocket removes a stale control-socket file left
// behind by a previous, unclean shutdown. A file at path is only
// deleted if it's a socket AND dialing it fails with ECONNREFUSED —
// an in-use socket or a non-socket file at the same path is left
// alone.
func cleanupOrphanedSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Mode().Type() != fs.ModeSocket {
		return
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		tlog.Info.Printf("ctlsock: deleting orphaned socket file %q\n", path)
		if rerr := os.Remove(path); rerr != nil {
			tlog.Warn.Printf("ctlsock: deleting socket file failed: %v", rerr)
		}
	}
}

// Listen creates the control-socket listener at path, locking its
// parent directory and the socket file itself down to the owning
// user: the control socket answers path-resolution queries with no
// independent authentication of its own beyond getPeerCredentials'
// same-UID check, so a world-writable directory or socket would let
// any local user query it.
func Listen(path string) (net.Listener, error) {
	cleanupOrphanedSocket(path)

	parentDir := filepath.Dir(path)
	if err := os.MkdirAll(parentDir, 0700); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, err
	}

	if err := os.Chmod(parentDir, 0700); err != nil {
		tlog.Warn.Printf("ctlsock: failed to secure parent directory permissions: %v", err)
	}

	return listener, nil
}
