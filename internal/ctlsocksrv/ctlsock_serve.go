// Package ctlsocksrv serves the mount's control socket: a local,
// same-uid client can ask the running mount to resolve a plaintext
// path to its inode number without going through the kernel.
package ctlsocksrv

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sealfs/sealfs/internal/ctlsock"
	"github.com/sealfs/sealfs/internal/tlog"
)

// Interface is the slice of the filesystem facade the control socket
// needs.
type Interface interface {
	// ResolvePath walks a plaintext, slash-separated path starting at
	// the root inode and returns the inode number of the final
	// component.
	ResolvePath(path string) (uint64, error)
}

const (
	// maxRequestBytes bounds a single JSON request. A request that
	// fills the whole buffer is rejected rather than reassembled.
	maxRequestBytes = 5000

	// requestsPerWindow and limitWindow bound how fast one client may
	// issue requests before the connection is dropped.
	requestsPerWindow = 60
	limitWindow       = time.Minute

	connDeadline = 30 * time.Second
	readDeadline = 5 * time.Second
)

// clientLimiter tracks per-client request counts within the current
// window.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*windowCount
}

type windowCount struct {
	windowStart time.Time
	count       int
}

func newClientLimiter() *clientLimiter {
	return &clientLimiter{clients: make(map[string]*windowCount)}
}

// allow records one request from client and reports whether it stays
// within requestsPerWindow for the current window.
func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.clients[client]
	if w == nil || now.Sub(w.windowStart) > limitWindow {
		l.clients[client] = &windowCount{windowStart: now, count: 1}
		return true
	}
	if w.count >= requestsPerWindow {
		return false
	}
	w.count++
	return true
}

type server struct {
	fs      Interface
	limiter *clientLimiter
}

// Serve accepts and handles connections on sock until the listener is
// closed. It blocks; run it in its own goroutine.
func Serve(sock net.Listener, fs Interface) {
	srv := &server{fs: fs, limiter: newClientLimiter()}
	for {
		conn, err := sock.Accept()
		if err != nil {
			// Normal on shutdown: "use of closed network connection".
			tlog.Info.Printf("ctlsock: accept: %v", err)
			return
		}
		go srv.serveConn(conn.(*net.UnixConn))
	}
}

func (s *server) serveConn(conn *net.UnixConn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	cred, err := getPeerCredentials(conn)
	if err != nil {
		tlog.Warn.Printf("ctlsock: peer credentials unavailable: %v", err)
		return
	}
	if cred.UID != os.Getuid() {
		tlog.Warn.Printf("ctlsock: rejecting peer uid %d (server uid %d)", cred.UID, os.Getuid())
		return
	}

	client := clientID(conn)
	buf := make([]byte, maxRequestBytes)
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			tlog.Warn.Printf("ctlsock: read: %v", err)
			return
		}
		if n == maxRequestBytes {
			tlog.Warn.Printf("ctlsock: request exceeds %d bytes, dropping connection", maxRequestBytes-1)
			return
		}
		if !s.limiter.allow(client) {
			writeResponse(conn, errors.New("rate limit exceeded"), 0, "")
			return
		}

		var req ctlsock.RequestStruct
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			writeResponse(conn, errors.New("JSON Unmarshal error: "+err.Error()), 0, "")
			continue
		}
		s.resolve(&req, conn)
	}
}

func (s *server) resolve(req *ctlsock.RequestStruct, conn *net.UnixConn) {
	clean := SanitizePath(req.ResolvePath)
	var warn string
	if clean != req.ResolvePath {
		warn = "non-canonical path interpreted as '" + clean + "'"
	}
	if clean == "" {
		writeResponse(conn, errors.New("empty path after canonicalization"), 0, warn)
		return
	}
	ino, err := s.fs.ResolvePath(clean)
	if err != nil {
		writeResponse(conn, err, 0, warn)
		return
	}
	writeResponse(conn, nil, ino, warn)
}

func writeResponse(conn *net.UnixConn, err error, ino uint64, warn string) {
	msg := ctlsock.ResponseStruct{Ino: ino, WarnText: warn}
	if err != nil {
		msg.ErrText = err.Error()
		msg.ErrNo = -1
		var pe *os.PathError
		if errors.As(err, &pe) {
			var errno syscall.Errno
			if errors.As(pe.Err, &errno) {
				msg.ErrNo = int32(errno)
			}
		}
	}
	out, merr := json.Marshal(msg)
	if merr != nil {
		tlog.Warn.Printf("ctlsock: marshal: %v", merr)
		return
	}
	out = append(out, '\n')
	if _, werr := conn.Write(out); werr != nil {
		tlog.Warn.Printf("ctlsock: write: %v", werr)
	}
}

// PeerCredentials is what the platform-specific getPeerCredentials
// implementations report about the connecting process.
type PeerCredentials struct {
	UID int
	GID int
	PID int
}

// clientID keys the rate limiter. Unix sockets frequently have
// unnamed peers, in which case every anonymous client shares a
// bucket, which errs on the strict side.
func clientID(conn *net.UnixConn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "anon"
}
