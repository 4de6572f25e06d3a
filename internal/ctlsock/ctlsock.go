// Package ctlsock defines the JSON wire format spoken over the mount's
// control socket (see internal/ctlsocksrv).
package ctlsock

// RequestStruct is sent by a control-socket client to ask the running
// mount to resolve a plaintext path to its inode number.
type RequestStruct struct {
	// ResolvePath is a plaintext path relative to the mount root.
	ResolvePath string `json:"ResolvePath"`
}

// ResponseStruct is the reply to a RequestStruct.
type ResponseStruct struct {
	// Ino is the resolved inode number, valid only when ErrText is empty.
	Ino uint64 `json:"Ino,omitempty"`
	// ErrText is the error message, if any.
	ErrText string `json:"ErrText,omitempty"`
	// ErrNo is the errno, if the error originated from a syscall.
	ErrNo int32 `json:"ErrNo,omitempty"`
	// WarnText carries non-fatal warnings (e.g. path canonicalization).
	WarnText string `json:"WarnText,omitempty"`
}
