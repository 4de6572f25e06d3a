// Package handle implements the per-inode open file handle registry:
// monotonically increasing handle ids, each owning a read and/or
// write cursor over a seekable crypto reader/writer pair, built when
// the handle is opened and backed by one inode's ciphertext file.
package handle

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/ferrors"
)

// Handle is one open reference to an inode's content, as created by
// open/create_nod and destroyed by release.
type Handle struct {
	ID    uint64
	Ino   uint64
	Read  bool
	Write bool

	mu      sync.Mutex
	backing *os.File
	Reader  *contentenc.SeekableReader
	Writer  *contentenc.SeekableWriter
}

// Lock serializes operations submitted against this handle from a
// single caller; the handle owns its cursor.
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// close releases the backing OS file. Callers must have already
// Finish()ed any writer and must hold no further reference to h.
func (h *Handle) close() error {
	if h.backing == nil {
		return nil
	}
	if err := h.backing.Close(); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// Registry hands out and tracks live Handles.
type Registry struct {
	next uint64 // atomic

	mu      sync.Mutex
	handles map[uint64]*Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uint64]*Handle)}
}

// New allocates a fresh handle id for ino and registers it, backed by
// f (opened by the caller with the flags implied by read/write).
func (r *Registry) New(ino uint64, read, write bool, f *os.File) *Handle {
	id := atomic.AddUint64(&r.next, 1)
	h := &Handle{ID: id, Ino: ino, Read: read, Write: write, backing: f}
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

// Get returns the live handle for id, or BadHandle if it is not open.
func (r *Registry) Get(id uint64) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return nil, ferrors.New(ferrors.BadHandle, "no such open handle")
	}
	return h, nil
}

// ByInode returns the ids of every handle currently open on ino.
func (r *Registry) ByInode(ino uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	for id, h := range r.handles {
		if h.Ino == ino {
			ids = append(ids, id)
		}
	}
	return ids
}

// Release flushes a dirty writer (if any) and removes id from the
// registry, closing its backing file.
func (r *Registry) Release(id uint64) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()
	if !ok {
		return ferrors.New(ferrors.BadHandle, "no such open handle")
	}
	h.Lock()
	defer h.Unlock()
	if h.Writer != nil {
		if err := h.Writer.Finish(); err != nil {
			return err
		}
	}
	return h.close()
}

// Flush finishes a dirty writer without releasing the handle itself.
func (r *Registry) Flush(id uint64) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()
	if h.Writer == nil {
		return nil
	}
	return h.Writer.Finish()
}

// Len reports the number of currently open handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
