// Package fs implements the filesystem facade: the complete
// programmatic boundary a kernel-bridge adapter calls into. It wires
// the inode metadata store, the encrypted directory index, the file
// handle registry, and the content block codec together, serializing
// concurrent access to each inode through a holder-map-issued mutex.
package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/dirindex"
	"github.com/sealfs/sealfs/internal/ferrors"
	"github.com/sealfs/sealfs/internal/filenameauth"
	"github.com/sealfs/sealfs/internal/handle"
	"github.com/sealfs/sealfs/internal/holdermap"
	"github.com/sealfs/sealfs/internal/inode"
	"github.com/sealfs/sealfs/internal/secretcache"
	"github.com/sealfs/sealfs/internal/tlog"
	"github.com/sealfs/sealfs/internal/writecoalescing"
)

// Filesystem is the programmatic facade an adapter drives: one
// method per filesystem operation, plus Statfs (statfs.go).
type Filesystem struct {
	dataDir string
	tmpDir  string
	engine  *contentenc.Engine
	store   *inode.Store
	fa      *filenameauth.FilenameAuth

	// keys hands out the unwrapped master key on demand. Residence of
	// the raw key bytes is bounded by the cache's TTL plus active use;
	// operations that need the key (subkey derivation now, password
	// rewrap later) acquire a holder and release it when done rather
	// than retaining the bytes.
	keys *secretcache.Cache[[]byte]

	// locks hands out one *sync.Mutex per inode; while it is held, no
	// concurrent read or write of that inode's content or directory
	// entries may proceed.
	locks *holdermap.Map[uint64, *sync.Mutex]

	handles  *handle.Registry
	coalesce *writecoalescing.Manager

	// orphans tracks inodes whose last directory entry is gone but
	// which still have open handles; their backing state is reaped by
	// the last Release instead of by unlink itself.
	orphanMu sync.Mutex
	orphans  map[uint64]dirindex.Entry
}

// New constructs a Filesystem rooted at dataDir, using engine for
// content encryption and keys for everything that needs the master
// key itself (the directory-name authentication subkey is derived
// from it here, under a short-lived holder). tmpDir is scratch space
// for in-place rewrites (currently unused by the facade itself,
// reserved for the adapter). coalesceWindow tunes the write
// coalescing flush window; 0 keeps the default.
func New(dataDir, tmpDir string, engine *contentenc.Engine, keys *secretcache.Cache[[]byte], coalesceWindow time.Duration) (*Filesystem, error) {
	store, err := inode.Open(dataDir, engine)
	if err != nil {
		return nil, err
	}
	f := &Filesystem{
		dataDir: dataDir,
		tmpDir:  tmpDir,
		engine:  engine,
		store:   store,
		keys:    keys,
		locks:   holdermap.New[uint64, *sync.Mutex](),
		handles: handle.NewRegistry(),
		orphans: make(map[uint64]dirindex.Entry),
	}
	kh, err := keys.Get(context.Background())
	if err != nil {
		return nil, err
	}
	f.fa = filenameauth.New(*kh.Value(), true)
	kh.Release()

	wcfg := writecoalescing.DefaultConfig()
	if coalesceWindow > 0 {
		wcfg.Window = coalesceWindow
	}
	f.coalesce = writecoalescing.NewManager(wcfg, f.flushCoalesced)
	return f, nil
}

// withInodeLock serializes fn against every other caller operating on
// ino, via the per-inode mutex the holder map hands out. The mutex
// entry itself is purged the instant the last holder releases it.
func (f *Filesystem) withInodeLock(ino uint64, fn func() error) error {
	h := f.locks.GetOrInsertWith(ino, func() *sync.Mutex { return &sync.Mutex{} })
	defer h.Release()
	mu := *h.Value()
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// GetInode returns the attribute record for ino.
func (f *Filesystem) GetInode(ino uint64) (*inode.Attr, error) {
	return f.store.Get(ino)
}

// FindByName resolves name within parent, returning (nil, nil) if no
// such entry exists.
func (f *Filesystem) FindByName(parent uint64, name string) (*inode.Attr, error) {
	if err := dirindex.ValidateName(name); err != nil {
		return nil, err
	}
	parentAttr, err := f.store.Get(parent)
	if err != nil {
		return nil, err
	}
	if parentAttr.Kind != inode.Directory {
		return nil, ferrors.New(ferrors.NotDir, "parent is not a directory")
	}
	idx, err := f.openDirIndex(parent)
	if err != nil {
		return nil, err
	}
	e, ok := idx.Find(name)
	if !ok {
		return nil, nil
	}
	return f.store.Get(e.ChildIno)
}

func (f *Filesystem) openDirIndex(ino uint64) (*dirindex.Index, error) {
	dir, err := f.store.DirPath(ino)
	if err != nil {
		return nil, err
	}
	return dirindex.Open(filepath.Join(dir, "index"), ino, f.engine, f.fa)
}

// CreateNod creates a new directory entry named name under parent,
// with attributes seeded from draft (Kind, Perm, Uid, Gid, Rdev). If
// the new node is a regular file and read or write is true, it is
// also opened, and the returned handle id is non-zero; mkdir-style
// callers pass read=write=false and ignore the returned handle.
func (f *Filesystem) CreateNod(parent uint64, name string, draft inode.Attr, read, write bool) (uint64, *inode.Attr, error) {
	if err := dirindex.ValidateName(name); err != nil {
		return 0, nil, err
	}

	var fh uint64
	var out *inode.Attr
	err := f.withInodeLock(parent, func() error {
		parentAttr, err := f.store.Get(parent)
		if err != nil {
			return err
		}
		if parentAttr.Kind != inode.Directory {
			return ferrors.New(ferrors.NotDir, "parent is not a directory")
		}
		idx, err := f.openDirIndex(parent)
		if err != nil {
			return err
		}
		if _, exists := idx.Find(name); exists {
			return ferrors.New(ferrors.AlreadyExists, "already exists: "+name)
		}

		ino, err := f.store.Alloc()
		if err != nil {
			return err
		}
		now := time.Now()
		nlink := uint32(1)
		if draft.Kind == inode.Directory {
			nlink = 2
		}
		attr := &inode.Attr{
			Ino:       ino,
			Kind:      draft.Kind,
			Perm:      draft.Perm,
			Uid:       draft.Uid,
			Gid:       draft.Gid,
			Nlink:     nlink,
			Rdev:      draft.Rdev,
			BlockSize: uint32(f.engine.PlainBS()),
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Crtime:    now,
			FileID:    inode.NewFileID(),
		}
		if attr.Kind == inode.Directory {
			if _, direrr := f.store.DirPath(ino); direrr != nil {
				return direrr
			}
		}
		if err := f.store.Put(attr); err != nil {
			return err
		}
		if err := idx.Add(dirindex.Entry{Name: name, ChildIno: ino, ChildKind: attr.Kind}); err != nil {
			return err
		}
		if attr.Kind == inode.Directory {
			if _, err := f.store.Update(parent, func(a *inode.Attr) { a.Nlink++; a.Mtime = now }); err != nil {
				return err
			}
		} else {
			if _, err := f.store.Update(parent, func(a *inode.Attr) { a.Mtime = now }); err != nil {
				return err
			}
		}

		out = attr
		if attr.Kind == inode.File && (read || write) {
			h, oerr := f.openHandle(ino, attr, read, write)
			if oerr != nil {
				return oerr
			}
			fh = h.ID
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return fh, out, nil
}

// ReadDir returns the entries of the directory ino.
func (f *Filesystem) ReadDir(ino uint64) ([]dirindex.Entry, error) {
	attr, err := f.store.Get(ino)
	if err != nil {
		return nil, err
	}
	if attr.Kind != inode.Directory {
		return nil, ferrors.New(ferrors.NotDir, "not a directory")
	}
	idx, err := f.openDirIndex(ino)
	if err != nil {
		return nil, err
	}
	return idx.List(), nil
}

// DirEntryPlus pairs a directory entry with the child's full
// attributes, for read_dir_plus.
type DirEntryPlus struct {
	Entry dirindex.Entry
	Attr  *inode.Attr
}

// ReadDirPlus is ReadDir plus each child's attributes.
func (f *Filesystem) ReadDirPlus(ino uint64) ([]DirEntryPlus, error) {
	entries, err := f.ReadDir(ino)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntryPlus, 0, len(entries))
	for _, e := range entries {
		a, gerr := f.store.Get(e.ChildIno)
		if gerr != nil {
			return nil, gerr
		}
		out = append(out, DirEntryPlus{Entry: e, Attr: a})
	}
	return out, nil
}

// Open opens file inode ino for reading and/or writing, returning a
// handle id.
func (f *Filesystem) Open(ino uint64, read, write bool) (uint64, error) {
	attr, err := f.store.Get(ino)
	if err != nil {
		return 0, err
	}
	if attr.Kind == inode.Directory {
		return 0, ferrors.New(ferrors.IsDir, "cannot open a directory for I/O")
	}
	h, err := f.openHandle(ino, attr, read, write)
	if err != nil {
		return 0, err
	}
	return h.ID, nil
}

func (f *Filesystem) openHandle(ino uint64, attr *inode.Attr, read, write bool) (*handle.Handle, error) {
	flags := os.O_RDONLY
	switch {
	case read && write:
		flags = os.O_RDWR | os.O_CREATE
	case write:
		flags = os.O_RDWR | os.O_CREATE
	case read:
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(f.store.ContentPath(ino), flags, 0o600)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	h := f.handles.New(ino, read, write, file)
	if read {
		h.Reader = contentenc.NewSeekableReader(file, f.engine, attr.FileID, int64(attr.Size))
	}
	if write {
		h.Writer = contentenc.NewSeekableWriter(file, f.engine, attr.FileID, int64(attr.Size))
	}
	return h, nil
}

// Read reads up to len(buf) bytes starting at offset through handle fh.
func (f *Filesystem) Read(ino uint64, offset int64, buf []byte, fh uint64) (int, error) {
	h, err := f.handles.Get(fh)
	if err != nil {
		return 0, err
	}
	if h.Ino != ino {
		return 0, ferrors.New(ferrors.BadHandle, "handle does not belong to this inode")
	}
	if h.Reader == nil {
		return 0, ferrors.New(ferrors.BadHandle, "handle not open for reading")
	}

	var n int
	err = f.withInodeLock(ino, func() error {
		// Writes staged for this inode (through any handle) must be
		// visible to this read, so drain the coalescing buffers and
		// refresh the reader's size clamp first.
		if ferr := f.flushInodeBuffers(ino); ferr != nil {
			return ferr
		}
		attr, aerr := f.store.Get(ino)
		if aerr != nil {
			return aerr
		}
		h.Lock()
		defer h.Unlock()
		h.Reader.SetSize(int64(attr.Size))
		if _, serr := h.Reader.Seek(offset, io.SeekStart); serr != nil {
			return serr
		}
		for n < len(buf) {
			m, rerr := h.Reader.Read(buf[n:])
			n += m
			if rerr != nil {
				if rerr == io.EOF {
					return nil
				}
				return rerr
			}
			if m == 0 {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, nil
}

// flushInodeBuffers drains the coalescing buffer of every handle open
// on ino and persists each write handle's in-flight block, so the
// ciphertext file holds everything written so far. Callers must hold
// the inode lock.
func (f *Filesystem) flushInodeBuffers(ino uint64) error {
	for _, id := range f.handles.ByInode(ino) {
		if err := f.coalesce.Flush(id); err != nil {
			return err
		}
		h, err := f.handles.Get(id)
		if err != nil {
			continue // released concurrently
		}
		if h.Writer != nil {
			if err := h.Writer.Finish(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushCoalesced is the writecoalescing flush callback: it performs
// the actual seek-and-seal against the handle's SeekableWriter and
// updates the inode's logical size.
func (f *Filesystem) flushCoalesced(fh uint64, data []byte, offset int64) error {
	h, err := f.handles.Get(fh)
	if err != nil {
		return err
	}
	if _, err := h.Writer.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := h.Writer.Write(data); err != nil {
		return err
	}
	_, err = f.store.Update(h.Ino, func(a *inode.Attr) {
		if sz := uint64(h.Writer.Size()); sz > a.Size {
			a.Size = sz
		}
		a.Mtime = time.Now()
	})
	return err
}

// Write writes data at offset through handle fh, coalescing small
// sequential writes before they reach the seekable crypto writer.
func (f *Filesystem) Write(ino uint64, offset int64, data []byte, fh uint64) (int, error) {
	h, err := f.handles.Get(fh)
	if err != nil {
		return 0, err
	}
	if h.Ino != ino {
		return 0, ferrors.New(ferrors.BadHandle, "handle does not belong to this inode")
	}
	if !h.Write {
		return 0, ferrors.New(ferrors.ReadOnlyHandle, "handle not open for writing")
	}

	err = f.withInodeLock(ino, func() error {
		h.Lock()
		defer h.Unlock()
		if err := f.coalesce.Write(fh, data, offset); err != nil {
			return err
		}
		// The logical size grows the moment the write is accepted, not
		// when the coalescing buffer drains; getattr in between must
		// already see it.
		end := uint64(offset) + uint64(len(data))
		_, uerr := f.store.Update(ino, func(a *inode.Attr) {
			if end > a.Size {
				a.Size = end
			}
			a.Mtime = time.Now()
		})
		return uerr
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Flush forces any coalesced and buffered writes for fh down to disk
// without closing the handle.
func (f *Filesystem) Flush(fh uint64) error {
	h, err := f.handles.Get(fh)
	if err != nil {
		return err
	}
	return f.withInodeLock(h.Ino, func() error {
		if err := f.coalesce.Flush(fh); err != nil {
			return err
		}
		return f.handles.Flush(h.ID)
	})
}

// Release flushes and closes handle fh. If the handle's inode was
// unlinked while open, the last Release also reaps its backing state.
func (f *Filesystem) Release(fh uint64) error {
	h, err := f.handles.Get(fh)
	if err != nil {
		return err
	}
	return f.withInodeLock(h.Ino, func() error {
		if err := f.coalesce.Forget(fh); err != nil {
			return err
		}
		if err := f.handles.Release(fh); err != nil {
			return err
		}
		return f.reapOrphan(h.Ino)
	})
}

// Truncate resizes ino's content to exactly size bytes, zero-filling
// any extension.
func (f *Filesystem) Truncate(ino uint64, size uint64) error {
	return f.withInodeLock(ino, func() error {
		if err := f.flushInodeBuffers(ino); err != nil {
			return err
		}
		attr, err := f.store.Get(ino)
		if err != nil {
			return err
		}
		if attr.Kind == inode.Directory {
			return ferrors.New(ferrors.IsDir, "cannot truncate a directory")
		}
		if uint64(size) == attr.Size {
			return nil
		}
		file, ferr := os.OpenFile(f.store.ContentPath(ino), os.O_RDWR|os.O_CREATE, 0o600)
		if ferr != nil {
			return ferrors.Wrap(ferrors.Io, ferr)
		}
		defer file.Close()

		if size < attr.Size {
			// A shrink that lands mid-block still needs that block
			// re-sealed at its new, shorter length: read and decrypt
			// it, truncate the plaintext, and rewrite it as a short
			// final record before truncating the file to drop every
			// full block past it.
			blockIdx, intra := f.engine.PlainOffsetToBlock(int64(size))
			if intra != 0 {
				if _, err := file.Seek(f.engine.BlockOffset(blockIdx), io.SeekStart); err != nil {
					return ferrors.Wrap(ferrors.Io, err)
				}
				scratch := make([]byte, f.engine.CipherBS())
				n, rerr := io.ReadFull(file, scratch)
				if rerr != nil && rerr != io.ErrUnexpectedEOF {
					return ferrors.Wrap(ferrors.Io, rerr)
				}
				plain, derr := f.engine.DecryptBlock(scratch[:n], blockIdx, attr.FileID)
				if derr != nil {
					return derr
				}
				if int64(len(plain)) > intra {
					plain = plain[:intra]
				}
				record := f.engine.EncryptBlock(plain, blockIdx, attr.FileID)
				if _, err := file.Seek(f.engine.BlockOffset(blockIdx), io.SeekStart); err != nil {
					return ferrors.Wrap(ferrors.Io, err)
				}
				if _, err := file.Write(record); err != nil {
					return ferrors.Wrap(ferrors.Io, err)
				}
				if err := file.Truncate(f.engine.BlockOffset(blockIdx) + int64(len(record))); err != nil {
					return ferrors.Wrap(ferrors.Io, err)
				}
			} else {
				if err := file.Truncate(f.engine.BlockOffset(blockIdx)); err != nil {
					return ferrors.Wrap(ferrors.Io, err)
				}
			}
		} else {
			w := contentenc.NewSeekableWriter(file, f.engine, attr.FileID, int64(attr.Size))
			if _, err := w.Seek(int64(size), io.SeekStart); err != nil {
				return err
			}
			if err := w.Finish(); err != nil {
				return err
			}
		}

		if _, err := f.store.Update(ino, func(a *inode.Attr) {
			a.Size = size
			a.Mtime = time.Now()
			a.Ctime = time.Now()
		}); err != nil {
			return err
		}
		// Open handles keep their own cursors over the old content
		// length; snap them to the new one.
		for _, id := range f.handles.ByInode(ino) {
			h, herr := f.handles.Get(id)
			if herr != nil {
				continue
			}
			if h.Writer != nil {
				h.Writer.Reset(int64(size))
			}
			if h.Reader != nil {
				h.Reader.SetSize(int64(size))
			}
		}
		return nil
	})
}

// Rename moves/relabels the entry named nameOld under parentOld to
// nameNew under parentNew.
func (f *Filesystem) Rename(parentOld uint64, nameOld string, parentNew uint64, nameNew string) error {
	if err := dirindex.ValidateName(nameOld); err != nil {
		return err
	}
	if err := dirindex.ValidateName(nameNew); err != nil {
		return err
	}

	lockFirst, lockSecond := parentOld, parentNew
	if lockFirst > lockSecond {
		lockFirst, lockSecond = lockSecond, lockFirst
	}
	return f.withInodeLock(lockFirst, func() error {
		rename := func() error {
			srcIdx, err := f.openDirIndex(parentOld)
			if err != nil {
				return err
			}
			srcEntry, ok := srcIdx.Find(nameOld)
			if !ok {
				return ferrors.New(ferrors.NotFound, "no such entry: "+nameOld)
			}

			if parentOld == parentNew {
				dst, clobbering := srcIdx.Find(nameNew)
				if clobbering && dst.ChildKind == inode.Directory {
					if n, derr := f.dirLen(dst.ChildIno); derr == nil && n > 0 {
						return ferrors.New(ferrors.NotEmpty, "destination directory not empty")
					}
				}
				if err := srcIdx.Rename(nameOld, nameNew, dirindex.Entry{Name: nameNew, ChildIno: srcEntry.ChildIno, ChildKind: srcEntry.ChildKind}); err != nil {
					return err
				}
				if clobbering && dst.ChildIno != srcEntry.ChildIno {
					f.dropInodeData(dst)
				}
				return nil
			}

			dstIdx, err := f.openDirIndex(parentNew)
			if err != nil {
				return err
			}
			if dst, ok := dstIdx.Find(nameNew); ok {
				if dst.ChildKind == inode.Directory {
					if n, derr := f.dirLen(dst.ChildIno); derr == nil && n > 0 {
						return ferrors.New(ferrors.NotEmpty, "destination directory not empty")
					}
				}
				if _, err := dstIdx.Remove(nameNew); err != nil {
					return err
				}
				f.dropInodeData(dst)
			}
			if _, err := srcIdx.Remove(nameOld); err != nil {
				return err
			}
			if err := dstIdx.Add(dirindex.Entry{Name: nameNew, ChildIno: srcEntry.ChildIno, ChildKind: srcEntry.ChildKind}); err != nil {
				// best-effort restore of the source entry
				_ = srcIdx.Add(srcEntry)
				return err
			}
			return nil
		}
		if lockFirst == lockSecond {
			return rename()
		}
		return f.withInodeLock(lockSecond, rename)
	})
}

// removeInodeData deletes an unlinked inode's backing state: content
// file or directory index, then the attribute record, in that order so
// a crash mid-unlink never leaves an attr-less but content-bearing
// inode.
func (f *Filesystem) removeInodeData(e dirindex.Entry) error {
	if e.ChildKind == inode.File {
		if err := os.Remove(f.store.ContentPath(e.ChildIno)); err != nil && !os.IsNotExist(err) {
			return ferrors.Wrap(ferrors.Io, err)
		}
	} else {
		if err := os.RemoveAll(filepath.Join(f.dataDir, "dirs", strconv.FormatUint(e.ChildIno, 10))); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}
	}
	return f.store.Remove(e.ChildIno)
}

// removeInodeOrDefer removes e's backing state now if nothing holds
// the inode open, or records it as an orphan otherwise: handles
// outlive unlink, so in-flight reads and writes through an open
// handle keep working until the last Release, which reaps the orphan.
func (f *Filesystem) removeInodeOrDefer(e dirindex.Entry) error {
	f.orphanMu.Lock()
	if len(f.handles.ByInode(e.ChildIno)) > 0 {
		f.orphans[e.ChildIno] = e
		f.orphanMu.Unlock()
		return nil
	}
	f.orphanMu.Unlock()
	return f.removeInodeData(e)
}

// reapOrphan removes a previously unlinked inode's backing state once
// its last open handle has been released.
func (f *Filesystem) reapOrphan(ino uint64) error {
	f.orphanMu.Lock()
	e, ok := f.orphans[ino]
	if ok && len(f.handles.ByInode(ino)) == 0 {
		delete(f.orphans, ino)
	} else {
		ok = false
	}
	f.orphanMu.Unlock()
	if !ok {
		return nil
	}
	return f.removeInodeData(e)
}

// dropInodeData removes the backing state of an inode whose last
// directory entry was just overwritten by a rename, deferring to the
// last Release if the inode is still open. Errors are logged, not
// surfaced: the rename itself already happened.
func (f *Filesystem) dropInodeData(e dirindex.Entry) {
	if err := f.removeInodeOrDefer(e); err != nil {
		tlog.Warn.Printf("rename: failed to remove overwritten inode %d: %v", e.ChildIno, err)
	}
}

func (f *Filesystem) dirLen(ino uint64) (int, error) {
	idx, err := f.openDirIndex(ino)
	if err != nil {
		return 0, err
	}
	return idx.Len(), nil
}

// RemoveFile unlinks name from parent. The inode's content is removed
// once the last link is gone and no open handle references it; an
// inode still held open survives, unreachable by name, until its last
// handle is released.
func (f *Filesystem) RemoveFile(parent uint64, name string) error {
	return f.withInodeLock(parent, func() error {
		idx, err := f.openDirIndex(parent)
		if err != nil {
			return err
		}
		e, ok := idx.Find(name)
		if !ok {
			return ferrors.New(ferrors.NotFound, "no such entry: "+name)
		}
		if e.ChildKind != inode.File {
			return ferrors.New(ferrors.NotDir, "not a file: "+name)
		}
		if _, err := idx.Remove(name); err != nil {
			return err
		}
		return f.removeInodeOrDefer(e)
	})
}

// RemoveDir removes the empty directory named name under parent.
func (f *Filesystem) RemoveDir(parent uint64, name string) error {
	return f.withInodeLock(parent, func() error {
		idx, err := f.openDirIndex(parent)
		if err != nil {
			return err
		}
		e, ok := idx.Find(name)
		if !ok {
			return ferrors.New(ferrors.NotFound, "no such entry: "+name)
		}
		if e.ChildKind != inode.Directory {
			return ferrors.New(ferrors.NotDir, "not a directory: "+name)
		}
		childIdx, err := f.openDirIndex(e.ChildIno)
		if err != nil {
			return err
		}
		if childIdx.Len() > 0 {
			return ferrors.New(ferrors.NotEmpty, "directory not empty: "+name)
		}
		if _, err := idx.Remove(name); err != nil {
			return err
		}
		if _, err := f.store.Update(parent, func(a *inode.Attr) { a.Nlink-- }); err != nil {
			return err
		}
		return f.removeInodeOrDefer(e)
	})
}

// CopyFileRange copies length bytes from inoIn at offIn to inoOut at
// offOut, using the engine's bulk/parallel block decryption path for
// the read side.
func (f *Filesystem) CopyFileRange(inoIn uint64, offIn int64, inoOut uint64, offOut int64, length int64, fhIn, fhOut uint64) (int64, error) {
	hIn, err := f.handles.Get(fhIn)
	if err != nil {
		return 0, err
	}
	if hIn.Ino != inoIn {
		return 0, ferrors.New(ferrors.BadHandle, "source handle does not belong to this inode")
	}
	hOut, err := f.handles.Get(fhOut)
	if err != nil {
		return 0, err
	}
	if hOut.Ino != inoOut {
		return 0, ferrors.New(ferrors.BadHandle, "destination handle does not belong to this inode")
	}
	if !hOut.Write {
		return 0, ferrors.New(ferrors.ReadOnlyHandle, "destination handle not open for writing")
	}

	var copied int64
	lockFirst, lockSecond := inoIn, inoOut
	if lockFirst > lockSecond {
		lockFirst, lockSecond = lockSecond, lockFirst
	}
	do := func() error {
		if ferr := f.flushInodeBuffers(inoIn); ferr != nil {
			return ferr
		}
		attrIn, aerr := f.store.Get(inoIn)
		if aerr != nil {
			return aerr
		}
		plain, rerr := f.readBulk(attrIn, offIn, length)
		if rerr != nil {
			return rerr
		}
		hOut.Lock()
		defer hOut.Unlock()
		if _, serr := hOut.Writer.Seek(offOut, io.SeekStart); serr != nil {
			return serr
		}
		n, werr := hOut.Writer.Write(plain)
		copied = int64(n)
		if werr != nil {
			return werr
		}
		_, uerr := f.store.Update(inoOut, func(a *inode.Attr) {
			if sz := uint64(hOut.Writer.Size()); sz > a.Size {
				a.Size = sz
			}
			a.Mtime = time.Now()
		})
		return uerr
	}
	if lockFirst == lockSecond {
		err = f.withInodeLock(lockFirst, do)
	} else {
		err = f.withInodeLock(lockFirst, func() error { return f.withInodeLock(lockSecond, do) })
	}
	if err != nil {
		return 0, err
	}
	return copied, nil
}

// readBulk decrypts the block-aligned range covering [off, off+length)
// of ino's content in one parallel batch, via the engine's
// DecryptBlocks, then trims to the exact requested slice.
func (f *Filesystem) readBulk(attr *inode.Attr, off, length int64) ([]byte, error) {
	if off >= int64(attr.Size) {
		return nil, nil
	}
	if off+length > int64(attr.Size) {
		length = int64(attr.Size) - off
	}
	firstBlock, intra := f.engine.PlainOffsetToBlock(off)
	lastBlock, _ := f.engine.PlainOffsetToBlock(off + length - 1)

	file, err := os.Open(f.store.ContentPath(attr.Ino))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	defer file.Close()

	if _, err := file.Seek(f.engine.BlockOffset(firstBlock), io.SeekStart); err != nil {
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	nBlocks := lastBlock - firstBlock + 1
	raw := make([]byte, nBlocks*f.engine.CipherBS())
	n, err := io.ReadFull(file, raw)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	raw = raw[:n]
	// DecryptBlocks only consumes whole block records; a short final
	// record (the file's last block) is decrypted separately.
	wholeLen := (len(raw) / int(f.engine.CipherBS())) * int(f.engine.CipherBS())
	plain, derr := f.engine.DecryptBlocks(raw[:wholeLen], firstBlock, attr.FileID)
	if derr != nil {
		return nil, derr
	}
	if wholeLen < len(raw) {
		tailBlock := firstBlock + uint64(wholeLen)/f.engine.CipherBS()
		tailPlain, terr := f.engine.DecryptBlock(raw[wholeLen:], tailBlock, attr.FileID)
		if terr != nil {
			return nil, terr
		}
		plain = append(plain, tailPlain...)
	}

	start := intra
	end := start + length
	if end > int64(len(plain)) {
		end = int64(len(plain))
	}
	if start > int64(len(plain)) {
		start = int64(len(plain))
	}
	return plain[start:end], nil
}

// UpdateInode applies a sparse attribute patch to ino. The patch must
// be populated from the caller's incoming attribute change before
// this is called — it is never read back empty, which is the
// upstream bug this store is written to avoid.
func (f *Filesystem) UpdateInode(ino uint64, patch *inode.Patch) error {
	_, err := f.store.Update(ino, func(a *inode.Attr) {
		patch.Apply(a)
		a.Ctime = time.Now()
	})
	return err
}

// ResolvePath walks a plaintext, slash-separated path starting at the
// root inode, for the control socket's path-to-inode lookup.
func (f *Filesystem) ResolvePath(path string) (uint64, error) {
	ino := inode.RootIno
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, nil
	}
	for _, part := range strings.Split(path, "/") {
		attr, err := f.FindByName(ino, part)
		if err != nil {
			return 0, err
		}
		if attr == nil {
			return 0, ferrors.New(ferrors.NotFound, "no such path: "+path)
		}
		ino = attr.Ino
	}
	return ino, nil
}
