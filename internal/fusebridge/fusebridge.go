// Package fusebridge exposes the filesystem facade as a kernel FUSE
// mount via github.com/hanwen/go-fuse/v2. It is a thin translation
// layer: every node and file-handle method maps one kernel request
// onto facade operations (one, except Setattr, which may call Truncate,
// UpdateInode and GetInode) and converts the typed error that comes
// back into an errno. POSIX permission checks are left to the
// kernel (default_permissions) and to the facade's own contracts.
package fusebridge

import (
	"context"
	"errors"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sealfs/sealfs/internal/ferrors"
	"github.com/sealfs/sealfs/internal/fs"
	"github.com/sealfs/sealfs/internal/inode"
	"github.com/sealfs/sealfs/internal/tlog"
)

// Options carries the adapter-enforced mount flags of the
// configuration surface.
type Options struct {
	// AllowRoot and AllowOther map to the corresponding FUSE mount
	// options.
	AllowRoot  bool
	AllowOther bool
	// ReadOnly rejects every mutating operation with EROFS before it
	// reaches the facade.
	ReadOnly bool
	// DirectIO sets FOPEN_DIRECT_IO on every open, bypassing the
	// kernel page cache.
	DirectIO bool
	// Debug enables go-fuse request/response logging.
	Debug bool
	// FsName is the name reported in /proc/mounts.
	FsName string
}

// Mount attaches fsys to mountpoint and returns the serving
// fuse.Server. The caller owns the server lifecycle (Wait/Unmount).
func Mount(mountpoint string, fsys *fs.Filesystem, opts *Options) (*fuse.Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	root := &node{fsys: fsys, ino: inode.RootIno, opts: opts}
	oneSecond := time.Second
	mo := fuse.MountOptions{
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
		FsName:     opts.FsName,
		Name:       "sealfs",
		Options:    []string{"default_permissions"},
	}
	if opts.AllowRoot {
		mo.Options = append(mo.Options, "allow_root")
	}
	if opts.ReadOnly {
		mo.Options = append(mo.Options, "ro")
	}
	server, err := gofs.Mount(mountpoint, root, &gofs.Options{
		AttrTimeout:  &oneSecond,
		EntryTimeout: &oneSecond,
		MountOptions: mo,
	})
	if err != nil {
		return nil, err
	}
	tlog.Info.Printf("fusebridge: mounted on %s", mountpoint)
	return server, nil
}

// errnoFromErr translates the facade's typed errors into errnos. Every
// kind a kernel caller can branch on has a distinct errno; anything
// unrecognized (including corrupt ciphertext) surfaces as EIO.
func errnoFromErr(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *ferrors.Error
	if !errors.As(err, &fe) {
		return syscall.EIO
	}
	switch fe.Kind {
	case ferrors.NotFound:
		return syscall.ENOENT
	case ferrors.AlreadyExists:
		return syscall.EEXIST
	case ferrors.InvalidName, ferrors.InvalidInput:
		return syscall.EINVAL
	case ferrors.NameTooLong:
		return syscall.ENAMETOOLONG
	case ferrors.NotDir:
		return syscall.ENOTDIR
	case ferrors.IsDir:
		return syscall.EISDIR
	case ferrors.NotEmpty:
		return syscall.ENOTEMPTY
	case ferrors.BadHandle:
		return syscall.EBADF
	case ferrors.ReadOnlyHandle:
		return syscall.EBADF
	case ferrors.CorruptBlock, ferrors.Io:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// attrToFuse fills out from the facade's attribute record.
func attrToFuse(a *inode.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Blksize = a.BlockSize
	out.Nlink = a.Nlink
	out.Mode = modeOf(a)
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.Rdev = a.Rdev
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

func modeOf(a *inode.Attr) uint32 {
	mode := uint32(a.Perm)
	if a.Kind == inode.Directory {
		return mode | syscall.S_IFDIR
	}
	return mode | syscall.S_IFREG
}

// node is one inode of the mounted tree.
type node struct {
	gofs.Inode
	fsys *fs.Filesystem
	ino  uint64
	opts *Options
}

var _ = (gofs.NodeLookuper)((*node)(nil))
var _ = (gofs.NodeGetattrer)((*node)(nil))
var _ = (gofs.NodeSetattrer)((*node)(nil))
var _ = (gofs.NodeReaddirer)((*node)(nil))
var _ = (gofs.NodeMkdirer)((*node)(nil))
var _ = (gofs.NodeCreater)((*node)(nil))
var _ = (gofs.NodeOpener)((*node)(nil))
var _ = (gofs.NodeUnlinker)((*node)(nil))
var _ = (gofs.NodeRmdirer)((*node)(nil))
var _ = (gofs.NodeRenamer)((*node)(nil))

// newChild wraps a child attribute record in a kernel inode.
func (n *node) newChild(ctx context.Context, a *inode.Attr) *gofs.Inode {
	child := &node{fsys: n.fsys, ino: a.Ino, opts: n.opts}
	return n.NewInode(ctx, child, gofs.StableAttr{Mode: modeOf(a), Ino: a.Ino})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	a, err := n.fsys.FindByName(n.ino, name)
	if err != nil {
		return nil, errnoFromErr(err)
	}
	if a == nil {
		return nil, syscall.ENOENT
	}
	attrToFuse(a, &out.Attr)
	return n.newChild(ctx, a), 0
}

func (n *node) Getattr(ctx context.Context, f gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fsys.GetInode(n.ino)
	if err != nil {
		return errnoFromErr(err)
	}
	attrToFuse(a, &out.Attr)
	return 0
}

// Setattr populates an attribute patch from the incoming change and
// applies it through the facade; a size change goes through Truncate
// instead, since it moves ciphertext, not just metadata.
func (n *node) Setattr(ctx context.Context, f gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.opts.ReadOnly {
		return syscall.EROFS
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(n.ino, sz); err != nil {
			return errnoFromErr(err)
		}
	}

	var patch inode.Patch
	if m, ok := in.GetMode(); ok {
		perm := uint16(m & 0o7777)
		patch.Perm = &perm
	}
	if uid, ok := in.GetUID(); ok {
		patch.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		patch.Gid = &gid
	}
	if atime, ok := in.GetATime(); ok {
		patch.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		patch.Mtime = &mtime
	}
	if err := n.fsys.UpdateInode(n.ino, &patch); err != nil {
		return errnoFromErr(err)
	}

	a, err := n.fsys.GetInode(n.ino)
	if err != nil {
		return errnoFromErr(err)
	}
	attrToFuse(a, &out.Attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(n.ino)
	if err != nil {
		return nil, errnoFromErr(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.ChildKind == inode.Directory {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Ino: e.ChildIno, Mode: mode})
	}
	return gofs.NewListDirStream(list), 0
}

// callerOwner picks up the requesting process's uid/gid so freshly
// created nodes are owned by their creator, as the kernel expects.
func callerOwner(ctx context.Context) (uint32, uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	if n.opts.ReadOnly {
		return nil, syscall.EROFS
	}
	uid, gid := callerOwner(ctx)
	draft := inode.Attr{Kind: inode.Directory, Perm: uint16(mode & 0o7777), Uid: uid, Gid: gid}
	_, a, err := n.fsys.CreateNod(n.ino, name, draft, false, false)
	if err != nil {
		return nil, errnoFromErr(err)
	}
	attrToFuse(a, &out.Attr)
	return n.newChild(ctx, a), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	if n.opts.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	read, write := accessModes(flags)
	uid, gid := callerOwner(ctx)
	draft := inode.Attr{Kind: inode.File, Perm: uint16(mode & 0o7777), Uid: uid, Gid: gid}
	fh, a, err := n.fsys.CreateNod(n.ino, name, draft, read, write)
	if err != nil {
		return nil, nil, 0, errnoFromErr(err)
	}
	attrToFuse(a, &out.Attr)
	return n.newChild(ctx, a), &fileHandle{fsys: n.fsys, ino: a.Ino, fh: fh}, n.openFlags(), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	read, write := accessModes(flags)
	if write && n.opts.ReadOnly {
		return nil, 0, syscall.EROFS
	}
	fh, err := n.fsys.Open(n.ino, read, write)
	if err != nil {
		return nil, 0, errnoFromErr(err)
	}
	return &fileHandle{fsys: n.fsys, ino: n.ino, fh: fh}, n.openFlags(), 0
}

func (n *node) openFlags() uint32 {
	if n.opts.DirectIO {
		return fuse.FOPEN_DIRECT_IO
	}
	return 0
}

// accessModes splits kernel open flags into the facade's read/write
// booleans. O_RDONLY is zero, so it is the fallthrough.
func accessModes(flags uint32) (read, write bool) {
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return false, true
	case syscall.O_RDWR:
		return true, true
	default:
		return true, false
	}
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.opts.ReadOnly {
		return syscall.EROFS
	}
	return errnoFromErr(n.fsys.RemoveFile(n.ino, name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.opts.ReadOnly {
		return syscall.EROFS
	}
	return errnoFromErr(n.fsys.RemoveDir(n.ino, name))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.opts.ReadOnly {
		return syscall.EROFS
	}
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return errnoFromErr(n.fsys.Rename(n.ino, name, np.ino, newName))
}

// fileHandle is one open kernel file descriptor over an inode.
type fileHandle struct {
	fsys *fs.Filesystem
	ino  uint64
	fh   uint64
}

var _ = (gofs.FileReader)((*fileHandle)(nil))
var _ = (gofs.FileWriter)((*fileHandle)(nil))
var _ = (gofs.FileFlusher)((*fileHandle)(nil))
var _ = (gofs.FileFsyncer)((*fileHandle)(nil))
var _ = (gofs.FileReleaser)((*fileHandle)(nil))

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.fsys.Read(f.ino, off, dest, f.fh)
	if err != nil {
		return nil, errnoFromErr(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.fsys.Write(f.ino, off, data, f.fh)
	if err != nil {
		return 0, errnoFromErr(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoFromErr(f.fsys.Flush(f.fh))
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoFromErr(f.fsys.Flush(f.fh))
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFromErr(f.fsys.Release(f.fh))
}
