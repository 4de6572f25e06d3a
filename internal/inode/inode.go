// Package inode implements the persistent inode metadata store: one
// AEAD-sealed attribute record per inode under data_dir/inodes, plus
// the monotonic inode-number allocator and the root inode bootstrap
// described in the storage layout.
package inode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/djherbis/times.v1"

	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/ferrors"
	"github.com/sealfs/sealfs/internal/tlog"
)

// RootIno is the fixed, reserved inode number of the mount's root
// directory, created on first mount.
const RootIno = uint64(1)

// Kind distinguishes the two node types this filesystem supports;
// symlinks and other special types are not supported.
type Kind uint8

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	if k == Directory {
		return "directory"
	}
	return "file"
}

// Attr is the full persistent attribute record for one inode.
type Attr struct {
	Ino       uint64    `json:"ino"`
	Kind      Kind      `json:"kind"`
	Perm      uint16    `json:"perm"` // 12 bits: permission + setuid/setgid/sticky
	Uid       uint32    `json:"uid"`
	Gid       uint32    `json:"gid"`
	Nlink     uint32    `json:"nlink"`
	Rdev      uint32    `json:"rdev"`
	BlockSize uint32    `json:"block_size"`
	Size      uint64    `json:"size"` // plaintext logical size
	Atime     time.Time `json:"atime"`
	Mtime     time.Time `json:"mtime"`
	Ctime     time.Time `json:"ctime"`
	Crtime    time.Time `json:"crtime"`
	Flags     uint32    `json:"flags"`
	// FileID is folded into every content block's associated data so
	// ciphertext from one inode can never be accepted for another.
	FileID []byte `json:"file_id"`
}

// Patch is a sparse attribute update for UpdateInode; nil fields are
// left unchanged. Populate it from the caller's incoming attribute
// change before applying it — never read it back before that, which
// is the empty-patch bug this store is written to avoid.
type Patch struct {
	Perm  *uint16
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
	Ctime *time.Time
	Flags *uint32
}

// Apply overlays the populated fields of p onto a.
func (p *Patch) Apply(a *Attr) {
	if p.Perm != nil {
		a.Perm = *p.Perm
	}
	if p.Uid != nil {
		a.Uid = *p.Uid
	}
	if p.Gid != nil {
		a.Gid = *p.Gid
	}
	if p.Size != nil {
		a.Size = *p.Size
	}
	if p.Atime != nil {
		a.Atime = *p.Atime
	}
	if p.Mtime != nil {
		a.Mtime = *p.Mtime
	}
	if p.Ctime != nil {
		a.Ctime = *p.Ctime
	}
	if p.Flags != nil {
		a.Flags = *p.Flags
	}
}

// Store persists one <ino>.attr file per inode, each sealed as a
// single block with the engine's block codec (block index 0, AD
// "attr/<ino>"), plus the inode allocation counter and root bootstrap
// marker under data_dir/meta.
type Store struct {
	dataDir string
	engine  *contentenc.Engine

	mu      sync.Mutex
	nextIno uint64
}

// Open opens (creating if absent) the inode store rooted at dataDir,
// bootstrapping the root inode on first use.
func Open(dataDir string, engine *contentenc.Engine) (*Store, error) {
	for _, d := range []string{"inodes", "contents", "dirs", "meta"} {
		if err := os.MkdirAll(filepath.Join(dataDir, d), 0o700); err != nil {
			return nil, ferrors.Wrap(ferrors.Io, err)
		}
	}
	s := &Store{dataDir: dataDir, engine: engine}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) attrPath(ino uint64) string {
	return filepath.Join(s.dataDir, "inodes", strconv.FormatUint(ino, 10)+".attr")
}

func (s *Store) allocPath() string { return filepath.Join(s.dataDir, "meta", "alloc") }
func (s *Store) rootPath() string  { return filepath.Join(s.dataDir, "meta", "root") }

func attrAD(ino uint64) []byte {
	return []byte("attr/" + strconv.FormatUint(ino, 10))
}

func (s *Store) bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.rootPath()); err == nil {
		n, rerr := s.readAllocLocked()
		if rerr != nil {
			return rerr
		}
		s.nextIno = n
		return nil
	}

	now := time.Now()
	root := &Attr{
		Ino:       RootIno,
		Kind:      Directory,
		Perm:      0o755,
		Nlink:     2,
		BlockSize: uint32(s.engine.PlainBS()),
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Crtime:    now,
		FileID:    uuidBytes(),
	}
	if err := s.writeAttrLocked(root); err != nil {
		return err
	}
	s.nextIno = RootIno
	if err := s.writeAllocLocked(s.nextIno); err != nil {
		return err
	}
	if err := os.WriteFile(s.rootPath(), []byte("1"), 0o600); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	tlog.Info.Printf("inode.Store: bootstrapped root inode %d", RootIno)
	return nil
}

func uuidBytes() []byte {
	id := uuid.New()
	return id[:]
}

func (s *Store) readAllocLocked() (uint64, error) {
	data, err := os.ReadFile(s.allocPath())
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Io, err)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Other, err)
	}
	return n, nil
}

func (s *Store) writeAllocLocked(n uint64) error {
	if err := os.WriteFile(s.allocPath(), []byte(strconv.FormatUint(n, 10)), 0o600); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// Alloc returns a freshly allocated, never-before-used inode number.
func (s *Store) Alloc() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIno++
	if err := s.writeAllocLocked(s.nextIno); err != nil {
		s.nextIno--
		return 0, err
	}
	return s.nextIno, nil
}

func (s *Store) writeAttrLocked(a *Attr) error {
	data, err := json.Marshal(a)
	if err != nil {
		return ferrors.Wrap(ferrors.Other, err)
	}
	record := s.engine.EncryptBlock(data, 0, attrAD(a.Ino))
	if err := os.WriteFile(s.attrPath(a.Ino), record, 0o600); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// Put creates or overwrites the attribute record for a.Ino.
func (s *Store) Put(a *Attr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAttrLocked(a)
}

// Get returns the attribute record for ino.
func (s *Store) Get(ino uint64) (*Attr, error) {
	record, err := os.ReadFile(s.attrPath(ino))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.NotFound, "no such inode")
		}
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	plain, derr := s.engine.DecryptBlock(record, 0, attrAD(ino))
	if derr != nil {
		return nil, derr
	}
	var a Attr
	if err := json.Unmarshal(plain, &a); err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	// atime is not re-sealed into the record on every read; the
	// backing ciphertext file's own access time is authoritative while
	// content exists.
	if a.Kind == File {
		if ts, terr := times.Stat(s.ContentPath(ino)); terr == nil {
			if at := ts.AccessTime(); at.After(a.Atime) {
				a.Atime = at
			}
		}
	}
	return &a, nil
}

// Update loads, mutates via mutate, and persists the attribute record
// for ino, all under the store's write lock so readers never observe
// a half-applied update.
func (s *Store) Update(ino uint64, mutate func(*Attr)) (*Attr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := os.ReadFile(s.attrPath(ino))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.NotFound, "no such inode")
		}
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	plain, derr := s.engine.DecryptBlock(record, 0, attrAD(ino))
	if derr != nil {
		return nil, derr
	}
	var a Attr
	if err := json.Unmarshal(plain, &a); err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	mutate(&a)
	if err := s.writeAttrLocked(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Remove deletes the attribute record for ino. It does not touch the
// inode's content file or directory index; callers remove those
// first so a crash mid-unlink never leaves an attr-less but
// content-bearing inode.
func (s *Store) Remove(ino uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.attrPath(ino)); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// ContentPath returns the backing ciphertext file path for ino.
func (s *Store) ContentPath(ino uint64) string {
	return filepath.Join(s.dataDir, "contents", strconv.FormatUint(ino, 10))
}

// DirPath returns the directory holding ino's encrypted directory
// index, creating it if necessary.
func (s *Store) DirPath(ino uint64) (string, error) {
	dir := filepath.Join(s.dataDir, "dirs", strconv.FormatUint(ino, 10))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", ferrors.Wrap(ferrors.Io, err)
	}
	return dir, nil
}

// NewFileID mints a fresh per-inode file ID for a newly created node.
func NewFileID() []byte { return uuidBytes() }
