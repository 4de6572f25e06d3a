// Package dirindex implements the encrypted directory entry index: a
// flat, length-prefixed record list per directory inode, resolving
// directory indexing with the simplest structure that works: a
// collection of individually-sealed entries rather than a B-tree.
// Each entry's plaintext name is sealed with the block codec using
// the parent inode as associated data, and the resulting ciphertext
// is additionally tagged with an HMAC (internal/filenameauth) that
// binds it to the parent inode. Every record is verified on its own,
// so dropping or reordering whole records is not detected.
package dirindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/ferrors"
	"github.com/sealfs/sealfs/internal/filenameauth"
	"github.com/sealfs/sealfs/internal/inode"
)

// MaxNameLen is the maximum plaintext directory entry name length.
const MaxNameLen = 255

// Entry is one decrypted directory entry.
type Entry struct {
	Name      string
	ChildIno  uint64
	ChildKind inode.Kind
}

// Index is the in-memory, load-whole-file view of one directory's
// entries. Callers serialize access externally (the facade does so
// via the per-inode lock); Index itself only guards its own fields.
type Index struct {
	path      string
	engine    *contentenc.Engine
	fa        *filenameauth.FilenameAuth
	parentIno uint64

	mu      sync.Mutex
	entries []Entry
}

func dirAD(parentIno uint64) []byte {
	return []byte("dirent/" + strconv.FormatUint(parentIno, 10))
}

// Open loads the directory index for parentIno rooted at dirPath
// (typically data_dir/dirs/<parentIno>/index), which need not yet
// exist (a brand new directory starts out empty).
func Open(dirPath string, parentIno uint64, engine *contentenc.Engine, fa *filenameauth.FilenameAuth) (*Index, error) {
	idx := &Index{path: dirPath, engine: engine, fa: fa, parentIno: parentIno}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// ValidateName checks a plaintext entry name against the
// naming rules: non-empty, no NUL or path separator, <= MaxNameLen
// bytes.
func ValidateName(name string) error {
	if name == "" {
		return ferrors.New(ferrors.InvalidName, "empty name")
	}
	if len(name) > MaxNameLen {
		return ferrors.New(ferrors.NameTooLong, "name exceeds 255 bytes")
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return ferrors.New(ferrors.InvalidName, "name contains separator or NUL")
		}
	}
	return nil
}

func (idx *Index) load() error {
	f, err := os.Open(idx.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			idx.entries = nil
			return nil
		}
		return ferrors.Wrap(ferrors.Io, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []Entry
	for {
		var authLen uint32
		if err := binary.Read(r, binary.LittleEndian, &authLen); err != nil {
			if err == io.EOF {
				break
			}
			return ferrors.Wrap(ferrors.Io, err)
		}
		authBuf := make([]byte, authLen)
		if _, err := io.ReadFull(r, authBuf); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}
		var childIno uint64
		if err := binary.Read(r, binary.LittleEndian, &childIno); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}
		var childKind uint8
		if err := binary.Read(r, binary.LittleEndian, &childKind); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}

		cipherStr, verr := idx.fa.VerifyFilename(idx.parentIno, string(authBuf))
		if verr != nil {
			return ferrors.New(ferrors.CorruptBlock, "directory index entry failed name authentication: "+verr.Error())
		}
		plain, derr := idx.engine.DecryptBlock([]byte(cipherStr), 0, dirAD(idx.parentIno))
		if derr != nil {
			return derr
		}
		entries = append(entries, Entry{Name: string(plain), ChildIno: childIno, ChildKind: inode.Kind(childKind)})
	}
	idx.entries = entries
	return nil
}

// flush rewrites the whole index file via a temp-file-plus-rename, so
// a crash mid-write never leaves a half-written index behind.
func (idx *Index) flush() error {
	tmp := idx.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range idx.entries {
		cipher := idx.engine.EncryptBlock([]byte(e.Name), 0, dirAD(idx.parentIno))
		auth, aerr := idx.fa.AuthenticateFilename(idx.parentIno, string(cipher))
		if aerr != nil {
			f.Close()
			return ferrors.Wrap(ferrors.Other, aerr)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(auth))); err != nil {
			f.Close()
			return ferrors.Wrap(ferrors.Io, err)
		}
		if _, err := w.WriteString(auth); err != nil {
			f.Close()
			return ferrors.Wrap(ferrors.Io, err)
		}
		if err := binary.Write(w, binary.LittleEndian, e.ChildIno); err != nil {
			f.Close()
			return ferrors.Wrap(ferrors.Io, err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(e.ChildKind)); err != nil {
			f.Close()
			return ferrors.Wrap(ferrors.Io, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ferrors.Wrap(ferrors.Io, err)
	}
	if err := f.Close(); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// Find returns the entry named name, if present.
func (idx *Index) Find(name string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range idx.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns a snapshot of all entries, in stable-per-call but
// otherwise undefined order.
func (idx *Index) List() []Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Len reports the number of entries (used by rmdir's NotEmpty check).
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Add inserts a new entry, failing with AlreadyExists if name is
// already present (directory entry names are unique per directory).
func (idx *Index) Add(e Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, ex := range idx.entries {
		if ex.Name == e.Name {
			return ferrors.New(ferrors.AlreadyExists, "directory entry exists: "+e.Name)
		}
	}
	idx.entries = append(idx.entries, e)
	if err := idx.flush(); err != nil {
		idx.entries = idx.entries[:len(idx.entries)-1]
		return err
	}
	return nil
}

// Remove deletes the entry named name, returning it.
func (idx *Index) Remove(name string) (Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, e := range idx.entries {
		if e.Name != name {
			continue
		}
		rest := append(append([]Entry{}, idx.entries[:i]...), idx.entries[i+1:]...)
		saved := idx.entries
		idx.entries = rest
		if err := idx.flush(); err != nil {
			idx.entries = saved
			return Entry{}, err
		}
		return e, nil
	}
	return Entry{}, ferrors.New(ferrors.NotFound, "directory entry not found: "+name)
}

// Rename atomically (from this index's point of view) relabels or
// retargets the entry named oldName to newName/newChild, used when a
// rename's source and destination share the same parent directory.
func (idx *Index) Rename(oldName, newName string, newChild Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	found := -1
	clobber := -1
	for i, e := range idx.entries {
		if e.Name == oldName {
			found = i
		}
		if e.Name == newName {
			clobber = i
		}
	}
	if found == -1 {
		return ferrors.New(ferrors.NotFound, "directory entry not found: "+oldName)
	}
	saved := append([]Entry{}, idx.entries...)
	if clobber != -1 && clobber != found {
		idx.entries = append(idx.entries[:clobber], idx.entries[clobber+1:]...)
		if clobber < found {
			found--
		}
	}
	idx.entries[found] = newChild
	if err := idx.flush(); err != nil {
		idx.entries = saved
		return err
	}
	return nil
}
