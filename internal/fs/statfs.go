package fs

import (
	"golang.org/x/sys/unix"

	"github.com/sealfs/sealfs/internal/dirindex"
	"github.com/sealfs/sealfs/internal/ferrors"
)

// StatfsResult is the aggregate filesystem usage the adapter surfaces
// for statfs(2). It reports the backing store's own block/inode
// accounting, not a reconstruction of plaintext sizes.
type StatfsResult struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint32
}

// Statfs surfaces aggregate usage computed from the backing
// data_dir's own filesystem, for adapters that implement statfs(2).
// A direct, low-risk extension of GetInode.
func (f *Filesystem) Statfs(ino uint64) (StatfsResult, error) {
	if _, err := f.GetInode(ino); err != nil {
		return StatfsResult{}, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(f.dataDir, &st); err != nil {
		return StatfsResult{}, ferrors.Wrap(ferrors.Io, err)
	}
	return StatfsResult{
		BlockSize:  uint32(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
		NameLen:    dirindex.MaxNameLen,
	}, nil
}
