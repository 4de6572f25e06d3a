package contentenc

import (
	"io"

	"github.com/sealfs/sealfs/internal/ferrors"
)

// SeekableReader is a random-access decrypting view over a seekable
// ciphertext source.
type SeekableReader struct {
	engine *Engine
	src    io.ReadSeeker
	fileID []byte
	size   int64 // plaintext content length

	blockIndex uint64 // index of the block currently held in blockPlain
	loaded     bool   // whether blockPlain holds decrypted data for blockIndex
	blockPlain []byte // full decrypted plaintext of blockIndex
	blockPos   int64  // read offset within blockPlain
	cursor     int64  // absolute plaintext read position
	stale      bool   // content changed underneath; next Seek must reposition
	scratch    []byte
}

// NewSeekableReader returns a SeekableReader over src. size is the
// inode's plaintext content length, used to clamp seeks past EOF.
func NewSeekableReader(src io.ReadSeeker, engine *Engine, fileID []byte, size int64) *SeekableReader {
	return &SeekableReader{
		engine:  engine,
		src:     src,
		fileID:  fileID,
		size:    size,
		scratch: make([]byte, engine.CipherBS()),
	}
}

// SetSize adopts size as the plaintext content length, after writes
// through another view of the same inode have grown or shrunk it. The
// decoded block is discarded so the next read observes current disk
// state; callers must Seek before the next Read.
func (r *SeekableReader) SetSize(size int64) {
	if size == r.size {
		return
	}
	r.size = size
	r.loaded = false
	r.blockPlain = nil
	r.stale = true
	if r.cursor > size {
		r.cursor = size
	}
}

// Seek repositions the read cursor. Seeking to the start of a block
// defers decryption until the next Read; seeking to the current
// position is a no-op; seeking past EOF clamps to the content length.
func (r *SeekableReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.cursor + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return r.cursor, ferrors.New(ferrors.InvalidInput, "invalid whence")
	}
	if target < 0 {
		return r.cursor, ferrors.New(ferrors.InvalidInput, "negative seek position")
	}
	if target > r.size {
		target = r.size
	}
	if target == r.cursor && !r.stale {
		return r.cursor, nil
	}

	block, intra := r.engine.PlainOffsetToBlock(target)
	if r.loaded && block == r.blockIndex && !r.stale {
		// Same block already decoded: just move the in-buffer cursor.
		r.blockPos = intra
		r.cursor = target
		return r.cursor, nil
	}

	if _, err := r.src.Seek(r.engine.BlockOffset(block), io.SeekStart); err != nil {
		return r.cursor, ferrors.Wrap(ferrors.Io, err)
	}
	r.blockIndex = block
	r.loaded = false
	r.blockPlain = nil
	r.blockPos = intra
	r.cursor = target
	r.stale = false
	return r.cursor, nil
}

// Read implements io.Reader.
func (r *SeekableReader) Read(dest []byte) (int, error) {
	if r.cursor >= r.size {
		return 0, io.EOF
	}
	total := 0
	for total < len(dest) && r.cursor < r.size {
		if !r.loaded {
			if err := r.loadCurrentBlock(); err != nil {
				return total, err
			}
		}
		if r.loaded && len(r.blockPlain) == 0 {
			// Ciphertext ended before the recorded plaintext size.
			break
		}
		if r.blockPos >= int64(len(r.blockPlain)) {
			// Block fully consumed; advance to the next one.
			r.blockIndex++
			r.loaded = false
			r.blockPlain = nil
			r.blockPos = 0
			continue
		}
		n := copy(dest[total:], r.blockPlain[r.blockPos:])
		r.blockPos += int64(n)
		r.cursor += int64(n)
		total += n
	}
	if total == 0 && len(dest) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// loadCurrentBlock positions the underlying source at block
// r.blockIndex and decrypts that block into r.blockPlain.
func (r *SeekableReader) loadCurrentBlock() error {
	if _, err := r.src.Seek(r.engine.BlockOffset(r.blockIndex), io.SeekStart); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	n, err := io.ReadFull(r.src, r.scratch)
	if err == io.EOF {
		r.blockPlain = nil
		r.loaded = true
		return nil
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return ferrors.Wrap(ferrors.Io, err)
	}
	if err == io.ErrUnexpectedEOF && uint64(n) < r.engine.Overhead() {
		if n == 0 {
			r.blockPlain = nil
			r.loaded = true
			return nil
		}
		return ferrors.New(ferrors.Io, "truncated block record: short read mid-nonce/mid-tag")
	}
	plain, derr := r.engine.DecryptBlock(r.scratch[:n], r.blockIndex, r.fileID)
	if derr != nil {
		return derr
	}
	r.blockPlain = plain
	if r.blockPos > int64(len(plain)) {
		r.blockPos = int64(len(plain))
	}
	r.loaded = true
	return nil
}
