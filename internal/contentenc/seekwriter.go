package contentenc

import (
	"io"

	"github.com/sealfs/sealfs/internal/ferrors"
)

// SeekableWriter is a random-access encrypting view over a seekable
// ciphertext sink.
// Writes are buffered per-block and read-modify-write materialized:
// writing into the middle of an existing block re-decrypts it first,
// and writing into a block beyond the current end of the ciphertext
// sink zero-fills every intervening block before it, since a gap in
// the AEAD block stream cannot be represented as a filesystem hole.
type SeekableWriter struct {
	engine *Engine
	rw     io.ReadWriteSeeker
	fileID []byte

	size          int64  // logical plaintext length established by actual writes
	diskBlocks    uint64 // number of block records physically present in rw
	diskPlainSize int64  // plaintext bytes physically sealed in rw's records

	blockIndex uint64
	loaded     bool
	blockPlain []byte // mutable decrypted buffer for blockIndex
	dirty      bool

	cursor  int64
	scratch []byte

	// pendingExtend is the furthest position a bare Seek (with no
	// subsequent Write) has reached beyond size. A gap in the AEAD
	// block stream cannot be represented as a hole, so Finish must
	// still materialize zero blocks up to it even though nothing was
	// ever written there. Reset to 0 once a real Write takes over
	// responsibility for extending the file.
	pendingExtend int64
}

// NewSeekableWriter returns a SeekableWriter over rw. size is the
// plaintext content length already represented by rw's existing
// ciphertext blocks (0 for a brand new, empty file).
func NewSeekableWriter(rw io.ReadWriteSeeker, engine *Engine, fileID []byte, size int64) *SeekableWriter {
	diskBlocks := uint64(0)
	if size > 0 {
		diskBlocks = (uint64(size) + engine.PlainBS() - 1) / engine.PlainBS()
	}
	return &SeekableWriter{
		engine:        engine,
		rw:            rw,
		fileID:        fileID,
		size:          size,
		diskBlocks:    diskBlocks,
		diskPlainSize: size,
		scratch:       make([]byte, engine.CipherBS()),
	}
}

// Size returns the current logical plaintext length.
func (w *SeekableWriter) Size() int64 { return w.size }

// Reset discards any loaded block and pending extension and adopts
// size as the new plaintext length, after an out-of-band resize of the
// underlying ciphertext (truncate through a different path).
func (w *SeekableWriter) Reset(size int64) {
	w.size = size
	w.diskPlainSize = size
	w.diskBlocks = 0
	if size > 0 {
		w.diskBlocks = (uint64(size) + w.engine.PlainBS() - 1) / w.engine.PlainBS()
	}
	w.loaded = false
	w.dirty = false
	w.blockPlain = nil
	w.pendingExtend = 0
	if w.cursor > size {
		w.cursor = size
	}
}

// Seek repositions the write cursor. It does not change the file's
// logical size by itself: a position past the end is remembered, and
// the zero-filled extension it implies is materialized by the next
// Write or, if no write follows, by Finish.
func (w *SeekableWriter) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = w.cursor + offset
	case io.SeekEnd:
		target = w.size + offset
	default:
		return w.cursor, ferrors.New(ferrors.InvalidInput, "invalid whence")
	}
	if target < 0 {
		return w.cursor, ferrors.New(ferrors.InvalidInput, "negative seek position")
	}
	w.cursor = target
	if target > w.size {
		if target > w.pendingExtend {
			w.pendingExtend = target
		}
	} else {
		w.pendingExtend = 0
	}
	return w.cursor, nil
}

// Write implements io.Writer, read-modify-writing whichever blocks the
// current cursor range touches.
func (w *SeekableWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.pendingExtend = 0
	}
	total := 0
	for len(p) > 0 {
		block, intra := w.engine.PlainOffsetToBlock(w.cursor)
		if err := w.loadBlock(block); err != nil {
			return total, err
		}
		n := len(p)
		if room := int(w.engine.PlainBS()) - int(intra); n > room {
			n = room
		}
		needLen := int(intra) + n
		w.ensureLen(needLen)
		copy(w.blockPlain[intra:needLen], p[:n])
		w.dirty = true

		p = p[n:]
		w.cursor += int64(n)
		total += n
		if w.cursor > w.size {
			w.size = w.cursor
		}
	}
	return total, nil
}

// ensureLen grows blockPlain to at least target bytes, zero-filling
// any newly added tail.
func (w *SeekableWriter) ensureLen(target int) {
	if len(w.blockPlain) >= target {
		return
	}
	if cap(w.blockPlain) >= target {
		old := len(w.blockPlain)
		w.blockPlain = w.blockPlain[:target]
		for i := old; i < target; i++ {
			w.blockPlain[i] = 0
		}
		return
	}
	nb := make([]byte, target)
	copy(nb, w.blockPlain)
	w.blockPlain = nb
}

// loadBlock makes blockIndex the active block, persisting whatever was
// previously loaded first if it was modified.
func (w *SeekableWriter) loadBlock(idx uint64) error {
	if w.loaded && idx == w.blockIndex {
		return nil
	}
	// Padding to full length is only required when moving forward: a
	// later block's offset depends on every block before it being
	// full-length. Moving backward leaves a short final block short.
	if err := w.persistLoadedIfDirty(!w.loaded || idx > w.blockIndex); err != nil {
		return err
	}
	if idx >= w.diskBlocks {
		if err := w.padFinalDiskBlock(); err != nil {
			return err
		}
	}
	if idx < w.diskBlocks {
		if _, err := w.rw.Seek(w.engine.BlockOffset(idx), io.SeekStart); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}
		n, err := io.ReadFull(w.rw, w.scratch)
		if err != nil && err != io.ErrUnexpectedEOF {
			return ferrors.Wrap(ferrors.Io, err)
		}
		plain, derr := w.engine.DecryptBlock(w.scratch[:n], idx, w.fileID)
		if derr != nil {
			return derr
		}
		buf := make([]byte, len(plain), w.engine.PlainBS())
		copy(buf, plain)
		w.blockPlain = buf
	} else {
		w.blockPlain = w.blockPlain[:0]
	}
	w.blockIndex = idx
	w.loaded = true
	w.dirty = false
	return nil
}

// persistLoadedIfDirty seals and writes the currently loaded block if
// it has pending modifications, first materializing any gap blocks
// between the end of the ciphertext sink and this block's index. Only
// the true final block of a file may be shorter than a full plaintext
// block; padToFull must be true whenever persisting because a write is
// about to move on to a later block, so a block short at that moment
// would otherwise corrupt every later block's offset.
func (w *SeekableWriter) persistLoadedIfDirty(padToFull bool) error {
	if !w.loaded || !w.dirty {
		return nil
	}
	zero := make([]byte, w.engine.PlainBS())
	for g := w.diskBlocks; g < w.blockIndex; g++ {
		if err := w.writeBlockAt(g, zero); err != nil {
			return err
		}
	}
	plain := w.blockPlain
	if padToFull && uint64(len(plain)) < w.engine.PlainBS() {
		padded := make([]byte, w.engine.PlainBS())
		copy(padded, plain)
		plain = padded
	}
	if err := w.writeBlockAt(w.blockIndex, plain); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// padFinalDiskBlock re-seals a short final on-disk block at full
// length with a zero-filled tail. Crossing past the end of the
// existing ciphertext requires it: every block before the new final
// one must be full so later blocks land at their computed offsets. The
// added zeros fall inside the seek gap, which must read as zeros
// anyway.
func (w *SeekableWriter) padFinalDiskBlock() error {
	if w.diskBlocks == 0 || w.diskPlainSize%int64(w.engine.PlainBS()) == 0 {
		return nil
	}
	last := w.diskBlocks - 1
	if _, err := w.rw.Seek(w.engine.BlockOffset(last), io.SeekStart); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	n, err := io.ReadFull(w.rw, w.scratch)
	if err != nil && err != io.ErrUnexpectedEOF {
		return ferrors.Wrap(ferrors.Io, err)
	}
	plain, derr := w.engine.DecryptBlock(w.scratch[:n], last, w.fileID)
	if derr != nil {
		return derr
	}
	padded := make([]byte, w.engine.PlainBS())
	copy(padded, plain)
	return w.writeBlockAt(last, padded)
}

func (w *SeekableWriter) writeBlockAt(idx uint64, plain []byte) error {
	record := w.engine.EncryptBlock(plain, idx, w.fileID)
	if _, err := w.rw.Seek(w.engine.BlockOffset(idx), io.SeekStart); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	if _, err := w.rw.Write(record); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	if idx+1 > w.diskBlocks {
		w.diskBlocks = idx + 1
	}
	if end := int64(idx)*int64(w.engine.PlainBS()) + int64(len(plain)); end > w.diskPlainSize {
		w.diskPlainSize = end
	}
	return nil
}

// Finish persists any pending block modification and, if a seek ever
// moved the cursor past the end of the file with no write following
// it, materializes the zero-filled extension it implies. Loading the
// block that will become the new final block (creating it if it
// falls past every existing disk block) and zero-padding it to the
// new intra-block length reuses the ordinary write-path's gap-filling
// and persistence logic unchanged. It is idempotent and safe to call
// even if nothing was ever written.
func (w *SeekableWriter) Finish() error {
	if w.pendingExtend > w.size {
		block, intra := w.engine.PlainOffsetToBlock(w.pendingExtend)
		if intra == 0 && block > 0 {
			// Landing exactly on a block boundary means the new final
			// block is the previous one, full-length.
			block--
			intra = int64(w.engine.PlainBS())
		}
		if err := w.loadBlock(block); err != nil {
			return err
		}
		w.ensureLen(int(intra))
		w.dirty = true
		w.size = w.pendingExtend
		w.pendingExtend = 0
	}
	return w.persistLoadedIfDirty(false)
}
