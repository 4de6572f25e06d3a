package contentenc

import (
	"io"

	"github.com/sealfs/sealfs/internal/ferrors"
)

// Writer is a sequential encrypting view over a ciphertext sink,
// sealing plaintext into ciphertext records in index order: plaintext is
// buffered until a full block accumulates, then sealed and flushed.
// Only the final block written before Finish may be short.
type Writer struct {
	engine *Engine
	dst    io.Writer
	fileID []byte

	blockIndex uint64
	buf        []byte // buffered plaintext, len < engine.PlainBS() between Writes
	finished   bool
}

// NewWriter returns a Writer that seals plaintext into ciphertext
// records written sequentially to dst.
func NewWriter(dst io.Writer, engine *Engine, fileID []byte) *Writer {
	return &Writer{
		engine: engine,
		dst:    dst,
		fileID: fileID,
		buf:    make([]byte, 0, engine.PlainBS()),
	}
}

// Write implements io.Writer. It panics if called after Finish, since
// that indicates a caller bug rather than a recoverable I/O condition.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		panic("contentenc: Write after Finish")
	}
	total := 0
	for len(p) > 0 {
		space := int(w.engine.PlainBS()) - len(w.buf)
		n := copy(w.buf[len(w.buf):len(w.buf)+space], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		total += n
		if len(w.buf) == int(w.engine.PlainBS()) {
			if err := w.flushBlock(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// flushBlock seals and writes the current buffer as the next block,
// then resets the buffer for reuse.
func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	record := w.engine.EncryptBlock(w.buf, w.blockIndex, w.fileID)
	if _, err := w.dst.Write(record); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	w.blockIndex++
	w.buf = w.buf[:0]
	return nil
}

// Flush propagates a flush to the underlying sink if it supports one.
// Buffered partial-block plaintext is deliberately not flushed: a
// short block can only ever be the final block, so sealing it here
// would forbid any further Write.
func (w *Writer) Flush() error {
	if f, ok := w.dst.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return ferrors.Wrap(ferrors.Io, err)
		}
	}
	return nil
}

// Finish seals any remaining buffered plaintext as a final, possibly
// short, block and marks the writer closed. It is idempotent.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	return w.flushBlock()
}
