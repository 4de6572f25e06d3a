package contentenc

import (
	"io"

	"github.com/sealfs/sealfs/internal/ferrors"
)

// Reader is a sequential decrypting view over a ciphertext byte
// source: records are decrypted block-at-a-time in index order.
type Reader struct {
	engine *Engine
	src    io.Reader
	fileID []byte

	blockIndex uint64
	plain      []byte // decrypted current block, remaining unread tail
	scratch    []byte // reusable ciphertext scratch buffer
	eof        bool
}

// NewReader returns a Reader that decrypts ciphertext records read
// sequentially from src.
func NewReader(src io.Reader, engine *Engine, fileID []byte) *Reader {
	return &Reader{
		engine:  engine,
		src:     src,
		fileID:  fileID,
		scratch: make([]byte, engine.CipherBS()),
	}
}

// Read implements io.Reader.
func (r *Reader) Read(dest []byte) (int, error) {
	total := 0
	for total < len(dest) {
		if len(r.plain) == 0 {
			if r.eof {
				break
			}
			if err := r.fillNextBlock(); err != nil {
				if err == io.EOF {
					r.eof = true
					break
				}
				return total, err
			}
		}
		n := copy(dest[total:], r.plain)
		r.plain = r.plain[n:]
		total += n
	}
	if total == 0 && r.eof {
		return 0, io.EOF
	}
	return total, nil
}

// fillNextBlock reads and decrypts the next ciphertext record into r.plain.
func (r *Reader) fillNextBlock() error {
	n, err := io.ReadFull(r.src, r.scratch)
	if err == io.EOF {
		return io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		// ReadFull stopped short: this is either the legitimately
		// shorter final block or a record truncated mid-nonce/mid-tag.
		// A record too short to hold nonce and tag is an error;
		// anything longer is decrypted as the final block.
		if n == 0 {
			return io.EOF
		}
		if uint64(n) < r.engine.Overhead() {
			return ferrors.New(ferrors.Io, "truncated block record: short read mid-nonce/mid-tag")
		}
		record := r.scratch[:n]
		plain, derr := r.engine.DecryptBlock(record, r.blockIndex, r.fileID)
		if derr != nil {
			return derr
		}
		r.plain = plain
		r.blockIndex++
		return nil
	}
	if err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	plain, derr := r.engine.DecryptBlock(r.scratch[:n], r.blockIndex, r.fileID)
	if derr != nil {
		return derr
	}
	r.plain = plain
	r.blockIndex++
	return nil
}
