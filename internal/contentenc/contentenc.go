// Package contentenc implements the per-inode content block codec and
// the streaming/seekable reader and writer views built on top of it.
//
// On-disk layout of one block record is:
//
//	nonce (IVLen bytes) || ciphertext (plaintext_len bytes) || tag (AuthTagLen bytes)
//
// Associated data is the block's 0-based index, little-endian, with an
// optional per-inode file ID appended so that ciphertext from one inode
// can never be mistaken for another inode's content.
package contentenc

import (
	"encoding/binary"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/ferrors"
	"github.com/sealfs/sealfs/internal/parallelcrypto"
	"github.com/sealfs/sealfs/internal/tlog"
)

// DefaultBS is the default plaintext block size: 64 KiB.
const DefaultBS = 64 * 1024

// Engine encrypts and decrypts individual content blocks for one mount.
type Engine struct {
	cc       *cryptocore.CryptoCore
	plainBS  uint64
	cipherBS uint64

	parallel *parallelcrypto.ParallelCrypto
}

// NewEngine returns an Engine that encrypts plainBS-sized plaintext
// blocks using cc.
func NewEngine(cc *cryptocore.CryptoCore, plainBS uint64) *Engine {
	if plainBS == 0 {
		plainBS = DefaultBS
	}
	e := &Engine{
		cc:       cc,
		plainBS:  plainBS,
		cipherBS: plainBS + uint64(cc.IVLen) + cryptocore.AuthTagLen,
		parallel: parallelcrypto.New(),
	}
	tlog.Debug.Printf("contentenc.NewEngine: plainBS=%d cipherBS=%d", e.plainBS, e.cipherBS)
	return e
}

// PlainBS returns the plaintext block size.
func (e *Engine) PlainBS() uint64 { return e.plainBS }

// CipherBS returns the maximum ciphertext record size (a short final
// block's record is smaller by the same amount its plaintext is).
func (e *Engine) CipherBS() uint64 { return e.cipherBS }

// Overhead returns the per-block nonce+tag overhead.
func (e *Engine) Overhead() uint64 {
	return uint64(e.cc.IVLen) + cryptocore.AuthTagLen
}

// BlockOffset returns the byte offset of block index b within the
// ciphertext file.
func (e *Engine) BlockOffset(b uint64) int64 {
	return int64(b * e.cipherBS)
}

// PlainOffsetToBlock splits a plaintext offset into its block index and
// intra-block offset.
func (e *Engine) PlainOffsetToBlock(off int64) (block uint64, intra int64) {
	return uint64(off) / e.plainBS, off % int64(e.plainBS)
}

// concatAD builds the associated data for a block: the little-endian
// block index, followed by the per-inode file ID (if any).
func concatAD(blockNo uint64, fileID []byte) []byte {
	ad := make([]byte, 8, 8+len(fileID))
	binary.LittleEndian.PutUint64(ad, blockNo)
	return append(ad, fileID...)
}

// EncryptBlock seals plaintext as block blockNo, returning
// nonce||ciphertext||tag. A fresh random nonce is drawn for every call.
func (e *Engine) EncryptBlock(plaintext []byte, blockNo uint64, fileID []byte) []byte {
	nonce := e.cc.IVGenerator.Get()
	return e.encryptBlockWithNonce(plaintext, blockNo, fileID, nonce)
}

func (e *Engine) encryptBlockWithNonce(plaintext []byte, blockNo uint64, fileID []byte, nonce []byte) []byte {
	if len(plaintext) == 0 {
		return nil
	}
	ad := concatAD(blockNo, fileID)
	out := make([]byte, 0, len(nonce)+len(plaintext)+cryptocore.AuthTagLen)
	out = append(out, nonce...)
	out = e.cc.AEADCipher.Seal(out, nonce, plaintext, ad)
	return out
}

// DecryptBlock opens a ciphertext record, verifying it was sealed as
// blockNo with the engine's mount key and file ID.
func (e *Engine) DecryptBlock(record []byte, blockNo uint64, fileID []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, nil
	}
	if len(record) < e.cc.IVLen+cryptocore.AuthTagLen {
		return nil, ferrors.New(ferrors.CorruptBlock, "block shorter than nonce+tag overhead")
	}
	nonce := record[:e.cc.IVLen]
	ciphertext := record[e.cc.IVLen:]
	ad := concatAD(blockNo, fileID)
	plaintext, err := e.cc.AEADCipher.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		tlog.Warn.Printf("DecryptBlock: block %d failed to authenticate: %v", blockNo, err)
		return nil, ferrors.Wrap(ferrors.CorruptBlock, err)
	}
	return plaintext, nil
}

// DecryptBlocks decrypts a run of consecutive full-size block records
// starting at firstBlockNo, using the parallel/batch/sequential path
// that best fits the block count. Used by the facade's copy_file_range
// and bulk reads.
func (e *Engine) DecryptBlocks(ciphertext []byte, firstBlockNo uint64, fileID []byte) ([]byte, error) {
	blockCount := len(ciphertext) / int(e.cipherBS)
	if blockCount == 0 {
		return nil, nil
	}
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = ciphertext[i*int(e.cipherBS) : (i+1)*int(e.cipherBS)]
	}

	plaintexts := make([][]byte, blockCount)
	var firstErr error
	process := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p, err := e.DecryptBlock(blocks[i], firstBlockNo+uint64(i), fileID)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			plaintexts[i] = p
		}
	}
	if e.parallel.ShouldUseParallel(blockCount) {
		e.parallel.ProcessBlocksParallel(blockCount, process)
	} else if e.parallel.ShouldUseBatch(blockCount) {
		e.parallel.ProcessBlocksBatch(blockCount, process)
	} else {
		process(0, blockCount)
	}
	if firstErr != nil {
		return nil, firstErr
	}

	total := 0
	for _, p := range plaintexts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range plaintexts {
		out = append(out, p...)
	}
	return out, nil
}
