package secret

import (
	"bytes"
	"testing"
)

func TestRevealReturnsOriginalBytes(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")
	k := New(raw)
	k.Reveal(func(got []byte) {
		if !bytes.Equal(got, raw) {
			t.Fatal("revealed bytes do not match the original key")
		}
	})
}

func TestWipeClearsKeyAndIsIdempotent(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)
	k := New(raw)
	k.Wipe()
	k.Wipe() // must not panic

	defer func() {
		if recover() == nil {
			t.Fatal("expected Reveal after Wipe to panic")
		}
	}()
	k.Reveal(func([]byte) {})
}
