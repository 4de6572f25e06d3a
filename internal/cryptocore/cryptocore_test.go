package cryptocore

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeyLen)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	if _, err := New(make([]byte, KeyLen-1), BackendChaCha20Poly1305); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestNewBothBackends(t *testing.T) {
	for _, b := range []Backend{BackendChaCha20Poly1305, BackendAESGCM} {
		cc, err := New(testKey(), b)
		if err != nil {
			t.Fatalf("New(%s): %v", b, err)
		}
		if cc.IVLen < 12 {
			t.Fatalf("%s: IVLen = %d, want >= 12", b, cc.IVLen)
		}
		nonce := cc.IVGenerator.Get()
		if len(nonce) != cc.IVLen {
			t.Fatalf("%s: nonce length = %d, want %d", b, len(nonce), cc.IVLen)
		}
		ct := cc.AEADCipher.Seal(nil, nonce, []byte("plaintext"), []byte("ad"))
		pt, err := cc.AEADCipher.Open(nil, nonce, ct, []byte("ad"))
		if err != nil {
			t.Fatalf("%s: Open: %v", b, err)
		}
		if !bytes.Equal(pt, []byte("plaintext")) {
			t.Fatalf("%s: round trip mismatch", b)
		}
		cc.Wipe()
	}
}

func TestBackendString(t *testing.T) {
	if BackendAESGCM.String() != "AES-256-GCM" {
		t.Fatalf("AESGCM.String() = %q", BackendAESGCM.String())
	}
	if BackendChaCha20Poly1305.String() != "ChaCha20-Poly1305" {
		t.Fatalf("ChaCha20Poly1305.String() = %q", BackendChaCha20Poly1305.String())
	}
}

func TestNonceGeneratorDistinctDraws(t *testing.T) {
	g := NewNonceGenerator(24)
	defer g.Close()
	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		n := g.Get()
		s := string(n)
		if seen[s] {
			t.Fatalf("nonce reuse after %d draws", i)
		}
		seen[s] = true
	}
}

func TestRandBytesLength(t *testing.T) {
	b := RandBytes(32)
	if len(b) != 32 {
		t.Fatalf("len = %d, want 32", len(b))
	}
}
