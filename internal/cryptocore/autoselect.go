package cryptocore

import "github.com/sealfs/sealfs/internal/cpudetection"

// RecommendedBackend picks whichever of the two supported AEAD
// backends this CPU can run fastest: AES-256-GCM on hardware with a
// dedicated AES instruction set, ChaCha20-Poly1305 everywhere else.
func RecommendedBackend() Backend {
	if cpudetection.Detect().PreferAESGCM() {
		return BackendAESGCM
	}
	return BackendChaCha20Poly1305
}
