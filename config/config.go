// Package config loads the mount-time options: backing
// directories, cipher selection, and the handful of adapter-facing
// flags this core layer surfaces but does not itself enforce. It is
// backed by spf13/viper so file, environment, and flag sources all
// feed the same keys.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/ferrors"
)

// Cipher names the AEAD backend a mount uses for content encryption.
type Cipher string

const (
	ChaCha20Poly1305 Cipher = "chacha20poly1305"
	Aes256Gcm        Cipher = "aes256gcm"
	// Auto lets internal/cpudetection pick whichever backend this
	// CPU can run fastest.
	Auto Cipher = "auto"
)

// Backend resolves the configured cipher name to a cryptocore.Backend.
func (c Cipher) Backend() (cryptocore.Backend, error) {
	switch c {
	case "", ChaCha20Poly1305:
		return cryptocore.BackendChaCha20Poly1305, nil
	case Aes256Gcm:
		return cryptocore.BackendAESGCM, nil
	case Auto:
		return cryptocore.RecommendedBackend(), nil
	default:
		return 0, ferrors.New(ferrors.InvalidInput, "config: unknown cipher "+string(c))
	}
}

// PasswordProvider supplies the mount passphrase exactly once, at
// mount time; it is never retained by the core beyond the call that
// derives the mount key.
type PasswordProvider interface {
	GetPassword() ([]byte, error)
}

// Configuration is the full set of recognized mount-time options.
type Configuration struct {
	// DataDir is the backing directory for all on-disk state.
	DataDir string
	// TmpDir is scratch space for in-place rewrites.
	TmpDir string
	// Cipher selects the AEAD backend; empty defaults to ChaCha20Poly1305.
	Cipher Cipher
	// PasswordProvider supplies the passphrase used to unwrap the
	// mount key. Populated programmatically by the launcher, not by
	// viper.
	PasswordProvider PasswordProvider

	// AllowRoot, AllowOther, ReadOnly, and DirectIO are surfaced to
	// the kernel-bridge adapter; this core layer does not enforce them.
	AllowRoot  bool
	AllowOther bool
	ReadOnly   bool
	DirectIO   bool

	// KeyCacheTTL is how long the derived mount key stays resident in
	// the short-lived secret cache after its last use.
	KeyCacheTTL time.Duration
	// CoalesceWindow tunes internal/writecoalescing's flush window.
	CoalesceWindow time.Duration

	// CtlSock, if non-empty, is the path at which to expose the
	// control socket (internal/ctlsocksrv).
	CtlSock string

	// Mountpoint, if non-empty, is the directory the FUSE bridge
	// attaches the plaintext view to. Empty runs the core without a
	// kernel mount (control socket only).
	Mountpoint string
}

// defaults populates every field Load does not find a configured
// value for.
func defaults(v *viper.Viper) {
	v.SetDefault("tmp_dir", "")
	v.SetDefault("cipher", string(ChaCha20Poly1305))
	v.SetDefault("allow_root", false)
	v.SetDefault("allow_other", false)
	v.SetDefault("read_only", false)
	v.SetDefault("direct_io", false)
	v.SetDefault("key_cache_ttl", 5*time.Minute)
	v.SetDefault("coalesce_window", 10*time.Millisecond)
	v.SetDefault("ctl_sock", "")
	v.SetDefault("mountpoint", "")
}

// Load reads mount configuration from an optional file at path (empty
// skips the file), environment variables prefixed SEALFS_, and
// whatever flags the caller has already bound onto v. The returned
// Configuration's PasswordProvider is always nil; callers must set it
// themselves, since it cannot come from a config file by definition.
func Load(path string, v *viper.Viper) (*Configuration, error) {
	if v == nil {
		v = viper.New()
	}
	defaults(v)
	v.SetEnvPrefix("sealfs")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, ferrors.Wrap(ferrors.Io, err)
		}
	}

	cfg := &Configuration{
		DataDir:        v.GetString("data_dir"),
		TmpDir:         v.GetString("tmp_dir"),
		Cipher:         Cipher(v.GetString("cipher")),
		AllowRoot:      v.GetBool("allow_root"),
		AllowOther:     v.GetBool("allow_other"),
		ReadOnly:       v.GetBool("read_only"),
		DirectIO:       v.GetBool("direct_io"),
		KeyCacheTTL:    v.GetDuration("key_cache_ttl"),
		CoalesceWindow: v.GetDuration("coalesce_window"),
		CtlSock:        v.GetString("ctl_sock"),
		Mountpoint:     v.GetString("mountpoint"),
	}
	if cfg.DataDir == "" {
		return nil, ferrors.New(ferrors.InvalidInput, "config: data_dir is required")
	}
	if _, err := cfg.Cipher.Backend(); err != nil {
		return nil, err
	}
	return cfg, nil
}
