// Package exitcodes defines the process exit codes sealfs returns on
// fatal startup and configuration errors, so scripts driving the
// binary can distinguish failure classes without parsing log text.
package exitcodes

const (
	// Usage indicates invalid command-line arguments.
	Usage = 1
	// MountPoint indicates the mountpoint is missing or unusable.
	MountPoint = 3
	// CipherDir indicates the backing storage directory is missing or unusable.
	CipherDir = 6
	// LoadConf indicates the configuration file could not be read or parsed.
	LoadConf = 7
	// ScryptParams indicates a scrypt KDF parameter was rejected as unsafe.
	ScryptParams = 8
	// Argon2Params indicates an Argon2id KDF parameter was rejected as unsafe.
	Argon2Params = 9
	// PasswordWrong indicates master key derivation or unwrap failed.
	PasswordWrong = 10
	// ControlSocket indicates the control socket failed to bind or serve.
	ControlSocket = 11
	// Mount indicates the filesystem server failed to start serving.
	Mount = 12
)
